package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

const (
	HeaderSize        = 44
	DefaultSampleRate = 16000 // Rate used when a header cannot be trusted
	Channels          = 1     // Mono audio
	BitsPerSample     = 16    // Using int16 for samples
)

var ErrMalformedContainer = errors.New("malformed audio container")

type WavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// Header is the decoded view of a container header.
type Header struct {
	SampleRate int
	Channels   int
	BitDepth   int
	DataLength int64
}

func newWavHeader(sampleRate int, dataSize uint32) WavHeader {
	return WavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     dataSize + 36,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   Channels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(Channels) * uint32(BitsPerSample) / 8,
		BlockAlign:    Channels * BitsPerSample / 8,
		BitsPerSample: BitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

func WriteWavHeader(w io.Writer, sampleRate int, dataSize uint32) error {
	return binary.Write(w, binary.LittleEndian, newWavHeader(sampleRate, dataSize))
}

func UpdateWavHeader(file io.WriteSeeker, dataSize uint32) error {
	// Update ChunkSize (file size - 8)
	if _, err := file.Seek(4, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to ChunkSize: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, dataSize+36); err != nil {
		return fmt.Errorf("failed to write ChunkSize: %w", err)
	}

	// Update Subchunk2Size (data size)
	if _, err := file.Seek(40, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to Subchunk2Size: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, dataSize); err != nil {
		return fmt.Errorf("failed to write Subchunk2Size: %w", err)
	}

	return nil
}

// Writer streams PCM into a container file. The size fields are only
// correct after Close.
type Writer struct {
	file       *os.File
	sampleRate int
	written    int64

	closeOnce sync.Once
	closeErr  error
}

// OpenForWrite creates path and writes a placeholder header.
func OpenForWrite(path string, sampleRate int) (*Writer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := WriteWavHeader(file, sampleRate, 0); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	return &Writer{file: file, sampleRate: sampleRate}, nil
}

// Write appends raw little-endian PCM bytes.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

// WriteSamples appends 16-bit samples.
func (w *Writer) WriteSamples(samples []int16) error {
	_, err := w.Write(EncodeSamples(samples))
	return err
}

// Len returns the number of payload bytes written so far.
func (w *Writer) Len() int64 {
	return w.written
}

func (w *Writer) Name() string {
	return w.file.Name()
}

// Close finalizes both size fields and closes the file. It is safe to call
// more than once; later calls return the first result.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		updateErr := UpdateWavHeader(w.file, uint32(w.written))
		syncErr := w.file.Sync()
		closeErr := w.file.Close()
		w.closeErr = errors.Join(updateErr, syncErr, closeErr)
	})
	return w.closeErr
}

// ParseHeader decodes a 44-byte header and checks the container tags.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: need %d header bytes, got %d", ErrMalformedContainer, HeaderSize, len(data))
	}

	var raw WavHeader
	if err := binary.Read(bytes.NewReader(data[:HeaderSize]), binary.LittleEndian, &raw); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformedContainer, err)
	}

	switch {
	case string(raw.ChunkID[:]) != "RIFF":
		return Header{}, fmt.Errorf("%w: missing RIFF tag", ErrMalformedContainer)
	case string(raw.Format[:]) != "WAVE":
		return Header{}, fmt.Errorf("%w: missing WAVE tag", ErrMalformedContainer)
	case string(raw.Subchunk1ID[:]) != "fmt ":
		return Header{}, fmt.Errorf("%w: missing fmt chunk", ErrMalformedContainer)
	case string(raw.Subchunk2ID[:]) != "data":
		return Header{}, fmt.Errorf("%w: missing data chunk", ErrMalformedContainer)
	}

	return Header{
		SampleRate: int(raw.SampleRate),
		Channels:   int(raw.NumChannels),
		BitDepth:   int(raw.BitsPerSample),
		DataLength: int64(raw.Subchunk2Size),
	}, nil
}

// ReadHeader parses the first 44 bytes of the container at path.
func ReadHeader(path string) (Header, error) {
	data, err := HeaderBytes(path)
	if err != nil {
		return Header{}, err
	}
	return ParseHeader(data)
}

// HeaderBytes returns up to the first 44 bytes of the container at path.
// Short files yield fewer bytes without an error.
func HeaderBytes(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open container: %w", err)
	}
	defer file.Close()

	buf := make([]byte, HeaderSize)
	n, err := io.ReadFull(file, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	return buf[:n], nil
}

// SampleRateOrDefault returns the header's sample rate, or fallback when
// the header is short, mistagged, or declares zero.
func SampleRateOrDefault(data []byte, fallback int) int {
	h, err := ParseHeader(data)
	if err != nil || h.SampleRate <= 0 {
		return fallback
	}
	return h.SampleRate
}

type payloadReader struct {
	io.Reader
	file *os.File
}

func (p *payloadReader) Close() error {
	return p.file.Close()
}

// PayloadReader returns the bytes after the header. Files no longer than
// the header yield an empty stream.
func PayloadReader(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open container: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat container: %w", err)
	}

	if info.Size() <= HeaderSize {
		file.Close()
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	if _, err := file.Seek(HeaderSize, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek past header: %w", err)
	}

	return &payloadReader{Reader: file, file: file}, nil
}

// ReadSamples decodes the whole payload at path.
func ReadSamples(path string) ([]int16, error) {
	r, err := PayloadReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return DecodeSamples(data), nil
}

// EncodeSamples converts samples to little-endian bytes.
func EncodeSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodeSamples converts little-endian bytes to samples. A trailing odd
// byte is ignored.
func DecodeSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}
