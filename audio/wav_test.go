package audio

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	gowav "github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sineSamples(n, sampleRate int, freq float64) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		samples[i] = int16(16383 * math.Sin(2*math.Pi*freq*t))
	}
	return samples
}

func writeClip(t *testing.T, path string, sampleRate int, samples []int16) {
	t.Helper()
	w, err := OpenForWrite(path, sampleRate)
	require.NoError(t, err)
	require.NoError(t, w.WriteSamples(samples))
	require.NoError(t, w.Close())
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()

	for _, n := range []int{0, 1, 2, 63, 64, 1000, 16000} {
		path := filepath.Join(dir, "clip.wav")
		samples := sineSamples(n, 16000, 440)
		writeClip(t, path, 16000, samples)

		header, err := ReadHeader(path)
		require.NoError(t, err, "n=%d", n)
		assert.Equal(t, 16000, header.SampleRate)
		assert.Equal(t, 1, header.Channels)
		assert.Equal(t, 16, header.BitDepth)
		assert.Equal(t, int64(n*2), header.DataLength)

		got, err := ReadSamples(path)
		require.NoError(t, err)
		require.Len(t, got, n)
		for i := range samples {
			if got[i] != samples[i] {
				t.Fatalf("n=%d sample %d: expected %d, got %d", n, i, samples[i], got[i])
			}
		}
	}
}

func TestHeaderLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	writeClip(t, path, 22050, []int16{1, -1, 2, -2})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, HeaderSize+8)

	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, uint32(8+36), binary.LittleEndian.Uint32(data[4:8]))
	assert.Equal(t, "WAVE", string(data[8:12]))
	assert.Equal(t, "fmt ", string(data[12:16]))
	assert.Equal(t, uint32(16), binary.LittleEndian.Uint32(data[16:20]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(data[20:22]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(data[22:24]))
	assert.Equal(t, uint32(22050), binary.LittleEndian.Uint32(data[24:28]))
	assert.Equal(t, uint32(22050*2), binary.LittleEndian.Uint32(data[28:32]))
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(data[32:34]))
	assert.Equal(t, uint16(16), binary.LittleEndian.Uint16(data[34:36]))
	assert.Equal(t, "data", string(data[36:40]))
	assert.Equal(t, uint32(8), binary.LittleEndian.Uint32(data[40:44]))
}

func TestPlaceholderHeaderBeforeClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	w, err := OpenForWrite(path, 16000)
	require.NoError(t, err)
	require.NoError(t, w.WriteSamples([]int16{1, 2, 3}))

	header, err := ReadHeader(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), header.DataLength)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	header, err = ReadHeader(path)
	require.NoError(t, err)
	assert.Equal(t, int64(6), header.DataLength)
	assert.Equal(t, int64(6), w.Len())
}

func TestIndependentDecoderReadsContainer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	samples := sineSamples(800, 8000, 440)
	writeClip(t, path, 8000, samples)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	dec := gowav.NewDecoder(f)
	require.True(t, dec.IsValidFile())

	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, uint32(8000), dec.SampleRate)
	assert.Equal(t, uint16(1), dec.NumChans)
	assert.Equal(t, uint16(16), dec.BitDepth)
	require.Len(t, buf.Data, len(samples))
	assert.Equal(t, int(samples[10]), buf.Data[10])
}

func TestReadHeaderErrors(t *testing.T) {
	dir := t.TempDir()

	short := filepath.Join(dir, "short.wav")
	require.NoError(t, os.WriteFile(short, []byte("RIFF"), 0644))
	_, err := ReadHeader(short)
	assert.True(t, errors.Is(err, ErrMalformedContainer))

	fake := filepath.Join(dir, "fake.wav")
	data := make([]byte, 60)
	copy(data, "FAKE")
	require.NoError(t, os.WriteFile(fake, data, 0644))
	_, err = ReadHeader(fake)
	assert.True(t, errors.Is(err, ErrMalformedContainer))

	_, err = ReadHeader(filepath.Join(dir, "missing.wav"))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrMalformedContainer))
}

func TestHeaderBytes(t *testing.T) {
	dir := t.TempDir()

	short := filepath.Join(dir, "short.wav")
	require.NoError(t, os.WriteFile(short, []byte("RIFF"), 0644))
	data, err := HeaderBytes(short)
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFF"), data)

	clip := filepath.Join(dir, "clip.wav")
	writeClip(t, clip, 8000, make([]int16, 100))
	data, err = HeaderBytes(clip)
	require.NoError(t, err)
	assert.Len(t, data, HeaderSize)
	assert.Equal(t, 8000, SampleRateOrDefault(data, DefaultSampleRate))

	_, err = HeaderBytes(filepath.Join(dir, "missing.wav"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSampleRateOrDefault(t *testing.T) {
	var buf [HeaderSize]byte
	h := newWavHeader(44100, 0)
	w := &sliceWriter{b: buf[:0]}
	require.NoError(t, binary.Write(w, binary.LittleEndian, h))

	assert.Equal(t, 44100, SampleRateOrDefault(w.b, DefaultSampleRate))
	assert.Equal(t, DefaultSampleRate, SampleRateOrDefault(w.b[:20], DefaultSampleRate))
	assert.Equal(t, 22050, SampleRateOrDefault(make([]byte, HeaderSize), 22050))

	zero := newWavHeader(0, 0)
	w.b = w.b[:0]
	require.NoError(t, binary.Write(w, binary.LittleEndian, zero))
	assert.Equal(t, DefaultSampleRate, SampleRateOrDefault(w.b, DefaultSampleRate))
}

type sliceWriter struct{ b []byte }

func (s *sliceWriter) Write(p []byte) (int, error) {
	s.b = append(s.b, p...)
	return len(p), nil
}

func TestPayloadReaderHeaderOnly(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.wav")
	writeClip(t, empty, 16000, nil)

	r, err := PayloadReader(empty)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Empty(t, data)
	require.NoError(t, r.Close())

	tiny := filepath.Join(dir, "tiny.wav")
	require.NoError(t, os.WriteFile(tiny, []byte{1, 2, 3}, 0644))
	samples, err := ReadSamples(tiny)
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestOpenForWriteRejectsBadRate(t *testing.T) {
	_, err := OpenForWrite(filepath.Join(t.TempDir(), "x.wav"), 0)
	assert.Error(t, err)
}
