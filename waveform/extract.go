// Package waveform reduces clips to peak-amplitude buckets and caches them
// on disk.
package waveform

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bosley/ideavoice/audio"
)

const (
	// PlaceholderAmplitude is drawn for every bar when a clip has no data.
	PlaceholderAmplitude float32 = 0.2
	PlaceholderBars              = 32
)

// Extract returns bucketCount peak amplitudes in [0,1] for the clip at
// path. Clips with no payload yield an empty slice.
func Extract(path string, bucketCount int) ([]float32, error) {
	if bucketCount < 1 {
		return nil, fmt.Errorf("bucket count must be positive, got %d", bucketCount)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open clip: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat clip: %w", err)
	}

	if info.Size() <= audio.HeaderSize {
		return []float32{}, nil
	}

	totalSamples := int((info.Size() - audio.HeaderSize) / 2)
	if totalSamples <= 0 {
		return []float32{}, nil
	}

	if _, err := file.Seek(audio.HeaderSize, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek past header: %w", err)
	}

	samplesPerBucket := max(1, totalSamples/bucketCount)
	buf := make([]byte, samplesPerBucket*2)
	amplitudes := make([]float32, 0, bucketCount)

	for len(amplitudes) < bucketCount {
		n, err := io.ReadFull(file, buf)
		if n >= 2 {
			amplitudes = append(amplitudes, peak(buf[:n]))
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
	}

	for len(amplitudes) < bucketCount {
		amplitudes = append(amplitudes, 0)
	}

	return amplitudes, nil
}

func peak(window []byte) float32 {
	var maxAmp int32
	for i := 0; i+1 < len(window); i += 2 {
		sample := int32(int16(binary.LittleEndian.Uint16(window[i:])))
		if sample < 0 {
			sample = -sample
		}
		if sample > maxAmp {
			maxAmp = sample
		}
	}
	return float32(maxAmp) / 32768
}

// Display substitutes the flat placeholder for an empty waveform.
func Display(amplitudes []float32) []float32 {
	if len(amplitudes) > 0 {
		return amplitudes
	}
	bars := make([]float32, PlaceholderBars)
	for i := range bars {
		bars[i] = PlaceholderAmplitude
	}
	return bars
}
