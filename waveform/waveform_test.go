package waveform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bosley/ideavoice/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeClip(t *testing.T, path string, samples []int16) {
	t.Helper()
	w, err := audio.OpenForWrite(path, 16000)
	require.NoError(t, err)
	require.NoError(t, w.WriteSamples(samples))
	require.NoError(t, w.Close())
}

func TestExtractOneBucketPerSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	samples := make([]int16, 64)
	for i := range samples {
		samples[i] = int16(i * 512)
		if i%2 == 1 {
			samples[i] = -samples[i]
		}
	}
	writeClip(t, path, samples)

	buckets, err := Extract(path, 64)
	require.NoError(t, err)
	require.Len(t, buckets, 64)
	for i, s := range samples {
		expected := float32(s) / 32768
		if s < 0 {
			expected = -expected
		}
		assert.InDelta(t, expected, buckets[i], 1e-6, "bucket %d", i)
	}
}

func TestExtractPadsShortClips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	writeClip(t, path, []int16{16384, -32768, 100})

	buckets, err := Extract(path, 64)
	require.NoError(t, err)
	require.Len(t, buckets, 64)
	assert.InDelta(t, 0.5, buckets[0], 1e-6)
	assert.InDelta(t, 1.0, buckets[1], 1e-6)
	assert.InDelta(t, 100.0/32768, buckets[2], 1e-6)
	for _, b := range buckets[3:] {
		assert.Zero(t, b)
	}
}

func TestExtractPeakPerWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	// 4 buckets of 4 samples; the spike in each window wins.
	samples := []int16{
		1, 2, 8192, 3,
		0, 0, 0, 0,
		-16384, 5, 5, 5,
		1, 1, 1, 32767,
	}
	writeClip(t, path, samples)

	buckets, err := Extract(path, 4)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.25, 0, 0.5, 32767.0 / 32768}, buckets, 1e-6)
}

func TestExtractEmptyAndHeaderOnly(t *testing.T) {
	dir := t.TempDir()

	headerOnly := filepath.Join(dir, "empty.wav")
	writeClip(t, headerOnly, nil)
	buckets, err := Extract(headerOnly, 64)
	require.NoError(t, err)
	assert.Empty(t, buckets)

	tiny := filepath.Join(dir, "tiny.wav")
	require.NoError(t, os.WriteFile(tiny, []byte("RIFF"), 0644))
	buckets, err = Extract(tiny, 64)
	require.NoError(t, err)
	assert.Empty(t, buckets)

	_, err = Extract(filepath.Join(dir, "missing.wav"), 64)
	assert.Error(t, err)
}

func TestExtractDeterministic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	samples := make([]int16, 10000)
	for i := range samples {
		samples[i] = int16((i * 7919) % 30000)
	}
	writeClip(t, path, samples)

	first, err := Extract(path, 64)
	require.NoError(t, err)
	second, err := Extract(path, 64)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDisplayPlaceholder(t *testing.T) {
	bars := Display(nil)
	require.Len(t, bars, PlaceholderBars)
	for _, b := range bars {
		assert.Equal(t, PlaceholderAmplitude, b)
	}

	real := []float32{0.1, 0.9}
	assert.Equal(t, real, Display(real))
}
