package scribe

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedEngineLoadsOnceUnderContention(t *testing.T) {
	var loads atomic.Int32
	engine := &stubEngine{}
	shared := NewSharedEngine(func() (Engine, error) {
		loads.Add(1)
		time.Sleep(20 * time.Millisecond)
		return engine, nil
	})

	const callers = 16
	got := make([]Engine, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			e, err := shared.Get()
			assert.NoError(t, err)
			got[i] = e
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())
	for _, e := range got {
		assert.Same(t, engine, e)
	}
}

func TestSharedEngineRetriesFailedLoad(t *testing.T) {
	attempts := 0
	engine := &stubEngine{}
	shared := NewSharedEngine(func() (Engine, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("model file not found: encoder.onnx")
		}
		return engine, nil
	})

	_, err := shared.Get()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model file not found")

	e, err := shared.Get()
	require.NoError(t, err)
	assert.Same(t, engine, e)

	_, err = shared.Get()
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

type closingEngine struct {
	stubEngine
	closed bool
}

func (c *closingEngine) Close() error {
	c.closed = true
	return nil
}

func TestSharedEngineClose(t *testing.T) {
	engine := &closingEngine{}
	shared := NewSharedEngine(func() (Engine, error) { return engine, nil })

	require.NoError(t, shared.Close())
	assert.False(t, engine.closed)

	_, err := shared.Get()
	require.NoError(t, err)
	require.NoError(t, shared.Close())
	assert.True(t, engine.closed)
}

func TestEngineErrorMessage(t *testing.T) {
	cause := errors.New("decoder exploded")
	err := error(&EngineError{Err: cause})
	assert.Equal(t, "decoder exploded", err.Error())
	assert.ErrorIs(t, err, ErrEngineFailure)
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, "Transcription failed", (&EngineError{}).Error())
	assert.Equal(t, "Transcription failed", (&EngineError{Err: errors.New("")}).Error())
	assert.ErrorIs(t, &EngineError{}, ErrEngineFailure)
}
