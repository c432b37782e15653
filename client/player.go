package ideacli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/youpy/go-wav"
)

const playbackFramesPerBuffer = 1024

// playbackSource is the decoded clip being played. Its position is shared
// with the audio callback and guarded by its own lock so that stopping the
// stream never waits on the player lock.
type playbackSource struct {
	path       string
	sampleRate int
	samples    []int16
	onState    func(bool)

	mu       sync.Mutex
	pos      int
	finished bool
}

// Player plays at most one clip at a time. Failures are logged and
// reported as not playing.
type Player struct {
	open OutputOpener

	mu      sync.Mutex
	source  *playbackSource
	stream  OutputStream
	playing bool

	// State reports are numbered under mu and delivered in that order.
	// A report older than one already delivered is dropped.
	notifyMu  sync.Mutex
	seq       uint64
	delivered uint64
}

func NewPlayer(open OutputOpener) *Player {
	return &Player{open: open}
}

func loadSource(path string) (*playbackSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer file.Close()

	reader := wav.NewReader(file)
	format, err := reader.Format()
	if err != nil {
		return nil, fmt.Errorf("failed to read audio format: %w", err)
	}
	if format.SampleRate == 0 || format.NumChannels == 0 {
		return nil, fmt.Errorf("invalid audio format: %d Hz, %d channels", format.SampleRate, format.NumChannels)
	}

	samples := make([]int16, 0)
	for {
		chunk, err := reader.ReadSamples(playbackFramesPerBuffer)
		for _, s := range chunk {
			samples = append(samples, int16(s.Values[0]))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading from WAV file: %w", err)
		}
	}

	return &playbackSource{
		path:       path,
		sampleRate: int(format.SampleRate),
		samples:    samples,
	}, nil
}

// Toggle starts path, or pauses/resumes it when it is already loaded.
// onStateChange receives the resulting playing state, and false again when
// playback completes. It must not call Toggle.
func (p *Player) Toggle(path string, onStateChange func(playing bool)) {
	notify := func(playing bool) {
		if onStateChange != nil {
			onStateChange(playing)
		}
	}

	p.mu.Lock()
	if p.source == nil || p.source.path != path {
		p.stopLocked()
		err := p.startLocked(path, notify)
		seq := p.nextSeqLocked()
		p.mu.Unlock()
		if err != nil {
			slog.Warn("Playback failed", "file", path, "error", err)
			p.report(seq, notify, false)
			return
		}
		p.report(seq, notify, true)
		return
	}

	var err error
	if p.playing {
		err = p.stream.Stop()
		p.playing = false
	} else {
		err = p.stream.Start()
		p.playing = err == nil
	}
	playing := p.playing
	if err != nil {
		p.stopLocked()
	}
	seq := p.nextSeqLocked()
	p.mu.Unlock()

	if err != nil {
		slog.Warn("Playback toggle failed", "file", path, "error", err)
	}
	p.report(seq, notify, playing)
}

func (p *Player) nextSeqLocked() uint64 {
	p.seq++
	return p.seq
}

// report delivers a state change unless a later one was delivered first.
func (p *Player) report(seq uint64, notify func(bool), playing bool) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	if seq <= p.delivered {
		return
	}
	p.delivered = seq
	notify(playing)
}

func (p *Player) startLocked(path string, notify func(bool)) error {
	src, err := loadSource(path)
	if err != nil {
		return err
	}
	src.onState = notify

	stream, err := p.open(float64(src.sampleRate), playbackFramesPerBuffer, func(out []int16) {
		p.fill(src, out)
	})
	if err != nil {
		return err
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("failed to start audio stream: %w", err)
	}

	p.source = src
	p.stream = stream
	p.playing = true
	slog.Debug("Playback started", "file", path, "samples", len(src.samples))
	return nil
}

// fill runs on the audio callback.
func (p *Player) fill(src *playbackSource, out []int16) {
	src.mu.Lock()
	n := copy(out, src.samples[src.pos:])
	src.pos += n
	// Fill remaining buffer with silence if needed
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	completed := src.pos >= len(src.samples) && !src.finished
	if completed {
		src.finished = true
	}
	src.mu.Unlock()

	if completed {
		go p.complete(src)
	}
}

func (p *Player) complete(src *playbackSource) {
	p.mu.Lock()
	if p.source != src {
		p.mu.Unlock()
		return
	}
	p.stopLocked()
	seq := p.nextSeqLocked()
	p.mu.Unlock()

	slog.Debug("Playback completed", "file", src.path)
	p.report(seq, src.onState, false)
}

// SeekTo moves the playback position. It does nothing when no clip is
// loaded.
func (p *Player) SeekTo(ms int) {
	p.mu.Lock()
	src := p.source
	p.mu.Unlock()
	if src == nil {
		return
	}

	pos := int(int64(ms) * int64(src.sampleRate) / 1000)
	pos = min(max(pos, 0), len(src.samples))

	src.mu.Lock()
	src.pos = pos
	src.finished = pos >= len(src.samples) && src.finished
	src.mu.Unlock()
}

// Duration returns the loaded clip length in milliseconds, or 0.
func (p *Player) Duration() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.source == nil {
		return 0
	}
	return int(int64(len(p.source.samples)) * 1000 / int64(p.source.sampleRate))
}

// Position returns the playback position in milliseconds, or 0.
func (p *Player) Position() int {
	p.mu.Lock()
	src := p.source
	p.mu.Unlock()
	if src == nil {
		return 0
	}

	src.mu.Lock()
	defer src.mu.Unlock()
	return int(int64(src.pos) * 1000 / int64(src.sampleRate))
}

func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Stop releases the stream and forgets the clip. It is idempotent.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Player) stopLocked() {
	if p.stream != nil {
		if err := p.stream.Stop(); err != nil {
			slog.Debug("Failed to stop audio stream", "error", err)
		}
		if err := p.stream.Close(); err != nil {
			slog.Debug("Failed to close audio stream", "error", err)
		}
	}
	p.stream = nil
	p.source = nil
	p.playing = false
}

// PlayAudioFile plays one clip on the default output until it completes or
// Enter is pressed.
func PlayAudioFile(filename string) error {
	player := NewPlayer(PortAudioOutput)
	defer player.Stop()

	done := make(chan bool, 2)
	player.Toggle(filename, func(playing bool) {
		if !playing {
			done <- true
		}
	})
	if !player.Playing() {
		return fmt.Errorf("failed to play %s", filename)
	}

	fmt.Println("Playing audio. Press Enter to stop...")
	go func() {
		bufio.NewReader(os.Stdin).ReadString('\n')
		done <- true
	}()

	<-done
	return nil
}
