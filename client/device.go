package ideacli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gordonklaus/portaudio"
)

var ErrDeviceUnavailable = errors.New("audio device unavailable")

// InputDevice is a started capture stream of mono 16-bit frames.
type InputDevice interface {
	// Read blocks until a buffer of frames is available and copies it
	// into buf, returning the number of samples copied.
	Read(buf []int16) (int, error)
	// Stop interrupts a pending Read.
	Stop() error
	Close() error
}

// InputOpener acquires and starts an input device.
type InputOpener func(sampleRate, framesPerBuffer int) (InputDevice, error)

// OutputStream is a callback-driven playback stream.
type OutputStream interface {
	Start() error
	Stop() error
	Close() error
}

// OutputOpener opens a mono playback stream that pulls samples through fill.
type OutputOpener func(sampleRate float64, framesPerBuffer int, fill func(out []int16)) (OutputStream, error)

type portAudioInput struct {
	stream *portaudio.Stream
	buffer []int16
}

// PortAudioInput opens the input device with the given index, or the
// default input device when deviceID is 0.
func PortAudioInput(deviceID int) InputOpener {
	return func(sampleRate, framesPerBuffer int) (InputDevice, error) {
		if err := portaudio.Initialize(); err != nil {
			return nil, fmt.Errorf("%w: failed to initialize PortAudio: %v", ErrDeviceUnavailable, err)
		}

		device, err := selectInputDevice(deviceID)
		if err != nil {
			portaudio.Terminate()
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}

		slog.Info("Using audio device",
			"deviceID", deviceID,
			"deviceName", device.Name,
			"sampleRate", sampleRate,
			"inputChannels", device.MaxInputChannels)

		buffer := make([]int16, framesPerBuffer)
		params := portaudio.StreamParameters{
			Input: portaudio.StreamDeviceParameters{
				Device:   device,
				Channels: 1,
				Latency:  device.DefaultLowInputLatency,
			},
			SampleRate:      float64(sampleRate),
			FramesPerBuffer: framesPerBuffer,
		}

		stream, err := portaudio.OpenStream(params, buffer)
		if err != nil {
			portaudio.Terminate()
			return nil, fmt.Errorf("%w: failed to open audio stream: %v", ErrDeviceUnavailable, err)
		}

		if err := stream.Start(); err != nil {
			stream.Close()
			portaudio.Terminate()
			return nil, fmt.Errorf("%w: failed to start audio stream: %v", ErrDeviceUnavailable, err)
		}

		return &portAudioInput{stream: stream, buffer: buffer}, nil
	}
}

func selectInputDevice(deviceID int) (*portaudio.DeviceInfo, error) {
	if deviceID <= 0 {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("failed to get default input device: %w", err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to get audio devices: %w", err)
	}

	if deviceID >= len(devices) {
		return nil, fmt.Errorf("invalid device ID %d", deviceID)
	}

	device := devices[deviceID]
	if device.MaxInputChannels == 0 {
		return nil, fmt.Errorf("device %d (%s) is not an input device", deviceID, device.Name)
	}
	return device, nil
}

func (p *portAudioInput) Read(buf []int16) (int, error) {
	if err := p.stream.Read(); err != nil {
		return 0, err
	}
	return copy(buf, p.buffer), nil
}

func (p *portAudioInput) Stop() error {
	return p.stream.Abort()
}

func (p *portAudioInput) Close() error {
	err := p.stream.Close()
	portaudio.Terminate()
	return err
}

type portAudioOutput struct {
	*portaudio.Stream
}

func (p *portAudioOutput) Close() error {
	err := p.Stream.Close()
	portaudio.Terminate()
	return err
}

// PortAudioOutput opens the default output device.
func PortAudioOutput(sampleRate float64, framesPerBuffer int, fill func(out []int16)) (OutputStream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize PortAudio: %v", ErrDeviceUnavailable, err)
	}

	stream, err := portaudio.OpenDefaultStream(0, 1, sampleRate, framesPerBuffer, fill)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: failed to open audio stream: %v", ErrDeviceUnavailable, err)
	}

	return &portAudioOutput{Stream: stream}, nil
}

// AudioDevice describes an input device. Index is the value to pass as
// the device ID.
type AudioDevice struct {
	Index             int
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
}

func ListAudioDevices() ([]AudioDevice, error) {
	err := portaudio.Initialize()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}

	// Filter to only input devices
	inputDevices := make([]AudioDevice, 0)
	for i, device := range devices {
		if device.MaxInputChannels > 0 {
			inputDevices = append(inputDevices, AudioDevice{
				Index:             i,
				Name:              device.Name,
				MaxInputChannels:  device.MaxInputChannels,
				DefaultSampleRate: device.DefaultSampleRate,
			})
		}
	}

	return inputDevices, nil
}
