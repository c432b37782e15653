package ideaserv

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bosley/ideavoice/audio"
	"github.com/bosley/ideavoice/metrics"
	"github.com/google/uuid"
)

const (
	markerStart uint32 = 0xFFFFFFFF
	markerEnd   uint32 = 0x00000000

	// Upper bound on one PCM chunk
	maxChunkSize = 1 << 20
)

// Config for the remote capture ingest server
type Config struct {
	Addr     string
	CertFile string
	KeyFile  string
	Token    string

	// Finished clips are renamed into this directory
	InboxDir string

	// Sample rate of the PCM clients send
	SampleRate int

	// Transmissions with less audio than this are dropped
	MinDuration time.Duration
}

// Server accepts authenticated clients streaming framed PCM and publishes
// each transmission as a clip in the inbox.
type Server struct {
	config  Config
	clients *ClientList
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(cfg Config, clients *ClientList, m *metrics.Metrics) (*Server, error) {
	if cfg.Token == "" {
		return nil, errors.New("ingest token is not set")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if clients == nil {
		clients = NewClientList()
	}
	if m == nil {
		m = metrics.New()
	}
	if err := os.MkdirAll(cfg.InboxDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create inbox directory: %w", err)
	}

	return &Server{
		config:  cfg,
		clients: clients,
		metrics: m,
		now:     time.Now,
	}, nil
}

// Launch listens with TLS and serves until ctx is done.
func (s *Server) Launch(ctx context.Context) error {
	slog.Debug("Starting server", "address", s.config.Addr)

	cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
	if err != nil {
		slog.Error("Please ensure you're using proper TLS certificates. If you're testing locally, you can generate self-signed certificates.")
		return fmt.Errorf("failed to load server certificate and key: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}

	listener, err := tls.Listen("tcp", s.config.Addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("failed to start TLS server: %w", err)
	}

	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		slog.Debug("Server shutting down")
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				slog.Debug("Server stopped accepting new connections")
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("Failed to accept connection", "error", err)
			continue
		}

		go s.handleNewConnection(ctx, conn)
	}
}

func (s *Server) handleNewConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	tokenBuffer := make([]byte, len(s.config.Token))
	_, err := io.ReadFull(conn, tokenBuffer)
	if err != nil {
		slog.Error("Failed to read token from client", "error", err, "remoteAddr", conn.RemoteAddr())
		return
	}

	if subtle.ConstantTimeCompare(tokenBuffer, []byte(s.config.Token)) != 1 {
		slog.Warn("Invalid token received", "remoteAddr", conn.RemoteAddr())
		return
	}

	clientID := uuid.New()
	s.clients.Add(&Client{
		ID:   clientID,
		Addr: conn.RemoteAddr().String(),
	})

	s.handleConnection(ctx, conn, clientID)
}

// transmission is one clip being received.
type transmission struct {
	writer *audio.Writer
	path   string
}

func (s *Server) startTransmission(clientID uuid.UUID) (*transmission, error) {
	name := fmt.Sprintf("remote-%s-%d.wav.tmp", clientID.String()[:8], s.now().UnixNano())
	path := filepath.Join(s.config.InboxDir, name)

	writer, err := audio.OpenForWrite(path, s.config.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file: %w", err)
	}
	return &transmission{writer: writer, path: path}, nil
}

func (s *Server) duration(t *transmission) time.Duration {
	bytesPerSecond := int64(s.config.SampleRate) * 2
	return time.Duration(t.writer.Len() * int64(time.Second) / bytesPerSecond)
}

// finish finalizes the clip and renames it into the inbox, or drops it when
// it is too short. It returns the published path, if any.
func (s *Server) finish(t *transmission, clientID uuid.UUID) (string, error) {
	closeErr := t.writer.Close()
	duration := s.duration(t)

	if duration < s.config.MinDuration {
		slog.Debug("Dropping short transmission",
			"duration", duration.Seconds(),
			"bytes", t.writer.Len(),
			"clientID", clientID)
		os.Remove(t.path)
		return "", nil
	}

	if closeErr != nil {
		os.Remove(t.path)
		return "", fmt.Errorf("failed to finalize WAV file: %w", closeErr)
	}

	final := strings.TrimSuffix(t.path, ".tmp")
	if err := os.Rename(t.path, final); err != nil {
		os.Remove(t.path)
		return "", fmt.Errorf("failed to publish clip: %w", err)
	}

	s.metrics.IngestClips.Inc()
	slog.Info("Finished receiving transmission",
		"duration", duration.Seconds(),
		"bytes", t.writer.Len(),
		"clientID", clientID,
		"file", filepath.Base(final))
	return final, nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, clientID uuid.UUID) {
	slog.Debug("New client connected", "clientID", clientID, "remoteAddr", conn.RemoteAddr())

	// Unblock pending reads on shutdown
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	var current *transmission
	defer func() {
		if current != nil {
			slog.Info("Saving incomplete transmission", "clientID", clientID)
			if _, err := s.finish(current, clientID); err != nil {
				slog.Error("Failed to save incomplete transmission", "error", err, "clientID", clientID)
			}
		}
		s.clients.Remove(clientID)
		slog.Debug("Client connection closed", "clientID", clientID, "remoteAddr", conn.RemoteAddr())
	}()

	if err := sendClientID(conn, clientID); err != nil {
		slog.Error("Failed to send client ID", "error", err, "clientID", clientID)
		return
	}

	marker := make([]byte, 4)
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Connection handler shutting down", "clientID", clientID, "remoteAddr", conn.RemoteAddr())
			return
		default:
		}

		if _, err := io.ReadFull(conn, marker); err != nil {
			if err == io.EOF {
				slog.Debug("Client disconnected", "clientID", clientID, "remoteAddr", conn.RemoteAddr())
			} else {
				slog.Error("Failed to read marker", "error", err, "clientID", clientID, "remoteAddr", conn.RemoteAddr())
			}
			return
		}

		switch value := binary.BigEndian.Uint32(marker); value {
		case markerStart:
			if current != nil {
				// A new start implicitly ends the previous transmission
				t := current
				current = nil
				if _, err := s.finish(t, clientID); err != nil {
					slog.Error("Failed to finish transmission", "error", err, "clientID", clientID)
				}
			}

			t, err := s.startTransmission(clientID)
			if err != nil {
				slog.Error("Failed to start transmission", "error", err, "clientID", clientID)
				return
			}
			current = t
			slog.Info("Started receiving new transmission", "clientID", clientID, "remoteAddr", conn.RemoteAddr())

		case markerEnd:
			if current == nil {
				continue
			}
			t := current
			current = nil
			if _, err := s.finish(t, clientID); err != nil {
				slog.Error("Failed to finish transmission", "error", err, "clientID", clientID)
			}

		default:
			if value > maxChunkSize {
				slog.Error("Chunk too large", "size", value, "clientID", clientID)
				return
			}

			chunkData := make([]byte, value)
			if _, err := io.ReadFull(conn, chunkData); err != nil {
				slog.Error("Failed to read chunk data", "error", err, "clientID", clientID, "remoteAddr", conn.RemoteAddr())
				return
			}

			if current == nil {
				slog.Debug("Discarding chunk outside of a transmission", "bytes", value, "clientID", clientID)
				continue
			}
			if _, err := current.writer.Write(chunkData); err != nil {
				slog.Error("Failed to write chunk data to file", "error", err, "clientID", clientID)
				return
			}
		}
	}
}

func sendClientID(conn net.Conn, clientID uuid.UUID) error {
	_, err := conn.Write(clientID[:])
	return err
}
