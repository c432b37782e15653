package scribe

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bosley/ideavoice/store"
	"github.com/bosley/ideavoice/waveform"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	maxBucketCount = 1024
)

type wsConnection struct {
	conn      *websocket.Conn
	ideaID    string
	send      chan []byte
	scribe    *Scribe
	closeOnce sync.Once
}

// Handler returns the API router.
func (s *Scribe) Handler() http.Handler {
	router := mux.NewRouter()

	// API routes
	router.HandleFunc("/api/ideas", s.handleListIdeas).Methods("GET")
	router.HandleFunc("/api/ideas/{ideaID}", s.handleGetIdea).Methods("GET")
	router.HandleFunc("/api/ideas/{ideaID}/retry", s.handleRetry).Methods("POST")
	router.HandleFunc("/api/ideas/{ideaID}/status", s.handleSetStatus).Methods("PUT")
	router.HandleFunc("/api/ideas/{ideaID}/waveform", s.handleWaveform).Methods("GET")
	router.HandleFunc("/api/waveforms", s.handleCacheStats).Methods("GET")
	router.HandleFunc("/api/waveforms", s.handleClearCache).Methods("DELETE")
	router.HandleFunc("/api/settings/waveform-cache-limit", s.handleSetCacheLimit).Methods("PUT")
	router.HandleFunc("/api/recording/start", s.handleStartRecording).Methods("POST")
	router.HandleFunc("/api/recording/stop", s.handleStopRecording).Methods("POST")
	router.HandleFunc("/ws/{ideaID}", s.handleWebSocket)
	router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	return router
}

func (s *Scribe) startHTTP(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.config.HTTPAddr,
		Handler: s.Handler(),
	}

	go func() {
		var err error
		if s.config.CertFile != "" && s.config.KeyFile != "" {
			err = s.server.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server listening", "addr", s.config.HTTPAddr)

	<-ctx.Done()
	return s.server.Shutdown(context.Background())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrIdeaNotFound):
		http.Error(w, "Idea not found", http.StatusNotFound)
	case errors.Is(err, ErrTranscriptionInFlight):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrStopped):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		slog.Error("Request failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Scribe) handleListIdeas(w http.ResponseWriter, r *http.Request) {
	ideas, err := s.ideas.ListIdeas(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Debug("Sending idea list", "numIdeas", len(ideas))
	writeJSON(w, http.StatusOK, ideas)
}

func (s *Scribe) handleGetIdea(w http.ResponseWriter, r *http.Request) {
	ideaID := mux.Vars(r)["ideaID"]

	idea, err := s.ideas.Idea(r.Context(), ideaID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, idea)
}

func (s *Scribe) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	ideaID := mux.Vars(r)["ideaID"]

	var body struct {
		Status store.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !body.Status.Valid() {
		http.Error(w, "Invalid status", http.StatusBadRequest)
		return
	}

	if err := s.ideas.UpdateStatus(r.Context(), ideaID, body.Status); err != nil {
		writeError(w, err)
		return
	}

	idea, err := s.ideas.Idea(r.Context(), ideaID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, idea)
}

func (s *Scribe) handleRetry(w http.ResponseWriter, r *http.Request) {
	ideaID := mux.Vars(r)["ideaID"]

	idea, err := s.Retry(r.Context(), ideaID)
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("Transcription retry requested", "ideaID", ideaID, "hasAudio", idea.HasAudio())
	writeJSON(w, http.StatusAccepted, idea)
}

func (s *Scribe) handleWaveform(w http.ResponseWriter, r *http.Request) {
	ideaID := mux.Vars(r)["ideaID"]

	buckets := s.config.BucketCount
	if raw := r.URL.Query().Get("buckets"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxBucketCount {
			http.Error(w, "Invalid bucket count", http.StatusBadRequest)
			return
		}
		buckets = n
	}

	idea, err := s.ideas.Idea(r.Context(), ideaID)
	if err != nil {
		writeError(w, err)
		return
	}

	var amplitudes []float32
	if idea.HasAudio() {
		amplitudes = s.cache.GetOrCompute(idea.AudioPath, buckets)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ideaId":      ideaID,
		"placeholder": len(amplitudes) == 0,
		"amplitudes":  waveform.Display(amplitudes),
	})
}

func (s *Scribe) cacheStats() (CacheStats, error) {
	entries, err := s.cache.Len()
	if err != nil {
		return CacheStats{}, err
	}
	size, err := s.cache.SizeBytes()
	if err != nil {
		return CacheStats{}, err
	}
	return CacheStats{Entries: entries, SizeBytes: size, Limit: s.cache.Limit()}, nil
}

func (s *Scribe) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cacheStats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Scribe) handleClearCache(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.cache.Clear()
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("Cleared waveform cache", "deleted", deleted)
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (s *Scribe) handleSetCacheLimit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Limit int `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Limit <= 0 {
		http.Error(w, "Invalid cache limit", http.StatusBadRequest)
		return
	}

	if err := s.ideas.SetWaveformCacheLimit(r.Context(), body.Limit); err != nil {
		writeError(w, err)
		return
	}
	s.cache.SetLimit(body.Limit)
	if _, err := s.cache.Prune(); err != nil {
		slog.Warn("Failed to prune waveform cache", "error", err)
	}

	stats, err := s.cacheStats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Scribe) saveWhenFinalized(path string) {
	<-s.recorder.Finalized(path)

	idea, err := s.SaveVoiceIdea(context.Background(), path)
	if idea == nil {
		slog.Error("Failed to save late clip", "error", err, "file", path)
		return
	}
	if err != nil {
		slog.Warn("Voice idea saved but not queued", "error", err, "ideaID", idea.ID)
	}
}

func (s *Scribe) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		http.Error(w, "Capture is not available", http.StatusNotImplemented)
		return
	}

	path, err := s.recorder.Start()
	if err != nil {
		slog.Warn("Failed to start recording", "error", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"file": path})
}

func (s *Scribe) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		http.Error(w, "Capture is not available", http.StatusNotImplemented)
		return
	}
	if !s.recorder.Recording() {
		http.Error(w, "Not recording", http.StatusConflict)
		return
	}

	path, err := s.recorder.Stop()
	if path == "" {
		slog.Warn("Recording stopped without a clip", "error", err)
		http.Error(w, "Recording failed", http.StatusInternalServerError)
		return
	}
	if err != nil {
		select {
		case <-s.recorder.Finalized(path):
			slog.Warn("Recording stopped with error", "error", err, "file", path)
		default:
			// Queue the clip only once its header is final
			slog.Warn("Clip not finalized yet, saving it once capture exits", "error", err, "file", path)
			go s.saveWhenFinalized(path)
			writeJSON(w, http.StatusAccepted, map[string]string{"file": path, "status": "finalizing"})
			return
		}
	}

	idea, err := s.SaveVoiceIdea(r.Context(), path)
	if idea == nil {
		writeError(w, err)
		return
	}
	if err != nil {
		slog.Warn("Voice idea saved but not queued", "error", err, "ideaID", idea.ID)
	}
	writeJSON(w, http.StatusCreated, idea)
}

func (s *Scribe) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ideaID := mux.Vars(r)["ideaID"]

	// Validate idea ID
	if _, err := uuid.Parse(ideaID); err != nil {
		http.Error(w, "Invalid idea ID", http.StatusBadRequest)
		return
	}

	// Upgrade connection to WebSocket
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	wsConn := &wsConnection{
		conn:   conn,
		ideaID: ideaID,
		send:   make(chan []byte, 256),
		scribe: s,
	}

	// Register this connection for the idea
	s.registerSubscriber(ideaID, wsConn)

	// Start the connection handlers
	go wsConn.writePump()
	go wsConn.readPump()
}

// broadcast sends a status event to every subscriber of the idea.
func (s *Scribe) broadcast(ideaID string, event StatusEvent) {
	value, ok := s.subscribers.Load(ideaID)
	if !ok {
		slog.Debug("No subscribers found for idea", "ideaID", ideaID)
		return
	}

	data, err := json.Marshal(WebSocketMessage{
		Type:      "transcription",
		IdeaID:    ideaID,
		Timestamp: time.Now(),
		Payload:   event,
	})
	if err != nil {
		slog.Error("Failed to marshal message", "error", err, "ideaID", ideaID)
		return
	}

	connections := value.([]*wsConnection)
	for i, conn := range connections {
		select {
		case conn.send <- data:
			slog.Debug("Sent message to subscriber",
				"ideaID", ideaID,
				"connectionIndex", i)
		default:
			slog.Warn("Failed to send to subscriber - channel full",
				"ideaID", ideaID,
				"connectionIndex", i)
		}
	}
}

func (s *Scribe) registerSubscriber(ideaID string, wsConn *wsConnection) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	var connections []*wsConnection
	if value, ok := s.subscribers.Load(ideaID); ok {
		connections = value.([]*wsConnection)
	}
	// Copy so that concurrent broadcasts keep a stable slice
	next := make([]*wsConnection, 0, len(connections)+1)
	next = append(next, connections...)
	next = append(next, wsConn)
	s.subscribers.Store(ideaID, next)
}

func (s *Scribe) unregisterSubscriber(ideaID string, wsConn *wsConnection) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	value, ok := s.subscribers.Load(ideaID)
	if !ok {
		return
	}

	connections := value.([]*wsConnection)
	next := make([]*wsConnection, 0, len(connections))
	for _, conn := range connections {
		if conn != wsConn {
			next = append(next, conn)
		}
	}

	if len(next) == 0 {
		s.subscribers.Delete(ideaID)
	} else {
		s.subscribers.Store(ideaID, next)
	}
}

func (c *wsConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConnection) readPump() {
	defer func() {
		c.scribe.unregisterSubscriber(c.ideaID, c)
		c.close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket read error", "error", err)
			}
			break
		}
	}
}

func (c *wsConnection) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}
