package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"audiorelay-backend/internal/chunkstore"
	"audiorelay-backend/internal/config"
	"audiorelay-backend/internal/progress"
	"audiorelay-backend/internal/staging"
	"audiorelay-backend/internal/store"
	"audiorelay-backend/internal/upload"
)

const (
	headerFileID      = "X-File-Id"
	headerFileName    = "X-File-Name"
	headerEmail       = "X-Email"
	headerChunkNumber = "X-Chunk-Number"
	headerTotalChunks = "X-Total-Chunks"
)

// Handler wires HTTP routes to the upload service.
type Handler struct {
	cfg      *config.Config
	svc      *upload.Service
	log      *slog.Logger
	ping     func(context.Context) error
	upgrader websocket.Upgrader
}

// NewHandler creates a Handler instance. ping backs the health endpoint and
// may be nil.
func NewHandler(cfg *config.Config, svc *upload.Service, log *slog.Logger, ping func(context.Context) error) *Handler {
	return &Handler{
		cfg:  cfg,
		svc:  svc,
		log:  log,
		ping: ping,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Router returns a configured chi router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", headerFileID, headerFileName, headerEmail, headerChunkNumber, headerTotalChunks},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.handleHealth)
	r.Route("/api", func(r chi.Router) {
		if h.cfg.ChunkedEnabled() {
			r.Post("/upload-chunk", h.handleChunk)
			r.Get("/uploads/{uploadID}", h.handleStatus)
		}
		if h.cfg.StreamEnabled() {
			r.Post("/upload-stream", h.handleStream)
		}
		r.Get("/uploads/{uploadID}/events", h.handleEvents)
		r.Get("/uploads/{uploadID}/ws", h.handleWebsocket)
		r.Get("/jobs/{jobID}", h.handleJob)
	})

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		if err := h.ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleChunk(w http.ResponseWriter, r *http.Request) {
	chunkIdx, err := strconv.Atoi(r.Header.Get(headerChunkNumber))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+headerChunkNumber+" header")
		return
	}
	total, err := strconv.Atoi(r.Header.Get(headerTotalChunks))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+headerTotalChunks+" header")
		return
	}

	body := r.Body
	if h.cfg.MaxChunkSizeBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.cfg.MaxChunkSizeBytes)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "chunk exceeds maximum size")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read chunk body")
		return
	}

	res, err := h.svc.SubmitChunk(r.Context(), upload.ChunkRequest{
		UploadID:    r.Header.Get(headerFileID),
		FileName:    headerValue(r, headerFileName),
		Owner:       r.Header.Get(headerEmail),
		ChunkIndex:  chunkIdx,
		TotalChunks: total,
		Payload:     payload,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Status(chi.URLParam(r, "uploadID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.Job(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleStream accepts a whole file in the request body and answers with the
// event stream of that upload while the body is still being read.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	req := upload.StreamRequest{
		FileName: headerValue(r, headerFileName),
		Owner:    r.Header.Get(headerEmail),
		Size:     r.ContentLength,
	}
	if err := h.svc.CheckStream(r.Context(), req); err != nil {
		h.fail(w, r, err)
		return
	}

	// HTTP/1.x would otherwise stop reading the body once the response starts.
	_ = http.NewResponseController(w).EnableFullDuplex()

	ch := progress.NewChannel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.svc.IngestStream(r.Context(), req, r.Body, ch)
	}()

	h.streamEvents(w, r, ch)
	ch.Detach()
	<-done
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")
	ch, err := h.svc.Hub().Subscribe(uploadID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer h.svc.Hub().Unsubscribe(uploadID, ch)
	h.streamEvents(w, r, ch)
}

func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request, ch *progress.Channel) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		ev, err := ch.Next(r.Context())
		if err != nil {
			return
		}
		if err := writeEvent(w, ev); err != nil {
			h.log.Debug("event stream closed", "error", err)
			return
		}
		flusher.Flush()
	}
}

func (h *Handler) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")
	ch, err := h.svc.Hub().Subscribe(uploadID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer h.svc.Hub().Unsubscribe(uploadID, ch)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "upload_id", uploadID, "error", err)
		return
	}
	defer conn.Close()

	// The reader only notices the peer going away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		ev, err := ch.Next(ctx)
		if errors.Is(err, io.EOF) {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
		if err != nil {
			return
		}
		if err := conn.WriteJSON(ev); err != nil {
			h.log.Debug("websocket closed", "upload_id", uploadID, "error", err)
			return
		}
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		writeError(w, status, http.StatusText(status))
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, upload.ErrInvalidRequest),
		errors.Is(err, chunkstore.ErrInvalidChunk),
		errors.Is(err, staging.ErrIncompleteUpload):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrOwnerNotVerified):
		return http.StatusForbidden
	case errors.Is(err, chunkstore.ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, chunkstore.ErrChunkMetadataConflict),
		errors.Is(err, chunkstore.ErrSessionSealed),
		errors.Is(err, progress.ErrAlreadySubscribed):
		return http.StatusConflict
	case errors.Is(err, chunkstore.ErrSessionNotFound),
		errors.Is(err, store.ErrJobNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// headerValue returns a header that browsers percent-encode to carry
// non-ASCII text.
func headerValue(r *http.Request, key string) string {
	raw := r.Header.Get(key)
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

func writeEvent(w io.Writer, ev progress.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
