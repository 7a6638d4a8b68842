package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/josemorales956/dsn-base-station/pkg/store"
	"github.com/josemorales956/dsn-base-station/pkg/telemetry"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// Reader is the read side of the store served over HTTP.
type Reader interface {
	Stats(ctx context.Context) (store.Stats, error)
	RecentReadings(ctx context.Context, limit int) ([]telemetry.Record, error)
	RecentReadingsForNode(ctx context.Context, nodeID uint8, limit int) ([]telemetry.Record, error)
	RecentFailures(ctx context.Context, limit int) ([]telemetry.Failure, error)
}

type handlers struct {
	hub      *Hub
	reader   Reader
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

type statsResponse struct {
	Readings   int64  `json:"readings"`
	Failures   int64  `json:"failures"`
	LastRxTime string `json:"last_rx_time,omitempty"`
	Clients    int    `json:"feed_clients"`
	Dropped    int64  `json:"feed_dropped"`
}

// NewRouter returns the HTTP surface:
//
//	GET /healthz
//	GET /api/stats
//	GET /api/readings?limit=N&node=ID
//	GET /api/failures?limit=N
//	GET /ws               live feed; starts with a "history" frame
//
// reader may be nil, in which case the /api routes answer 503.
func NewRouter(hub *Hub, reader Reader, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{
		hub:    hub,
		reader: reader,
		logger: logger.With("component", "live"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The feed is read-only and unauthenticated; any origin may subscribe.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api", func(r chi.Router) {
		r.Use(h.requireReader)
		r.Get("/stats", h.stats)
		r.Get("/readings", h.readings)
		r.Get("/failures", h.failures)
	})
	r.Get("/ws", h.feed)
	return r
}

func (h *handlers) requireReader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.reader == nil {
			writeError(w, http.StatusServiceUnavailable, "no store configured")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.reader.Stats(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	resp := statsResponse{
		Readings: st.Readings,
		Failures: st.Failures,
		Clients:  h.hub.Clients(),
		Dropped:  h.hub.Dropped(),
	}
	if !st.LastRxTime.IsZero() {
		resp.LastRxTime = st.LastRxTime.Format(telemetry.TimeLayout)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) readings(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var recs []telemetry.Record
	if raw := r.URL.Query().Get("node"); raw != "" {
		node, perr := strconv.ParseUint(raw, 10, 8)
		if perr != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid node %q", raw))
			return
		}
		recs, err = h.reader.RecentReadingsForNode(r.Context(), uint8(node), limit)
	} else {
		recs, err = h.reader.RecentReadings(r.Context(), limit)
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if recs == nil {
		recs = []telemetry.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handlers) failures(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fs, err := h.reader.RecentFailures(r.Context(), limit)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if fs == nil {
		fs = []telemetry.Failure{}
	}
	writeJSON(w, http.StatusOK, fs)
}

func (h *handlers) feed(w http.ResponseWriter, r *http.Request) {
	var history []byte
	if h.reader != nil {
		recs, err := h.reader.RecentReadings(r.Context(), defaultLimit)
		if err != nil {
			h.internalError(w, r, err)
			return
		}
		if recs == nil {
			recs = []telemetry.Record{}
		}
		history, _ = json.Marshal(Message{Type: "history", Payload: recs})
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	h.hub.attach(r.Context(), conn, history)
}

func (h *handlers) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.ErrorContext(r.Context(), "store query failed",
		"path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	writeError(w, http.StatusInternalServerError, "store query failed")
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return min(n, maxLimit), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Server runs the router until its context is cancelled.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer binds handler to addr.
func NewServer(addr string, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With("component", "live"),
	}
}

// Listen binds the listening socket. It is separate from Serve so that
// address errors surface before ingest starts.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("live: listen %s: %w", s.srv.Addr, err)
	}
	return ln, nil
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	s.logger.InfoContext(ctx, "http listening", "addr", ln.Addr().String())
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("live: shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
