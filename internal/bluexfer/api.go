package bluexfer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/bluexfer/bluexfer/xfer"
)

const defaultHistoryLimit = 50

type logResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func NewLogResponseWriter(w http.ResponseWriter) *logResponseWriter {
	if lrw, ok := w.(*logResponseWriter); ok {
		return lrw
	}
	return &logResponseWriter{w, http.StatusOK}
}

func (lrw *logResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the events endpoint take over the connection.
func (lrw *logResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	lrw.statusCode = http.StatusSwitchingProtocols
	return http.NewResponseController(lrw.ResponseWriter).Hijack()
}

func (lrw *logResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

type APIServer struct {
	srv     *Server
	logger  xfer.Logger
	mux     *http.ServeMux
	battery *BatteryReader

	shutdown func()
}

func (api *APIServer) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lrw := NewLogResponseWriter(w)
		next.ServeHTTP(lrw, r)

		api.logger.Info("req", "method", r.Method, "url", r.URL.Path, "remoteAddr", r.RemoteAddr, "response_code", lrw.statusCode)
	})
}

// NewAPIServer serves the HTTP API of srv. The battery endpoint is only registered when battery
// is not nil; shutdown is called by the shutdown endpoint.
func NewAPIServer(srv *Server, battery *BatteryReader, shutdown func()) *APIServer {
	api := APIServer{
		srv:      srv,
		logger:   srv.Logger,
		mux:      http.NewServeMux(),
		battery:  battery,
		shutdown: shutdown,
	}

	api.handle("POST /api/v1/reload", api.ReloadHandler)
	api.handle("POST /api/v1/shutdown", api.ShutdownHandler)
	api.handle("GET /api/v1/stats", api.RenderStats)
	api.handle("GET /api/v1/history", api.RenderHistory)
	api.handle("GET /api/v1/events", srv.Events.ServeWS(srv.Logger))
	if battery != nil {
		api.handle("GET /api/v1/battery", api.RenderBattery)
	}
	api.mux.Handle("GET /metrics", srv.Metrics.Handler())

	return &api
}

func (api *APIServer) handle(pattern string, h http.HandlerFunc) {
	api.mux.Handle(pattern, api.srv.Metrics.Middleware(api.logMiddleware(h)))
}

func (api *APIServer) Handler() http.Handler {
	return api.mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": xfer.Code(err)})
}

func (api *APIServer) ShutdownHandler(w http.ResponseWriter, _ *http.Request) {
	if api.shutdown == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}

	go api.shutdown()

	_, _ = io.WriteString(w, `{ "msg": "server shutting down" }`)
}

func (api *APIServer) ReloadHandler(w http.ResponseWriter, _ *http.Request) {
	if err := api.srv.Reload(); err != nil {
		api.logger.Error("Error reloading config", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	_, _ = io.WriteString(w, `{ "msg": "config reloaded" }`)
}

func (api *APIServer) RenderStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, api.srv.CurrentStats())
}

func (api *APIServer) RenderHistory(w http.ResponseWriter, r *http.Request) {
	if api.srv.History == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "history is disabled"})
		return
	}

	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	transfers, err := api.srv.History.Recent(r.Context(), r.URL.Query().Get("op"), limit)
	if err != nil {
		api.logger.Error("Error reading history", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, transfers)
}

func (api *APIServer) RenderBattery(w http.ResponseWriter, r *http.Request) {
	peer := api.srv.Config.Peer
	if peer.Address == "" {
		writeError(w, http.StatusConflict, xfer.ErrNoConnection)
		return
	}

	level, err := api.battery.Level(r.Context(), peer)
	if err != nil {
		api.logger.Error("Error reading battery level", "peer", peer, "err", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"peer": peer, "level": level})
}

// Serve listens on addr until ctx is done.
func (api *APIServer) Serve(ctx context.Context, addr string) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           api.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
