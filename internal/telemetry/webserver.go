package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dabtx/dexter-output/internal/logging"
	"github.com/dabtx/dexter-output/internal/output"
)

// WebServer exposes run-statistics history/live streaming and
// internal/output's remote-control surface over HTTP. There is no bundled
// UI here - this is a pure JSON API for cmd/dabctl and other tooling to
// drive.
type WebServer struct {
	srv *http.Server
	log logging.Logger
}

type paramRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewWebServer builds an HTTP server serving hub's history/live endpoints
// plus controller's Get/Set surface under /api/param.
func NewWebServer(addr string, hub *Hub, controller output.Controller, log logging.Logger) *WebServer {
	if log == nil {
		log = logging.Default()
	}
	log = log.WithComponent("telemetry")

	mux := http.NewServeMux()
	mux.HandleFunc("/api/history", hub.handleHistory)
	mux.HandleFunc("/api/live", hub.handleLive)
	mux.HandleFunc("/api/param", paramHandler(controller))

	return &WebServer{
		log: log,
		srv: &http.Server{Addr: addr, Handler: mux},
	}
}

// paramHandler implements /api/param: GET ?name=x reads, POST {name,value}
// writes, both going straight through to a Stage's Get/Set.
func paramHandler(controller output.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			name := r.URL.Query().Get("name")
			value, err := controller.Get(name)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(paramRequest{Name: name, Value: value})

		case http.MethodPost:
			var req paramRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
				return
			}
			if err := controller.Set(req.Name, req.Value); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(req)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// Start begins listening and shuts down when ctx is canceled.
func (w *WebServer) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.log.Warn("web telemetry shutdown", logging.Field{Key: "error", Value: err})
		}
	}()

	if err := w.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		w.log.Error("web telemetry server error", logging.Field{Key: "error", Value: err})
	}
}
