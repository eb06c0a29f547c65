// Package statusapi serves a slim JSON status endpoint for operators:
// liveness, counters, queue depth, and the tracked positions. It is
// observational only; nothing here mutates engine state.
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/eddiefleurent/tradecore/internal/bus"
	"github.com/eddiefleurent/tradecore/internal/metrics"
	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/eddiefleurent/tradecore/internal/position"
	"github.com/eddiefleurent/tradecore/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// Server is the status HTTP server.
type Server struct {
	addr    string
	storage store.Interface
	bus     *bus.Bus
	tracker *position.Tracker
	metrics *metrics.Metrics
	logger  *logrus.Entry

	httpServer *http.Server
	startedAt  time.Time
}

// NewServer constructs a Server.
func NewServer(addr string, storage store.Interface, b *bus.Bus, tracker *position.Tracker,
	m *metrics.Metrics, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Server{
		addr:    addr,
		storage: storage,
		bus:     b,
		tracker: tracker,
		metrics: m,
		logger:  logger.WithField("component", "statusapi"),
	}
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Second))
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)

	s.startedAt = time.Now().UTC()
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	UptimeSeconds  int64                `json:"uptime_seconds"`
	Metrics        metrics.Snapshot     `json:"metrics"`
	BusQueued      int                  `json:"bus_queued"`
	BusDropped     int64                `json:"bus_dropped"`
	Positions      []positionView       `json:"positions"`
	CircuitBreaker string               `json:"circuit_breaker"`
	TradingHalted  bool                 `json:"trading_halted"`
	BrokerHealth   models.BrokerHealth  `json:"broker_health"`
}

type positionView struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Qty         string `json:"qty"`
	EntryPrice  string `json:"entry_price"`
	PendingExit bool   `json:"pending_exit"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Metrics:       s.metrics.Snapshot(),
		BusQueued:     s.bus.Size(),
		BusDropped:    s.bus.DroppedCount(),
	}
	for _, p := range s.tracker.All() {
		resp.Positions = append(resp.Positions, positionView{
			Symbol:      p.Symbol,
			Side:        string(p.Side),
			Qty:         p.Qty.String(),
			EntryPrice:  p.EntryPrice.String(),
			PendingExit: p.PendingExit,
		})
	}

	ctx := r.Context()
	if state, _, err := s.storage.GetCircuitBreaker(ctx); err == nil {
		resp.CircuitBreaker = string(state)
	}
	if halted, err := s.storage.GetTradingHalted(ctx); err == nil {
		resp.TradingHalted = halted
	}
	if health, err := s.storage.GetBrokerHealth(ctx); err == nil {
		resp.BrokerHealth = health
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
