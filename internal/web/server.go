package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/vitos/grid_martingale/internal/domain"
	"github.com/vitos/grid_martingale/internal/usecase"
)

// Server exposes a read-only JSON view of the running session.
type Server struct {
	router    *http.ServeMux
	server    *http.Server
	service   *usecase.GridService
	tradeRepo domain.TradeRepository
	logger    *zap.Logger
}

func NewServer(port int, service *usecase.GridService, tradeRepo domain.TradeRepository, logger *zap.Logger) *Server {
	s := &Server{
		router:    http.NewServeMux(),
		service:   service,
		tradeRepo: tradeRepo,
		logger:    logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("GET /api/status", s.handleStatus)
	s.router.HandleFunc("GET /api/trades", s.handleTrades)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.service.Status())
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	trades, err := s.tradeRepo.ListTrades(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list trades", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []*domain.TradeRecord{}
	}
	s.writeJSON(w, trades)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) Start() error {
	s.logger.Info("web server listening", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
