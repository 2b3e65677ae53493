package web

import (
	"context"
	"fmt"
	"net/http"

	"github.com/vitos/trading_agent/internal/domain"
	"github.com/vitos/trading_agent/internal/infrastructure/metrics"
	"github.com/vitos/trading_agent/internal/usecase"
	"go.uber.org/zap"
)

type Server struct {
	router    *http.ServeMux
	server    *http.Server
	tradeRepo domain.TradeRepository
	riskRepo  domain.RiskRepository
	worker    *usecase.IntakeWorker
	signal    *usecase.TriggerSignal
	segment   string
	holdAsset string
	logger    *zap.Logger
}

func NewServer(
	port int,
	segment string,
	holdAsset string,
	tradeRepo domain.TradeRepository,
	riskRepo domain.RiskRepository,
	worker *usecase.IntakeWorker,
	signal *usecase.TriggerSignal,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:    http.NewServeMux(),
		tradeRepo: tradeRepo,
		riskRepo:  riskRepo,
		worker:    worker,
		signal:    signal,
		segment:   segment,
		holdAsset: holdAsset,
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
	// Webhooks; the path segment acts as the shared secret.
	s.router.HandleFunc("POST /events/{segment}/arm", s.handleArm)
	s.router.HandleFunc("POST /events/{segment}/trade", s.handleTrade)

	// Status
	s.router.HandleFunc("GET /status", s.handleStatus)

	// Metrics
	s.router.Handle("GET /metrics", metrics.Handler())
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
