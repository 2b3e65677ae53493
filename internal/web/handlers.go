package web

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/vitos/trading_agent/internal/usecase"
	"go.uber.org/zap"
)

// checkSegment compares the path secret in constant time. Wrong segment gets
// 404 so probing reveals nothing about the routes.
func (s *Server) checkSegment(w http.ResponseWriter, r *http.Request) bool {
	segment := r.PathValue("segment")
	if subtle.ConstantTimeCompare([]byte(segment), []byte(s.segment)) != 1 {
		http.NotFound(w, r)
		return false
	}
	return true
}

func (s *Server) handleArm(w http.ResponseWriter, r *http.Request) {
	if !s.checkSegment(w, r) {
		return
	}

	active, err := s.tradeRepo.AnyActiveTrade(r.Context(), s.holdAsset)
	if err != nil {
		s.logger.Error("Failed to check active trades", zap.Error(err))
		http.Error(w, "Failed to check active trades", http.StatusInternalServerError)
		return
	}
	if active {
		http.Error(w, "trade already in progress", http.StatusConflict)
		return
	}

	if !s.signal.Arm() {
		s.logger.Info("Arm request while already armed")
	} else {
		s.logger.Info("Trigger armed")
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "armed"})
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	if !s.checkSegment(w, r) {
		return
	}

	if !s.signal.Consume() {
		s.logger.Info("Trade request ignored, trigger not armed")
		http.Error(w, "trigger not armed", http.StatusConflict)
		return
	}

	trigger := usecase.TradeTrigger{
		RequestID:  uuid.NewString(),
		ReceivedAt: time.Now().UTC(),
	}
	s.worker.Enqueue(trigger)
	s.logger.Info("Trade trigger accepted", zap.String("request_id", trigger.RequestID))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "queued", "request_id": trigger.RequestID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type statusResponse struct {
		Armed         bool     `json:"armed"`
		PendingTrades int      `json:"pending_trades"`
		ActiveTrade   any      `json:"active_trade,omitempty"`
		RiskControl   any      `json:"risk_control,omitempty"`
		Now           string   `json:"now"`
		HoldAsset     string   `json:"hold_asset"`
		Warnings      []string `json:"warnings,omitempty"`
	}

	resp := statusResponse{
		Armed:         s.signal.Armed(),
		PendingTrades: s.worker.PendingCount(),
		Now:           time.Now().UTC().Format(time.RFC3339),
		HoldAsset:     s.holdAsset,
	}

	trading, err := s.tradeRepo.GetActiveTrading(r.Context(), s.holdAsset, nil, "")
	if err != nil {
		s.logger.Error("Failed to load active trade", zap.Error(err))
		resp.Warnings = append(resp.Warnings, "failed to load active trade")
	} else if trading != nil {
		resp.ActiveTrade = map[string]any{
			"id":         trading.ID,
			"stage":      string(trading.Stage),
			"created_at": trading.CreatedAt.Format(time.RFC3339),
			"updated_at": trading.UpdatedAt.Format(time.RFC3339),
		}
	}

	risk, err := s.riskRepo.GetRiskControl(r.Context(), s.holdAsset)
	if err != nil {
		s.logger.Error("Failed to load risk control", zap.Error(err))
		resp.Warnings = append(resp.Warnings, "failed to load risk control")
	} else if risk != nil {
		resp.RiskControl = map[string]any{
			"stop_threshold":      risk.StopThreshold,
			"minimum_amount_mode": risk.MinimumAmountMode,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to encode status", zap.Error(err))
	}
}
