package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/trading_agent/internal/infrastructure/storage"
	"github.com/vitos/trading_agent/internal/usecase"
)

type noopRegistrar struct{}

func (noopRegistrar) RegisterNewTrade(ctx context.Context) (int64, error) { return 0, nil }

func newTestServer(t *testing.T) (*Server, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// The worker is never run in these tests; triggers just sit in the queue.
	worker := usecase.NewIntakeWorker(noopRegistrar{}, zap.NewNop(), time.Hour)
	signal := usecase.NewTriggerSignal()
	s := NewServer(0, "sekret", "USDT", store, store, worker, signal, zap.NewNop())
	return s, store
}

func do(s *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestWebhook_WrongSegmentIs404(t *testing.T) {
	s, _ := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, do(s, http.MethodPost, "/events/wrong/arm").Code)
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodPost, "/events/wrong/trade").Code)
	assert.False(t, s.signal.Armed())
}

func TestWebhook_ArmThenTrade(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(s, http.MethodPost, "/events/sekret/arm")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, s.signal.Armed())

	rec = do(s, http.MethodPost, "/events/sekret/trade")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, s.signal.Armed(), "firing must consume the arm")
	assert.Equal(t, 1, s.worker.PendingCount())

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "queued", body["status"])
	assert.NotEmpty(t, body["request_id"])
}

func TestWebhook_TradeWithoutArmRejected(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(s, http.MethodPost, "/events/sekret/trade")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 0, s.worker.PendingCount())
}

func TestWebhook_ArmRejectedWhileTradeActive(t *testing.T) {
	s, store := newTestServer(t)
	_, err := store.InsertNewTrade(context.Background(), "USDT", "BTC", 100, "proc-1")
	require.NoError(t, err)

	rec := do(s, http.MethodPost, "/events/sekret/arm")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, s.signal.Armed())
}

func TestStatus(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.EnsureRiskControl(ctx, "USDT", 100))
	_, err := store.InsertNewTrade(ctx, "USDT", "BTC", 100, "proc-1")
	require.NoError(t, err)
	s.signal.Arm()

	rec := do(s, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Armed       bool `json:"armed"`
		ActiveTrade *struct {
			ID    int64  `json:"id"`
			Stage string `json:"stage"`
		} `json:"active_trade"`
		RiskControl *struct {
			StopThreshold     float64 `json:"stop_threshold"`
			MinimumAmountMode bool    `json:"minimum_amount_mode"`
		} `json:"risk_control"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.True(t, body.Armed)
	require.NotNil(t, body.ActiveTrade)
	assert.Equal(t, int64(1), body.ActiveTrade.ID)
	assert.Equal(t, "JustRegistered", body.ActiveTrade.Stage)
	require.NotNil(t, body.RiskControl)
	assert.Equal(t, 100.0, body.RiskControl.StopThreshold)
}
