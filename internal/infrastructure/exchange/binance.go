package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vitos/trading_agent/internal/domain"
)

const (
	BinanceBaseURL = "https://api.binance.com"
	BinanceWSURL   = "wss://stream.binance.com:9443/ws"

	codeStaleTimestamp = -1021
	codeBadSignature   = -1022
	codeOrderNotFound  = -2013
	codeOcoNotFound    = -2018
)

// BinanceAdapter implements domain.Exchange against the Binance spot REST
// API, classifying failures into the domain error taxonomy. All mutating
// calls carry deterministic client order ids so replays after a crash hit
// the same exchange-side order instead of creating a second one.
type BinanceAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsURL     string
	client    *http.Client
}

func NewBinanceAdapter(apiKey, apiSecret, baseURL, wsURL string) *BinanceAdapter {
	if baseURL == "" {
		baseURL = BinanceBaseURL
	}
	if wsURL == "" {
		wsURL = BinanceWSURL
	}
	return &BinanceAdapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		wsURL:     wsURL,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func symbol(holdAsset, tradeAsset string) string {
	return tradeAsset + holdAsset
}

// ClientOrderID builds the deterministic exchange-facing id for an order.
// The buy leg depends only on the trading id; the OCO legs additionally
// carry the per-attempt suffix.
func ClientOrderID(tradingID int64, kind domain.OrderKind, suffix string) string {
	if suffix != "" {
		switch kind {
		case domain.SellOcoStopLimitOrder, domain.SellOcoStopLimitRollbackOrder:
			return fmt.Sprintf("TR-%d-STOP-%s", tradingID, suffix)
		case domain.SellOcoLimitOrder, domain.SellOcoLimitRollbackOrder:
			return fmt.Sprintf("TR-%d-LIMIT-%s", tradingID, suffix)
		}
	}
	return fmt.Sprintf("%s-%d", kind, tradingID)
}

func listClientOrderID(tradingID int64, suffix string) string {
	return fmt.Sprintf("TR-%d-LIST-%s", tradingID, suffix)
}

func formatQty(v float64) string {
	// TODO: read per-pair precision from /api/v3/exchangeInfo instead of
	// assuming 4 decimals.
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// --- signing & transport ---

func (b *BinanceAdapter) sign(query string) string {
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(query))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BinanceAdapter) sendSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	query := params.Encode()
	query += "&signature=" + b.sign(query)

	var reqURL, body string
	if method == http.MethodGet || method == http.MethodDelete {
		reqURL = b.baseURL + path + "?" + query
	} else {
		reqURL = b.baseURL + path
		body = query
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, classifyError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type notFoundError struct{ code int }

func (e *notFoundError) Error() string { return fmt.Sprintf("binance: not found (code %d)", e.code) }

func classifyError(statusCode int, body []byte) error {
	switch statusCode {
	case http.StatusForbidden, http.StatusTooManyRequests, 418:
		return fmt.Errorf("%w: status %d: %s", domain.ErrRateLimited, statusCode, body)
	}
	if statusCode >= 500 {
		return fmt.Errorf("%w: status %d: %s", domain.ErrServerError, statusCode, body)
	}

	var dto binanceError
	if err := json.Unmarshal(body, &dto); err == nil {
		switch dto.Code {
		case codeStaleTimestamp:
			return fmt.Errorf("%w: %s", domain.ErrStaleTimestamp, dto.Msg)
		case codeBadSignature:
			return fmt.Errorf("%w: %s", domain.ErrBadSignature, dto.Msg)
		case codeOrderNotFound, codeOcoNotFound:
			return &notFoundError{code: dto.Code}
		}
	}
	return fmt.Errorf("%w: status %d: %s", domain.ErrUnknownExchange, statusCode, body)
}

func isNotFound(err error) bool {
	var nf *notFoundError
	return errors.As(err, &nf)
}

// --- domain.Exchange ---

func (b *BinanceAdapter) GetBalance(ctx context.Context, asset string) (float64, error) {
	resp, err := b.sendSigned(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return 0, err
	}

	var dto struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(resp, &dto); err != nil {
		return 0, err
	}

	for _, bal := range dto.Balances {
		if bal.Asset == asset {
			return strconv.ParseFloat(bal.Free, 64)
		}
	}
	return 0, nil
}

func (b *BinanceAdapter) GetCurrentPrice(ctx context.Context, holdAsset, tradeAsset string) (float64, error) {
	reqURL := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", b.baseURL, symbol(holdAsset, tradeAsset))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode >= 400 {
		return 0, classifyError(resp.StatusCode, body)
	}

	var dto struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &dto); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(dto.Price, 64)
}

func (b *BinanceAdapter) CreateBuyOrder(ctx context.Context, tradingID int64, holdAsset, tradeAsset string, quoteQty float64) error {
	params := url.Values{}
	params.Set("symbol", symbol(holdAsset, tradeAsset))
	params.Set("side", "BUY")
	params.Set("type", "MARKET")
	params.Set("quoteOrderQty", formatQty(quoteQty))
	params.Set("newClientOrderId", ClientOrderID(tradingID, domain.BuyMarketOrder, ""))

	_, err := b.sendSigned(ctx, http.MethodPost, "/api/v3/order", params)
	return err
}

func (b *BinanceAdapter) CreateOcoSellOrder(ctx context.Context, tradingID int64, holdAsset, tradeAsset string, qty, price, stopPrice float64, suffix string) error {
	params := url.Values{}
	params.Set("symbol", symbol(holdAsset, tradeAsset))
	params.Set("side", "SELL")
	params.Set("quantity", formatQty(qty))
	params.Set("listClientOrderId", listClientOrderID(tradingID, suffix))
	params.Set("limitClientOrderId", fmt.Sprintf("TR-%d-LIMIT-%s", tradingID, suffix))
	params.Set("price", formatQty(price))
	params.Set("stopClientOrderId", fmt.Sprintf("TR-%d-STOP-%s", tradingID, suffix))
	params.Set("stopPrice", formatQty(stopPrice))
	params.Set("stopLimitPrice", formatQty(stopPrice))
	params.Set("stopLimitTimeInForce", "GTC")

	_, err := b.sendSigned(ctx, http.MethodPost, "/api/v3/order/oco", params)
	return err
}

func (b *BinanceAdapter) CancelOcoOrder(ctx context.Context, tradingID int64, holdAsset, tradeAsset, suffix string) error {
	params := url.Values{}
	params.Set("symbol", symbol(holdAsset, tradeAsset))
	params.Set("listClientOrderId", listClientOrderID(tradingID, suffix))

	_, err := b.sendSigned(ctx, http.MethodDelete, "/api/v3/orderList", params)
	return err
}

func (b *BinanceAdapter) GetOrder(ctx context.Context, tradingID int64, holdAsset, tradeAsset string, kind domain.OrderKind, suffix string) (*domain.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol(holdAsset, tradeAsset))
	params.Set("origClientOrderId", ClientOrderID(tradingID, kind, suffix))

	resp, err := b.sendSigned(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var dto struct {
		Status              string `json:"status"`
		ExecutedQty         string `json:"executedQty"`
		CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
		Time                int64  `json:"time"`
		UpdateTime          int64  `json:"updateTime"`
	}
	if err := json.Unmarshal(resp, &dto); err != nil {
		return nil, err
	}

	executedQty, err := strconv.ParseFloat(dto.ExecutedQty, 64)
	if err != nil {
		return nil, fmt.Errorf("bad executedQty %q: %w", dto.ExecutedQty, err)
	}
	quoteQty, err := strconv.ParseFloat(dto.CummulativeQuoteQty, 64)
	if err != nil {
		return nil, fmt.Errorf("bad cummulativeQuoteQty %q: %w", dto.CummulativeQuoteQty, err)
	}

	return &domain.Order{
		TradingID:           tradingID,
		OrderKind:           kind,
		HoldAsset:           holdAsset,
		TradeAsset:          tradeAsset,
		Status:              dto.Status,
		ExecutedQty:         executedQty,
		CummulativeQuoteQty: quoteQty,
		CreatedAt:           time.UnixMilli(dto.Time),
		UpdatedAt:           time.UnixMilli(dto.UpdateTime),
	}, nil
}

func (b *BinanceAdapter) GetOcoOrderStatus(ctx context.Context, tradingID int64, suffix string) (string, error) {
	params := url.Values{}
	params.Set("origClientOrderId", listClientOrderID(tradingID, suffix))

	resp, err := b.sendSigned(ctx, http.MethodGet, "/api/v3/orderList", params)
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", err
	}

	var dto struct {
		ListOrderStatus string `json:"listOrderStatus"`
	}
	if err := json.Unmarshal(resp, &dto); err != nil {
		return "", err
	}
	return dto.ListOrderStatus, nil
}
