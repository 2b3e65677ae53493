package exchange

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
)

// StreamPrices subscribes to the symbol's miniTicker stream and invokes
// onPrice for every close-price update until ctx is cancelled or the
// connection breaks. Callers that need the stream to survive reconnect it
// themselves; the post-fill watcher treats a broken stream as best-effort
// and falls back to polling.
func (b *BinanceAdapter) StreamPrices(ctx context.Context, holdAsset, tradeAsset string, onPrice func(price float64)) error {
	streamURL := b.wsURL + "/" + strings.ToLower(symbol(holdAsset, tradeAsset)) + "@miniTicker"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		var event struct {
			ClosePrice string `json:"c"`
		}
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		price, err := strconv.ParseFloat(event.ClosePrice, 64)
		if err != nil || price <= 0 {
			continue
		}

		onPrice(price)
	}
}
