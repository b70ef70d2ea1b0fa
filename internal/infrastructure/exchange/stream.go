package exchange

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vkotik/dripfeed/internal/domain"
)

const (
	SpotStreamURL    = "wss://stream.binance.com:9443/stream"
	FuturesStreamURL = "wss://fstream.binance.com/stream"

	streamReadTimeout = 90 * time.Second
	maxReconnectWait  = time.Minute
)

// PriceStream maintains a combined miniTicker websocket subscription and
// caches the latest close price per symbol. It is a read-through overlay:
// LastPrice misses fall back to the REST gateway, so losing the stream
// degrades latency, not correctness.
type PriceStream struct {
	url     string
	symbols []string
	logger  *zap.Logger

	mu     sync.RWMutex
	prices map[string]streamPrice
	maxAge time.Duration
}

type streamPrice struct {
	price decimal.Decimal
	at    time.Time
}

type miniTickerEvent struct {
	Data struct {
		Symbol string `json:"s"`
		Close  string `json:"c"`
	} `json:"data"`
}

func NewPriceStream(market domain.MarketType, symbols []string, logger *zap.Logger) *PriceStream {
	url := SpotStreamURL
	if market == domain.MarketFutures {
		url = FuturesStreamURL
	}
	return &PriceStream{
		url:     url,
		symbols: symbols,
		logger:  logger,
		prices:  make(map[string]streamPrice),
		maxAge:  10 * time.Second,
	}
}

// Run connects and consumes until ctx is cancelled, reconnecting with
// exponential backoff on any read or dial failure.
func (p *PriceStream) Run(ctx context.Context) {
	wait := time.Second
	for {
		if err := p.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("price stream disconnected",
				zap.Error(err),
				zap.Duration("reconnect_in", wait))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait *= 2
		if wait > maxReconnectWait {
			wait = maxReconnectWait
		}
	}
}

func (p *PriceStream) consume(ctx context.Context) error {
	streams := make([]string, len(p.symbols))
	for i, s := range p.symbols {
		streams[i] = strings.ToLower(s) + "@miniTicker"
	}
	url := p.url + "?streams=" + strings.Join(streams, "/")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	p.logger.Info("price stream connected", zap.Strings("symbols", p.symbols))

	// Close the socket when ctx dies so ReadMessage unblocks.
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
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev miniTickerEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			p.logger.Debug("unparseable stream message", zap.Error(err))
			continue
		}
		if ev.Data.Symbol == "" {
			continue
		}
		price, err := decimal.NewFromString(ev.Data.Close)
		if err != nil {
			continue
		}

		p.mu.Lock()
		p.prices[ev.Data.Symbol] = streamPrice{price: price, at: time.Now()}
		p.mu.Unlock()
	}
}

// LastPrice returns the cached price for symbol if it is fresh enough.
func (p *PriceStream) LastPrice(symbol string) (decimal.Decimal, bool) {
	p.mu.RLock()
	entry, ok := p.prices[symbol]
	p.mu.RUnlock()
	if !ok || time.Since(entry.at) > p.maxAge {
		return decimal.Zero, false
	}
	return entry.price, true
}
