// Package feed holds the websocket clients for the two inbound price
// streams: brokerage ticks and crypto exchange prices. Each client dials,
// pumps messages onto the event bus, and reconnects with a fixed delay
// until its context is cancelled.
package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"tv-signal-bot/internal/bus"
	"tv-signal-bot/internal/metrics"
)

// Options tune the dial clients.
type Options struct {
	ReconnectDelay time.Duration
	PingInterval   time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 3 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	return o
}

// tickMessage is the brokerage feed record; other fields are ignored.
type tickMessage struct {
	InstrumentToken int      `json:"instrument_token"`
	LastPrice       *float64 `json:"last_price"`
}

// priceMessage is the exchange feed record.
type priceMessage struct {
	Symbol string   `json:"symbol"`
	Price  *float64 `json:"price"`
}

// RunBrokerTicks consumes the brokerage tick stream into the bus.
func RunBrokerTicks(ctx context.Context, url string, b *bus.Bus, opts Options) {
	run(ctx, "broker", url, opts, func(data []byte) {
		var msg tickMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Msg("unparseable broker tick")
			return
		}
		if msg.InstrumentToken == 0 || msg.LastPrice == nil {
			return
		}
		metrics.IncTick("broker")
		b.PublishTick(bus.Tick{Token: msg.InstrumentToken, LastPrice: *msg.LastPrice})
	})
}

// RunExchangePrices consumes the crypto exchange price stream into the bus.
func RunExchangePrices(ctx context.Context, url string, b *bus.Bus, opts Options) {
	run(ctx, "exchange", url, opts, func(data []byte) {
		var msg priceMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Msg("unparseable exchange price")
			return
		}
		if msg.Symbol == "" || msg.Price == nil {
			return
		}
		metrics.IncTick("exchange")
		b.PublishPrice(bus.Price{Symbol: msg.Symbol, Price: *msg.Price})
	})
}

func run(ctx context.Context, name, url string, opts Options, handle func([]byte)) {
	if url == "" {
		log.Warn().Str("feed", name).Msg("feed url not configured, feed disabled")
		return
	}
	opts = opts.withDefaults()
	for {
		if ctx.Err() != nil {
			return
		}
		if err := connectOnce(ctx, name, url, opts, handle); err != nil {
			log.Warn().Err(err).Str("feed", name).Dur("retry_in", opts.ReconnectDelay).Msg("feed disconnected")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(opts.ReconnectDelay):
		}
	}
}

func connectOnce(ctx context.Context, name, url string, opts Options, handle func([]byte)) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info().Str("feed", name).Str("url", url).Msg("feed connected")

	done := make(chan struct{})
	defer close(done)

	// Ping loop; also tears the connection down on context cancel.
	go func() {
		ticker := time.NewTicker(opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		handle(data)
	}
}
