package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"

	"tv-signal-bot/internal/metrics"
	"tv-signal-bot/internal/trade"
)

// OrderRequest is the outbound broker order payload.
type OrderRequest struct {
	Symbol          string  `json:"symbol"`
	Exchange        string  `json:"exchange"`
	TransactionType string  `json:"transactionType"`
	Quantity        int     `json:"quantity"`
	Product         string  `json:"product"`
	Validity        string  `json:"validity"`
	OrderType       string  `json:"orderType"`
	SideOffset      float64 `json:"sideOffset"`
	DryRun          bool    `json:"dryRun"`
}

// Sink translates live trade opens/closes into broker order posts. Failures
// are logged and discarded; state is never rolled back.
type Sink struct {
	url        string
	client     *http.Client
	exchangeOf func(string) string
	isCrypto   func(string) bool
}

// New creates a sink posting to url. exchangeOf and isCrypto come from the
// catalog; crypto symbols produce no outbound order.
func New(url string, timeout time.Duration, exchangeOf func(string) string, isCrypto func(string) bool) *Sink {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	http2.ConfigureTransport(transport)

	return &Sink{
		url:        url,
		client:     &http.Client{Transport: transport, Timeout: timeout},
		exchangeOf: exchangeOf,
		isCrypto:   isCrypto,
	}
}

// Place posts one order. Close orders invert the side. The post runs on the
// caller's goroutine; the engine loop hands orders off asynchronously.
func (s *Sink) Place(ctx context.Context, o trade.Order) {
	if s.url == "" {
		metrics.IncOrder("skipped")
		return
	}
	if s.isCrypto != nil && s.isCrypto(o.Symbol) {
		log.Debug().Str("symbol", o.Symbol).Msg("crypto order skipped, no broker route")
		metrics.IncOrder("skipped")
		return
	}

	side := o.Side
	if o.Close {
		side = side.Invert()
	}
	exchange := ""
	if s.exchangeOf != nil {
		exchange = s.exchangeOf(o.Symbol)
	}
	req := OrderRequest{
		Symbol:          o.Symbol,
		Exchange:        exchange,
		TransactionType: string(side),
		Quantity:        o.Quantity,
		Product:         "MIS",
		Validity:        "DAY",
		OrderType:       "LIMIT",
		SideOffset:      0.5,
		DryRun:          false,
	}

	if err := s.post(ctx, req); err != nil {
		log.Error().
			Err(err).
			Str("symbol", o.Symbol).
			Str("side", string(side)).
			Int("qty", o.Quantity).
			Msg("broker order failed")
		metrics.IncOrder("error")
		return
	}
	log.Info().
		Str("symbol", o.Symbol).
		Str("side", string(side)).
		Int("qty", o.Quantity).
		Bool("close", o.Close).
		Msg("broker order placed")
	metrics.IncOrder("ok")
}

func (s *Sink) post(ctx context.Context, order OrderRequest) error {
	body, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post order: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("broker returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
