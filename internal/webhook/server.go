package webhook

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"tv-signal-bot/internal/bus"
	"tv-signal-bot/internal/metrics"
)

// Payload is the TradingView-style webhook body. Direction is intent-first,
// then side; ENTRY and EXIT alias BUY and SELL.
type Payload struct {
	Symbol string   `json:"symbol"`
	StopPx *float64 `json:"stoppx"`
	Intent string   `json:"intent"`
	Side   string   `json:"side"`
}

// Server receives webhook signals and re-emits them to the relay URL when
// one is configured.
type Server struct {
	app      *fiber.App
	bus      *bus.Bus
	host     string
	port     int
	relayURL func() string
	relay    *http.Client
}

// NewServer creates the ingest server. relayURL is read per request so
// config reloads take effect.
func NewServer(host string, port int, b *bus.Bus, relayURL func() string) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          5 * time.Second,
	})

	s := &Server{
		app:      app,
		bus:      b,
		host:     host,
		port:     port,
		relayURL: relayURL,
		relay:    &http.Client{Timeout: 5 * time.Second},
	}
	s.setupRoutes()
	return s
}

// App exposes the fiber app so the read API can mount its routes.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) setupRoutes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})
	s.app.Post("/webhook", s.handleWebhook)
}

func (s *Server) handleWebhook(c *fiber.Ctx) error {
	raw := append([]byte(nil), c.Body()...)

	var payload Payload
	if err := c.BodyParser(&payload); err != nil {
		log.Error().Err(err).Msg("failed to parse webhook payload")
		metrics.IncWebhook("dropped")
		return c.Status(400).JSON(fiber.Map{"error": "invalid payload"})
	}

	if url := s.relayURL(); url != "" {
		go s.forward(url, raw)
	}

	// Malformed input is dropped silently at the reducer boundary.
	if payload.Symbol == "" {
		metrics.IncWebhook("dropped")
		return c.JSON(fiber.Map{"status": "ignored", "reason": "no symbol"})
	}

	ok := s.bus.PublishWebhook(bus.Webhook{
		Symbol: payload.Symbol,
		StopPx: payload.StopPx,
		Intent: payload.Intent,
		Side:   payload.Side,
	})
	if !ok {
		metrics.IncWebhook("dropped")
		return c.Status(503).JSON(fiber.Map{"status": "dropped", "reason": "bus full"})
	}

	log.Info().
		Str("symbol", payload.Symbol).
		Str("intent", payload.Intent).
		Str("side", payload.Side).
		Msg("webhook received")
	metrics.IncWebhook("accepted")
	return c.JSON(fiber.Map{"status": "received"})
}

// forward re-posts the raw payload to the relay URL. Failure is logged
// once; there is no retry.
func (s *Server) forward(url string, body []byte) {
	resp, err := s.relay.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Warn().Err(err).Str("url", url).Msg("webhook relay failed")
		return
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Str("url", url).Msg("webhook relay rejected")
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Info().Str("addr", addr).Msg("starting webhook server")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
