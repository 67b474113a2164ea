// Package httpapi mounts the read and reset surface on the webhook server's
// fiber app. These endpoints are the observable outputs of the engine: the
// FSM snapshot, the trade tables, and the per-mode signal tables.
package httpapi

import (
	"github.com/gofiber/fiber/v2"

	"tv-signal-bot/internal/catalog"
	"tv-signal-bot/internal/engine"
	"tv-signal-bot/internal/tracker"
)

// Register mounts the /api routes.
func Register(app *fiber.App, eng *engine.Engine, cat *catalog.Catalog) {
	api := app.Group("/api")

	api.Get("/fsm", func(c *fiber.Ctx) error {
		return c.JSON(eng.FSMSnapshot())
	})

	api.Get("/trades", func(c *fiber.Ctx) error {
		return c.JSON(eng.TradeState())
	})

	api.Get("/signals/:mode", func(c *fiber.Ctx) error {
		mode := tracker.Mode(c.Params("mode"))
		if !mode.Valid() {
			return c.Status(404).JSON(fiber.Map{"error": "unknown mode"})
		}
		return c.JSON(eng.SignalState(mode))
	})

	api.Get("/catalog", func(c *fiber.Ctx) error {
		return c.JSON(cat.Entries())
	})

	api.Post("/signals/:mode/clear", func(c *fiber.Ctx) error {
		mode := tracker.Mode(c.Params("mode"))
		if !mode.Valid() {
			return c.Status(404).JSON(fiber.Map{"error": "unknown mode"})
		}
		eng.ClearSignals(mode)
		return c.JSON(fiber.Map{"status": "cleared", "mode": string(mode)})
	})

	api.Post("/reset/crypto", func(c *fiber.Ctx) error {
		eng.ResetCrypto()
		return c.JSON(fiber.Map{"status": "reset"})
	})
}
