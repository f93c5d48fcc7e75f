package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Checker-Finance/exchange-connectors/internal/store"
	"github.com/Checker-Finance/exchange-connectors/pkg/model"
)

// BusChecker reports whether the message bus is reachable.
type BusChecker interface {
	HealthCheck() error
}

// DependencyLister lists the dependencies the process has called.
type DependencyLister interface {
	Dependencies() []string
}

// ConnectorInfo describes one live connector.
type ConnectorInfo struct {
	Exchange   string `json:"exchange"`
	AccountID  string `json:"account_id"`
	Subscribed bool   `json:"subscribed"`
}

// Handler serves the operational endpoints.
type Handler struct {
	Logger     *zap.Logger
	Bus        BusChecker
	Store      store.StateStore
	Deps       DependencyLister
	Connectors func() []ConnectorInfo
}

func RegisterRoutes(app *fiber.App, h *Handler) {
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/health", h.Health)

	v1 := app.Group("/api/v1")
	v1.Get("/dependencies", h.ListDependencies)
	v1.Get("/dependencies/:name", h.GetDependency)
	v1.Get("/connectors", h.ListConnectors)
}

func (h *Handler) Health(c *fiber.Ctx) error {
	checks := map[string]string{
		"nats":  "ok",
		"store": "ok",
	}
	status := "ok"
	code := fiber.StatusOK

	if h.Bus == nil {
		checks["nats"] = "disconnected"
		status, code = "degraded", fiber.StatusServiceUnavailable
	} else if err := h.Bus.HealthCheck(); err != nil {
		checks["nats"] = err.Error()
		status, code = "degraded", fiber.StatusServiceUnavailable
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()
	if err := h.Store.HealthCheck(ctx); err != nil {
		checks["store"] = err.Error()
		status, code = "degraded", fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(fiber.Map{
		"status": status,
		"checks": checks,
	})
}

func (h *Handler) ListDependencies(c *fiber.Ctx) error {
	var names []string
	if h.Deps != nil {
		names = h.Deps.Dependencies()
	}
	out := make([]model.ExternalDependencyState, 0, len(names))
	for _, name := range names {
		st, err := h.Store.GetState(c.UserContext(), store.Key(name), model.UnknownState(name, ""))
		if err != nil {
			h.Logger.Warn("api.dependency_read_failed", zap.String("dependency", name), zap.Error(err))
			return fiber.NewError(fiber.StatusServiceUnavailable, "health store unavailable")
		}
		out = append(out, st)
	}
	return c.JSON(out)
}

// GetDependency returns the stored health of one dependency. Dependencies
// never observed report Unknown.
func (h *Handler) GetDependency(c *fiber.Ctx) error {
	name := c.Params("name")
	if name == "" {
		return fiber.NewError(fiber.StatusBadRequest, "dependency name is required")
	}
	st, err := h.Store.GetState(c.UserContext(), store.Key(name), model.UnknownState(name, ""))
	if err != nil {
		h.Logger.Warn("api.dependency_read_failed", zap.String("dependency", name), zap.Error(err))
		return fiber.NewError(fiber.StatusServiceUnavailable, "health store unavailable")
	}
	return c.JSON(st)
}

func (h *Handler) ListConnectors(c *fiber.Ctx) error {
	if h.Connectors == nil {
		return c.JSON([]ConnectorInfo{})
	}
	return c.JSON(h.Connectors())
}
