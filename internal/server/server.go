// Package server exposes the simulation controls over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/musthaq16/zone-drive-simulator/internal/controller"
	"github.com/musthaq16/zone-drive-simulator/internal/log"
	"github.com/musthaq16/zone-drive-simulator/internal/scheduler"
	"github.com/musthaq16/zone-drive-simulator/internal/simulator"
	"github.com/musthaq16/zone-drive-simulator/types"
)

type Options struct {
	// Route planned when a request names no endpoints.
	From controller.Place
	To   controller.Place

	MinSpeedKmh float64
	MaxSpeedKmh float64

	// Bounds on waiting for the simulation loop and for route planning.
	CallTimeout time.Duration
	PlanTimeout time.Duration

	Logger *log.Logger
}

const (
	DefaultCallTimeout = 5 * time.Second
	DefaultPlanTimeout = 30 * time.Second
)

type handler struct {
	ctrl     *controller.Controller
	opts     Options
	validate *validator.Validate
	lg       *log.Logger
}

// New returns a fiber app serving the /api routes for ctrl.
func New(ctrl *controller.Controller, opts Options) *fiber.App {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.PlanTimeout <= 0 {
		opts.PlanTimeout = DefaultPlanTimeout
	}
	h := &handler{
		ctrl:     ctrl,
		opts:     opts,
		validate: validator.New(),
		lg:       opts.Logger,
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          errorHandler,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(requestLogger(h.lg))

	api := app.Group("/api")
	api.Post("/route", h.planRoute)

	sim := api.Group("/sim")
	sim.Post("/start", h.control(h.ctrl.Start))
	sim.Post("/pause", h.control(h.ctrl.Pause))
	sim.Post("/resume", h.control(h.ctrl.Resume))
	sim.Post("/toggle", h.control(h.ctrl.TogglePause))
	sim.Post("/reset", h.control(h.ctrl.Reset))
	sim.Put("/target-speed", h.setTargetSpeed)
	sim.Get("/status", h.status)
	sim.Get("/events", h.events)
	sim.Get("/position", h.position)
	sim.Get("/zone", h.zone)
	sim.Get("/route", h.route)

	return app
}

func requestLogger(lg *log.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		lg.Debug("HTTP request",
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", c.Response().StatusCode()),
			slog.Duration("elapsed", time.Since(start)))
		return err
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

// controlError maps controller errors to HTTP errors.
func controlError(err error) error {
	switch {
	case errors.Is(err, controller.ErrRouteNotPlanned), errors.Is(err, simulator.ErrRunCompleted):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrStopped):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}

type placeRequest struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat" validate:"min=-90,max=90"`
	Lng  float64 `json:"lng" validate:"min=-180,max=180"`
}

func (p *placeRequest) place() controller.Place {
	return controller.Place{
		Name:       p.Name,
		Coordinate: types.Coordinate{Lat: p.Lat, Lon: p.Lng},
	}
}

type routeRequest struct {
	From *placeRequest `json:"from"`
	To   *placeRequest `json:"to"`
}

type routeResponse struct {
	Status simulator.Snapshot `json:"status"`
	Zone   *controller.Zone   `json:"zone,omitempty"`
}

func (h *handler) planRoute(c *fiber.Ctx) error {
	var req routeRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := h.validate.Struct(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
	}

	from, to := h.opts.From, h.opts.To
	if req.From != nil {
		from = req.From.place()
	}
	if req.To != nil {
		to = req.To.place()
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.opts.PlanTimeout)
	defer cancel()
	if err := h.ctrl.PlanRoute(ctx, from, to); err != nil {
		if errors.Is(err, scheduler.ErrStopped) {
			return controlError(err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fiber.NewError(fiber.StatusGatewayTimeout, err.Error())
		}
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	}

	resp := routeResponse{Status: h.ctrl.Status()}
	if z, ok := h.ctrl.Zone(); ok {
		resp.Zone = &z
	}
	return c.JSON(resp)
}

// callContext bounds a wait on the simulation loop.
func (h *handler) callContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), h.opts.CallTimeout)
}

func (h *handler) control(fn func(context.Context) error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := h.callContext(c)
		defer cancel()
		if err := fn(ctx); err != nil {
			return controlError(err)
		}
		return h.status(c)
	}
}

type speedRequest struct {
	Speed *float64 `json:"speed" validate:"required"`
}

func (h *handler) setTargetSpeed(c *fiber.Ctx) error {
	var req speedRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	bounds := fmt.Sprintf("gte=%g,lte=%g", h.opts.MinSpeedKmh, h.opts.MaxSpeedKmh)
	if err := h.validate.Var(*req.Speed, bounds); err != nil {
		return fiber.NewError(fiber.StatusBadRequest,
			fmt.Sprintf("speed must be between %g and %g km/h", h.opts.MinSpeedKmh, h.opts.MaxSpeedKmh))
	}

	ctx, cancel := h.callContext(c)
	defer cancel()
	if err := h.ctrl.SetTargetSpeed(ctx, *req.Speed); err != nil {
		return controlError(err)
	}
	return h.status(c)
}

type statusResponse struct {
	simulator.Snapshot
	Phase     simulator.Phase `json:"phase"`
	VehicleID string          `json:"vehicle_id"`
}

func (h *handler) status(c *fiber.Ctx) error {
	ctx, cancel := h.callContext(c)
	defer cancel()
	phase, err := h.ctrl.Phase(ctx)
	if err != nil {
		return controlError(err)
	}
	return c.JSON(statusResponse{
		Snapshot:  h.ctrl.Status(),
		Phase:     phase,
		VehicleID: h.ctrl.VehicleID(),
	})
}

func (h *handler) events(c *fiber.Ctx) error {
	return c.JSON(h.ctrl.Events())
}

func (h *handler) position(c *fiber.Ctx) error {
	p, ok := h.ctrl.Position()
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "vehicle not placed")
	}
	return c.JSON(p)
}

func (h *handler) zone(c *fiber.Ctx) error {
	z, ok := h.ctrl.Zone()
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "no route planned")
	}
	return c.JSON(z)
}

func (h *handler) route(c *fiber.Ctx) error {
	r, ok := h.ctrl.Route()
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "no route planned")
	}
	return c.JSON(r)
}
