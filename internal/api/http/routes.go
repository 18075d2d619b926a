package httpapi

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/discovergy-poller/internal/readings"
	"github.com/i474232898/discovergy-poller/internal/scheduler"
	"github.com/i474232898/discovergy-poller/internal/store"
)

var validate = validator.New()

// TaskLister reports the scheduler state of every source.
type TaskLister interface {
	States() []scheduler.TaskState
}

// MeterLister returns the persisted meter metadata.
type MeterLister interface {
	Load() (map[string]map[string]any, error)
}

// SeriesLoader reads back one partition of a series.
type SeriesLoader interface {
	Load(ctx context.Context, series, key string) ([]readings.Row, error)
	Kind() store.PeriodKind
}

// Deps are the read-only views the status API serves.
type Deps struct {
	Tasks    TaskLister
	Meters   MeterLister
	Series   SeriesLoader
	Gatherer prometheus.Gatherer
}

// NewApp creates the Fiber app with error handling, middleware and all routes.
func NewApp(deps Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "discovergy-poller",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	app.Use(logger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "discovergy-poller",
		})
	})

	if deps.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	RegisterRoutes(app, deps)
	return app
}

// RegisterRoutes wires the /api/v1 handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, deps Deps) {
	v1 := app.Group("/api/v1")

	v1.Get("/sources", func(c *fiber.Ctx) error {
		if deps.Tasks == nil {
			return c.JSON([]scheduler.TaskState{})
		}
		return c.JSON(deps.Tasks.States())
	})

	v1.Get("/meters", func(c *fiber.Ctx) error {
		if deps.Meters == nil {
			return fiber.NewError(fiber.StatusNotFound, "no meter metadata stored yet")
		}
		meters, err := deps.Meters.Load()
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no meter metadata stored yet")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to read meter metadata")
		}
		return c.JSON(meters)
	})

	v1.Get("/series/:name", func(c *fiber.Ctx) error {
		if deps.Series == nil {
			return fiber.NewError(fiber.StatusNotFound, "no series storage configured")
		}
		var req seriesQuery
		if err := req.bind(c, deps.Series.Kind()); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		rows, err := deps.Series.Load(c.UserContext(), req.Name, req.Period)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no rows stored for requested period")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to read series")
		}

		return c.JSON(fiber.Map{
			"series": req.Name,
			"period": req.Period,
			"rows":   rows,
		})
	})
}

// seriesQuery holds the parameters of the series endpoint.
type seriesQuery struct {
	Name   string `validate:"required,max=128,excludesall=/\\"`
	Period string `validate:"required"`
}

func (q *seriesQuery) bind(c *fiber.Ctx, kind store.PeriodKind) error {
	q.Name = c.Params("name")
	q.Period = c.Query("period")
	if err := validate.Struct(q); err != nil {
		return err
	}

	layout := "2006-01"
	if kind == store.Day {
		layout = "2006-01-02"
	}
	if err := validate.Var(q.Period, "datetime="+layout); err != nil {
		return errors.New("period must be formatted as " + layout)
	}
	return nil
}
