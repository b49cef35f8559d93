package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"

	"github.com/Additional-Code/bulkbuy/internal/dto"
	"github.com/Additional-Code/bulkbuy/internal/presentation/http/response"
	service "github.com/Additional-Code/bulkbuy/internal/service/settlement"
	"github.com/Additional-Code/bulkbuy/pkg/errorbank"
)

// busyRetryAfter is the back-off suggested to schedulers when a trigger cannot run now.
const busyRetryAfter = 30 * time.Second

var httpTracer = otel.Tracer("github.com/Additional-Code/bulkbuy/transport/http/settlement")

// Runner executes settlement stages.
type Runner interface {
	RunStage(ctx context.Context, stage service.Stage) (service.Result, error)
	Run(ctx context.Context, only ...service.Stage) ([]service.Result, error)
}

// Module wires HTTP settlement triggers.
var Module = fx.Options(
	fx.Provide(func(p *service.Pipeline) Runner { return p }),
	fx.Provide(NewHandler),
	fx.Invoke(func(e *echo.Echo, h *Handler) {
		Register(e, h)
	}),
)

// Handler exposes one idempotent GET trigger per settlement stage.
type Handler struct {
	runner Runner
}

// NewHandler constructs a settlement Handler.
func NewHandler(runner Runner) *Handler {
	return &Handler{runner: runner}
}

// Register routes with provided Echo instance.
func Register(e *echo.Echo, h *Handler) {
	g := e.Group("/settlement")
	g.GET("/run", h.runAll)
	g.GET("/:stage", h.runStage)
}

// Triggers outlive the scheduler's HTTP connection so a dropped client does not
// abandon a stage half way.
func detached(c echo.Context) context.Context {
	return context.WithoutCancel(c.Request().Context())
}

func (h *Handler) runStage(c echo.Context) error {
	b := response.New(c)

	stage, err := service.ParseStage(c.Param("stage"))
	if err != nil {
		return b.WithError(errorbank.NotFound("unknown settlement stage", errorbank.WithDetails(map[string]any{
			"stage":  c.Param("stage"),
			"stages": stageNames(),
		}))).Build()
	}

	ctx, span := httpTracer.Start(detached(c), "settlement.runStage", trace.WithAttributes(attribute.String("stage", string(stage))))
	defer span.End()

	res, err := h.runner.RunStage(ctx, stage)
	if err != nil {
		span.RecordError(err)
		return b.WithError(toAppError(err)).Build()
	}
	return b.WithData(toDTO(res)).Build()
}

func (h *Handler) runAll(c echo.Context) error {
	b := response.New(c)

	ctx, span := httpTracer.Start(detached(c), "settlement.run")
	defer span.End()

	results, err := h.runner.Run(ctx)
	if err != nil {
		span.RecordError(err)
		return b.WithError(toAppError(err)).Build()
	}

	out := make([]dto.StageResponse, 0, len(results))
	for _, res := range results {
		out = append(out, toDTO(res))
	}
	return b.WithData(out).Build()
}

func toAppError(err error) error {
	switch {
	case errors.Is(err, service.ErrPipelineBusy):
		return errorbank.Conflict("settlement pipeline already running",
			errorbank.WithCause(err), errorbank.WithRetryAfter(busyRetryAfter))
	case errors.Is(err, service.ErrUnknownStage):
		return errorbank.NotFound("unknown settlement stage", errorbank.WithCause(err))
	case errors.Is(err, context.DeadlineExceeded):
		return errorbank.Unavailable("settlement stage timed out",
			errorbank.WithCause(err), errorbank.WithRetryAfter(busyRetryAfter))
	default:
		return errorbank.Internal("settlement stage failed", errorbank.WithCause(err))
	}
}

func stageNames() []string {
	stages := service.Stages()
	names := make([]string, 0, len(stages))
	for _, st := range stages {
		names = append(names, string(st))
	}
	return names
}

func toDTO(res service.Result) dto.StageResponse {
	return dto.StageResponse{
		Stage:     string(res.Stage),
		Processed: res.Processed,
		Skipped:   res.Skipped,
		Failed:    res.Failed,
	}
}
