package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Additional-Code/bulkbuy/internal/config"
	"github.com/Additional-Code/bulkbuy/internal/observability"
	"github.com/Additional-Code/bulkbuy/internal/presentation/http/response"
	"github.com/Additional-Code/bulkbuy/internal/service/settlement"
	"github.com/Additional-Code/bulkbuy/pkg/errorbank"
)

// Module exposes the HTTP server lifecycle to Fx.
var Module = fx.Module("http_server",
	fx.Provide(NewEcho),
	fx.Invoke(Run),
)

// Params defines dependencies for the Echo router.
type Params struct {
	fx.In

	Config        config.Config
	Observability *observability.Manager `optional:"true"`
	Health        *health.Server         `optional:"true"`
	Logger        *zap.Logger
}

// NewEcho configures the Echo router with request ids, recovery and tracing.
func NewEcho(p Params) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(p.Logger)

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	if p.Observability != nil && p.Observability.TracingEnabled() {
		e.Use(otelecho.Middleware(p.Config.Observability.ServiceName))
	}

	e.GET("/health", healthHandler(p.Health))

	if p.Observability != nil && p.Observability.MetricsHandler() != nil {
		e.GET(p.Config.Observability.PrometheusPath, echo.WrapHandler(p.Observability.MetricsHandler()))
	}

	return e
}

// healthHandler reports liveness plus the outcome of the last settlement run.
func healthHandler(hs *health.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		body := map[string]string{"status": "ok"}
		if hs != nil {
			res, err := hs.Check(c.Request().Context(), &healthpb.HealthCheckRequest{Service: settlement.HealthService})
			switch {
			case err != nil:
				body["settlement"] = healthpb.HealthCheckResponse_UNKNOWN.String()
			default:
				body["settlement"] = res.GetStatus().String()
			}
		}
		return c.JSON(http.StatusOK, body)
	}
}

// errorHandler renders routing and handler errors in the shared response envelope.
func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var appErr error = err
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			msg := fmt.Sprint(httpErr.Message)
			switch httpErr.Code {
			case http.StatusNotFound, http.StatusMethodNotAllowed:
				appErr = errorbank.NotFound(msg)
			case http.StatusBadRequest:
				appErr = errorbank.BadRequest(msg)
			case http.StatusServiceUnavailable:
				appErr = errorbank.Unavailable(msg)
			}
		}

		logger.Warn("http request failed",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			zap.Error(err),
		)
		if buildErr := response.New(c).WithError(appErr).Build(); buildErr != nil {
			logger.Error("write error response failed", zap.Error(buildErr))
		}
	}
}

// Run starts the HTTP server and ties it to the Fx lifecycle.
func Run(lc fx.Lifecycle, cfg config.Config, e *echo.Echo, logger *zap.Logger) {
	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	server := &http.Server{Addr: addr, Handler: e}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting HTTP server", zap.String("addr", addr))
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping HTTP server")
			return server.Shutdown(ctx)
		},
	})
}
