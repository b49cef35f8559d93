package order

import (
	"strconv"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"

	"github.com/Additional-Code/bulkbuy/internal/dto"
	"github.com/Additional-Code/bulkbuy/internal/presentation/http/response"
	service "github.com/Additional-Code/bulkbuy/internal/service/order"
	"github.com/Additional-Code/bulkbuy/pkg/errorbank"
)

var httpTracer = otel.Tracer("github.com/Additional-Code/bulkbuy/transport/http/order")

// Module wires the read-only order endpoints.
var Module = fx.Options(
	fx.Provide(NewHandler),
	fx.Invoke(Register),
)

// Handler exposes the order read model over HTTP.
type Handler struct {
	svc *service.Service
}

// NewHandler constructs an order Handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

// Register routes with provided Echo group.
func Register(e *echo.Echo, h *Handler) {
	g := e.Group("/orders")
	g.GET("/:id", h.getByID)
}

func (h *Handler) getByID(c echo.Context) error {
	b := response.New(c)

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return b.WithError(errorbank.BadRequest("invalid id", errorbank.WithCause(err))).Build()
	}
	if id <= 0 {
		return b.WithError(errorbank.Unprocessable("order id must be positive", errorbank.WithDetail("id", id))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.getByID", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	view, err := h.svc.Get(ctx, id)
	if err != nil {
		return b.WithError(err).Build()
	}

	return b.WithData(toDTO(view)).Build()
}

func toDTO(view *service.View) dto.OrderResponse {
	o := view.Order
	payments := make([]dto.PaymentResponse, 0, len(view.Payments))
	for _, p := range view.Payments {
		payments = append(payments, dto.PaymentResponse{
			ID:            p.ID,
			UserID:        p.UserID,
			Amount:        p.Amount.StringFixed(2),
			Status:        string(p.Status),
			FailureReason: p.FailureReason,
		})
	}
	return dto.OrderResponse{
		ID:                o.ID,
		TeamID:            o.TeamID,
		Status:            string(o.Status),
		MinimumThreshold:  o.MinimumThreshold.StringFixed(2),
		AccumulatedAmount: o.AccumulatedAmount.StringFixed(2),
		CapturedAmount:    view.Captured.StringFixed(2),
		Deadline:          o.Deadline,
		DeliveryDate:      o.DeliveryDate,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
		Payments:          payments,
	}
}
