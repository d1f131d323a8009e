package payment

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/gateway"
	"github.com/clinic/clinic/pkg/pagination"
)

const maxWebhookBody = 1 << 16

type Handler struct {
	repo     Repository
	engine   *Engine
	ingestor *Ingestor
	verifier gateway.WebhookVerifier
}

func NewHandler(repo Repository, engine *Engine, ingestor *Ingestor, verifier gateway.WebhookVerifier) *Handler {
	return &Handler{repo: repo, engine: engine, ingestor: ingestor, verifier: verifier}
}

// RegisterRoutes mounts staff endpoints on api and processor-facing
// endpoints on public.
func (h *Handler) RegisterRoutes(api *echo.Group, public *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "receptionist", "doctor"))
	read.GET("/payments", h.ListPayments)
	read.GET("/payments/:id", h.GetPayment)
	read.GET("/appointments/:id/payments", h.ListAppointmentPayments)

	write := api.Group("", auth.RequireRole("admin", "receptionist"))
	write.POST("/payments/:id/renew", h.RenewPayment)

	admin := api.Group("", auth.RequireRole("admin"))
	admin.POST("/payments/:id/refund", h.RefundPayment)

	public.GET("/payments/success", h.Success)
	public.GET("/payments/cancel", h.Cancel)
	public.POST("/payments/webhook", h.Webhook)
}

func (h *Handler) ListPayments(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := map[string]string{}
	if v := c.QueryParam("appointment_id"); v != "" {
		if _, err := uuid.Parse(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid appointment_id")
		}
		params["appointment_id"] = v
	}
	if v := c.QueryParam("status"); v != "" {
		s, err := ParseStatus(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		params["status"] = string(s)
	}
	if v := c.QueryParam("purpose"); v != "" {
		p, err := ParsePurpose(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		params["purpose"] = string(p)
	}
	items, total, err := h.repo.Search(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetPayment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.repo.GetByID(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListAppointmentPayments(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.repo.ListByAppointment(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*Payment{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) RenewPayment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.engine.Renew(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type refundRequest struct {
	Percentage int `json:"percentage"`
}

func (h *Handler) RefundPayment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req refundRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Percentage == 0 {
		req.Percentage = 100
	}
	p, err := h.engine.Refund(c.Request().Context(), id, req.Percentage)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// Success is where the processor redirects a patient after checkout.
func (h *Handler) Success(c echo.Context) error {
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}
	p, err := h.engine.Confirm(c.Request().Context(), sessionID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"payment_id": p.ID,
		"status":     p.Status,
		"paid":       p.Status == StatusPaid,
	})
}

// Cancel is where the processor redirects a patient who abandoned checkout.
// The session stays open until it expires or is renewed.
func (h *Handler) Cancel(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"message": "payment was not completed; the payment link stays valid until it expires",
	})
}

func (h *Handler) Webhook(c echo.Context) error {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	ctx := c.Request().Context()
	evt, err := h.verifier.ParseEvent(ctx, payload, c.Request().Header)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidSignature) {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid signature")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.ingestor.Handle(ctx, evt); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]bool{"received": true})
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "payment not found")
	case IsPolicy(err):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNothingToRefund):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case gateway.IsTransient(err):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
