package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/internal/control"
	"tradecore/internal/ledger"
	"tradecore/internal/obs"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

const defaultQueryLimit = 1000

// Controller applies control commands and reports the control state.
type Controller interface {
	Apply(ctx context.Context, cmd schema.ControlCommand) (control.Result, error)
	State() control.State
}

// LedgerReader serves the read endpoints.
type LedgerReader interface {
	Snapshot() ledger.Snapshot
	Orders(q ledger.Query) []schema.Order
	Fills(q ledger.Query) []schema.Fill
	EquitySeries(from, to time.Time) []schema.EquitySnapshot
}

// Handler handles HTTP requests for the operator API.
type Handler struct {
	control Controller
	ledger  LedgerReader
	metrics *obs.Metrics
}

// NewHandler creates a new API handler.
func NewHandler(c Controller, l LedgerReader, metrics *obs.Metrics) *Handler {
	return &Handler{control: c, ledger: l, metrics: metrics}
}

// Control handles POST /control/{pause,resume,flatten,kill}.
func (h *Handler) Control(kind schema.CommandKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ControlRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				writeError(c, errors.Wrapf(exception.ErrInvalidArgument, "request body: %v", err))
				return
			}
		}

		cmd := schema.ControlCommand{
			Command:        kind,
			Actor:          c.GetHeader(HeaderOperator),
			Approver:       c.GetHeader(HeaderApprover),
			IdempotencyKey: c.GetHeader(HeaderIdempotencyKey),
			Reason:         req.Reason,
		}
		res, err := h.control.Apply(c.Request.Context(), cmd)
		if err != nil {
			logs.Warnf("api: %s by %q (key %q) refused: %+v", kind, cmd.Actor, cmd.IdempotencyKey, err)
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, newControlResponse(res))
	}
}

// Status handles GET /control/status.
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, newStatusResponse(h.control.State()))
}

// Metrics handles GET /metrics.
func (h *Handler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.Snapshot())
}

// Positions handles GET /ledger/positions.
func (h *Handler) Positions(c *gin.Context) {
	snap := h.ledger.Snapshot()
	positions := snap.Positions
	if positions == nil {
		positions = []schema.Position{}
	}
	c.JSON(http.StatusOK, PositionsResponse{
		Positions: positions,
		Cash:      snap.Cash.String(),
		Equity:    snap.Equity.String(),
		Exposure:  snap.GrossExposure.String(),
		Seq:       snap.Seq,
	})
}

// Orders handles GET /ledger/orders?symbol=&venue=&status=&from=&to=&limit=.
func (h *Handler) Orders(c *gin.Context) {
	q, err := parseQuery(c)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, OrdersResponse{Orders: h.ledger.Orders(q)})
}

// Fills handles GET /ledger/fills?symbol=&venue=&from=&to=&limit=.
func (h *Handler) Fills(c *gin.Context) {
	q, err := parseQuery(c)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, FillsResponse{Fills: h.ledger.Fills(q)})
}

// Equity handles GET /ledger/equity?from=&to=.
func (h *Handler) Equity(c *gin.Context) {
	q, err := parseQuery(c)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, EquityResponse{Snapshots: h.ledger.EquitySeries(q.From, q.To)})
}

func parseQuery(c *gin.Context) (ledger.Query, error) {
	q := ledger.Query{
		Symbol: c.Query("symbol"),
		Venue:  c.Query("venue"),
		Status: schema.OrderStatus(c.Query("status")),
		Limit:  defaultQueryLimit,
	}
	var err error
	if q.From, err = parseTime(c.Query("from")); err != nil {
		return ledger.Query{}, errors.Wrapf(exception.ErrInvalidArgument, "from: %v", err)
	}
	if q.To, err = parseTime(c.Query("to")); err != nil {
		return ledger.Query{}, errors.Wrapf(exception.ErrInvalidArgument, "to: %v", err)
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return ledger.Query{}, errors.Wrap(exception.ErrInvalidArgument, "to is before from")
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return ledger.Query{}, errors.Wrapf(exception.ErrInvalidArgument, "limit %q", raw)
		}
		q.Limit = n
	}
	return q, nil
}

// parseTime accepts RFC 3339 or unix milliseconds. Empty is an open bound.
func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func writeError(c *gin.Context, err error) {
	status, resp := MapErrorToHTTP(err)
	c.AbortWithStatusJSON(status, resp)
}
