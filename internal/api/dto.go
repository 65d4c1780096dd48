package api

import (
	"time"

	"tradecore/internal/control"
	"tradecore/internal/schema"
)

// Header names of the control endpoints.
const (
	HeaderOperator       = "X-Operator-ID"
	HeaderApprover       = "X-Approver-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// ControlRequest is the body of a control command.
type ControlRequest struct {
	Reason string `json:"reason"`
}

// ControlResponse reports the state after a control command.
type ControlResponse struct {
	Command    schema.CommandKind      `json:"command"`
	Status     schema.TradingStatus    `json:"status"`
	Version    uint64                  `json:"version"`
	Outcome    control.Outcome         `json:"outcome"`
	Flatten    []control.FlattenResult `json:"flatten,omitempty"`
	Incomplete bool                    `json:"incomplete,omitempty"`
}

// StatusResponse is the current control state.
type StatusResponse struct {
	Status    schema.TradingStatus `json:"status"`
	Version   uint64               `json:"version"`
	ChangedAt time.Time            `json:"changed_at"`
	Actor     string               `json:"actor"`
	Reason    string               `json:"reason,omitempty"`
}

// PositionsResponse lists positions with the portfolio totals.
type PositionsResponse struct {
	Positions []schema.Position `json:"positions"`
	Cash      string            `json:"cash"`
	Equity    string            `json:"equity"`
	Exposure  string            `json:"gross_exposure"`
	Seq       uint64            `json:"seq"`
}

// OrdersResponse lists orders.
type OrdersResponse struct {
	Orders []schema.Order `json:"orders"`
}

// FillsResponse lists fills.
type FillsResponse struct {
	Fills []schema.Fill `json:"fills"`
}

// EquityResponse lists equity snapshots.
type EquityResponse struct {
	Snapshots []schema.EquitySnapshot `json:"snapshots"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newControlResponse(r control.Result) ControlResponse {
	return ControlResponse{
		Command:    r.Command,
		Status:     r.Status,
		Version:    r.Version,
		Outcome:    r.Outcome,
		Flatten:    r.Flatten,
		Incomplete: r.Incomplete,
	}
}

func newStatusResponse(s control.State) StatusResponse {
	return StatusResponse{
		Status:    s.Status,
		Version:   s.Version,
		ChangedAt: s.ChangedAt,
		Actor:     s.Actor,
		Reason:    s.Reason,
	}
}
