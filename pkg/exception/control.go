package exception

import "github.com/yanun0323/errors"

var (
	ErrControlMissingActor        = errors.New("control: missing operator identity")
	ErrControlMissingKey          = errors.New("control: missing idempotency key")
	ErrControlUnknownCommand      = errors.New("control: unknown command")
	ErrControlApproverRequired    = errors.New("control: approver required")
	ErrControlApproverIsActor     = errors.New("control: approver must differ from actor")
	ErrControlIdempotencyConflict = errors.New("control: idempotency key reused with a different command")
	ErrControlInvalidTransition   = errors.New("control: invalid status transition")
	ErrControlKilled              = errors.New("control: trading is killed")
)
