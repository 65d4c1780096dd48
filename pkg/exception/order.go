package exception

import "github.com/yanun0323/errors"

var (
	ErrOrderInvalidIntent = errors.New("order: invalid intent")
	ErrOrderUnknownVenue  = errors.New("order: unknown venue")
	ErrOrderNotFound      = errors.New("order: not found")
	ErrOrderTerminal      = errors.New("order: already terminal")
	ErrOrderNilLedger     = errors.New("order: nil ledger")
	ErrOrderNotAccepted   = errors.New("order: decision is not an acceptance")
)

var (
	ErrPipelineShardBusy = errors.New("pipeline: shard inbox full")
	ErrPipelineClosed    = errors.New("pipeline: closed")
)
