package exception

import "github.com/yanun0323/errors"

var (
	ErrLedgerUnknownOrder    = errors.New("ledger: unknown order")
	ErrLedgerDuplicateOrder  = errors.New("ledger: order already exists")
	ErrLedgerStaleVersion    = errors.New("ledger: stale order version")
	ErrLedgerInvalidFill     = errors.New("ledger: invalid fill")
	ErrLedgerEquityInvariant = errors.New("ledger: equity invariant violated")
	ErrLedgerInconsistent    = errors.New("ledger: replayed state differs from incremental state")
	ErrLedgerClosed          = errors.New("ledger: closed")
)
