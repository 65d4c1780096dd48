package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/internal/codec"
	"tradecore/internal/ledger"
	"tradecore/internal/ops"
	"tradecore/internal/recorder"
	"tradecore/internal/schema"
)

func main() {
	configPath := flag.String("config", "", "Trader config; selects the journal backend")
	dir := flag.String("dir", "", "WAL directory (overrides config)")
	decode := flag.Bool("decode", false, "Decode record payloads")
	verify := flag.Bool("verify", true, "Rebuild the ledger and verify its invariants")
	flag.Parse()

	spec, err := journalSpec(*configPath, *dir)
	if err != nil {
		logs.Errorf("replay: %+v", err)
		os.Exit(1)
	}
	if err := run(context.Background(), os.Stdout, spec, *decode, *verify); err != nil {
		logs.Errorf("replay: %+v", err)
		os.Exit(1)
	}
}

func journalSpec(configPath, dir string) (ops.LedgerSpec, error) {
	if dir != "" {
		return ops.LedgerSpec{Store: ops.StoreWAL, WAL: recorder.DefaultConfig(dir)}, nil
	}
	if configPath == "" {
		return ops.LedgerSpec{}, errors.New("either -config or -dir is required")
	}
	loaded, err := ops.Load(configPath)
	if err != nil {
		return ops.LedgerSpec{}, err
	}
	return loaded.Ledger, nil
}

func run(ctx context.Context, out io.Writer, spec ops.LedgerSpec, decode, verify bool) error {
	journal, err := ops.OpenJournal(ctx, spec)
	if err != nil {
		return err
	}

	counts := make(map[schema.EventType]int)
	err = journal.Replay(ctx, func(rec ledger.Record) error {
		counts[rec.Type]++
		fmt.Fprintf(out, "%06d %s at=%s len=%d\n", rec.Seq, rec.Type, rec.At.Format("2006-01-02T15:04:05.000Z07:00"), len(rec.Payload))
		if decode {
			printDecoded(out, rec)
		}
		return nil
	})
	if err != nil {
		_ = journal.Close()
		return err
	}
	fmt.Fprintf(out, "records: order=%d fill=%d deposit=%d equity=%d control=%d\n",
		counts[schema.EventOrder], counts[schema.EventFill], counts[schema.EventDeposit], counts[schema.EventEquity], counts[schema.EventControl])

	if !verify {
		return journal.Close()
	}
	// an empty journal must stay empty
	accounting := spec.Accounting
	accounting.InitialCash = decimal.Zero
	l, err := ledger.Open(ctx, journal, accounting)
	if err != nil {
		_ = journal.Close()
		return err
	}
	defer l.Close()

	snap := l.Snapshot()
	for _, pos := range snap.Positions {
		fmt.Fprintf(out, "position %s/%s qty=%s avg=%s realized=%s\n", pos.Venue, pos.Symbol, pos.Quantity, pos.AverageEntryPrice, pos.RealizedPnL)
	}
	fmt.Fprintf(out, "cash=%s fees=%s realized=%s equity=%s open=%d pending_unknown=%d\n",
		snap.Cash, snap.Fees, snap.Realized, snap.Equity, snap.OpenOrders, snap.PendingUnknown)
	if err := l.Verify(); err != nil {
		return err
	}
	fmt.Fprintln(out, "verify: ok")
	return nil
}

func printDecoded(out io.Writer, rec ledger.Record) {
	var (
		v   any
		err error
	)
	switch rec.Type {
	case schema.EventOrder:
		v, err = codec.DecodeOrder(rec.Payload)
	case schema.EventFill:
		v, err = codec.DecodeFill(rec.Payload)
	case schema.EventDeposit:
		v, err = codec.DecodeDeposit(rec.Payload)
	case schema.EventEquity:
		v, err = codec.DecodeEquity(rec.Payload)
	case schema.EventControl:
		v, err = codec.DecodeControl(rec.Payload)
	default:
		return
	}
	if err != nil {
		fmt.Fprintf(out, "  decode %s failed: %v\n", rec.Type, err)
		return
	}
	fmt.Fprintf(out, "  %+v\n", v)
}
