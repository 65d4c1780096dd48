// tradectl drives the trader's operator API and feeds external events.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tradecore/internal/feed"
	"tradecore/internal/schema"
)

var (
	serverAddr string
	operator   string
	approver   string
	idemKey    string
	reason     string
	timeout    time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "tradectl",
		Short:         "Operate a running trader",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "http://localhost:8080", "Trader HTTP address")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(controlCmd(schema.CommandPause, "Stop admitting new intents"))
	rootCmd.AddCommand(controlCmd(schema.CommandResume, "Resume admitting intents"))
	rootCmd.AddCommand(controlCmd(schema.CommandFlatten, "Close every position, then pause"))
	rootCmd.AddCommand(controlCmd(schema.CommandKill, "Stop trading permanently"))
	rootCmd.AddCommand(getCmd("status", "Show the trading status", "/control/status"))
	rootCmd.AddCommand(getCmd("metrics", "Show metrics", "/metrics"))
	rootCmd.AddCommand(getCmd("positions", "Show ledger positions", "/ledger/positions"))
	rootCmd.AddCommand(ordersCmd())
	rootCmd.AddCommand(emitCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func controlCmd(kind schema.CommandKind, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(kind),
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			key := idemKey
			if key == "" {
				key = uuid.NewString()
			}
			c := newClient(serverAddr, timeout)
			return c.control(cmd.Context(), cmd.OutOrStdout(), kind, operator, approver, key, reason)
		},
	}
	cmd.Flags().StringVarP(&operator, "operator", "o", os.Getenv("USER"), "Operator identity")
	cmd.Flags().StringVarP(&idemKey, "key", "k", "", "Idempotency key (default: random)")
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded in the audit log")
	if kind.RequiresApproval() {
		cmd.Flags().StringVarP(&approver, "approver", "a", "", "Second operator approving the command")
		_ = cmd.MarkFlagRequired("approver")
	}
	return cmd
}

func getCmd(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(serverAddr, timeout).get(cmd.Context(), cmd.OutOrStdout(), path, nil)
		},
	}
}

func ordersCmd() *cobra.Command {
	var symbol, venueName, status, from, to string
	var limit int
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "List ledger orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := map[string]string{
				"symbol": symbol,
				"venue":  venueName,
				"status": status,
				"from":   from,
				"to":     to,
			}
			if limit > 0 {
				query["limit"] = fmt.Sprint(limit)
			}
			return newClient(serverAddr, timeout).get(cmd.Context(), cmd.OutOrStdout(), "/ledger/orders", query)
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "Filter by symbol")
	cmd.Flags().StringVar(&venueName, "venue", "", "Filter by venue")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&from, "from", "", "Lower bound (RFC 3339 or unix ms)")
	cmd.Flags().StringVar(&to, "to", "", "Upper bound (RFC 3339 or unix ms)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum rows")
	return cmd
}

func emitCmd() *cobra.Command {
	var socket string
	var ev schema.ExternalEvent
	cmd := &cobra.Command{
		Use:   "emit-event",
		Short: "Send an external event to the trader's event socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			ev.Timestamp = time.Now().UTC()
			if err := feed.SendEvents(cmd.Context(), socket, ev); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s/%s score=%g\n", ev.Kind, ev.Symbol, ev.Score)
			return nil
		},
	}
	cmd.Flags().StringVar(&socket, "socket", "/tmp/tradecore-events.sock", "Event socket path")
	cmd.Flags().StringVar(&ev.Source, "source", "tradectl", "Event source")
	cmd.Flags().StringVar(&ev.Symbol, "symbol", "", "Symbol")
	cmd.Flags().StringVar(&ev.Kind, "kind", "", "Event kind")
	cmd.Flags().Float64Var(&ev.Score, "score", 0, "Signed event score")
	cmd.Flags().StringVar(&ev.Payload, "payload", "", "Free-form payload")
	_ = cmd.MarkFlagRequired("symbol")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}
