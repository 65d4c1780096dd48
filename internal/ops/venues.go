package ops

import (
	"context"
	"time"

	"github.com/yanun0323/errors"

	"tradecore/internal/ledger"
	"tradecore/internal/schema"
	"tradecore/internal/venue"
	"tradecore/internal/venue/chaos"
	"tradecore/internal/venue/paper"
	"tradecore/internal/venue/rest"
)

// Venues holds the built venue clients. Paper keeps the simulated venues so
// market ticks can move their marks.
type Venues struct {
	Set   *venue.Set
	Paper map[string]*paper.Venue
}

// BuildVenues creates a client per configured venue, wrapping it with fault
// injection when the venue has a chaos section.
func BuildVenues(cfgs []VenueConfig, reg *schema.Registry) (Venues, error) {
	out := Venues{Paper: make(map[string]*paper.Venue)}
	clients := make([]venue.Client, 0, len(cfgs))
	for _, cfg := range cfgs {
		var client venue.Client
		switch cfg.Kind {
		case VenueREST:
			client = rest.New(rest.Config{
				Name:    cfg.Name,
				BaseURL: cfg.BaseURL,
				APIKey:  cfg.APIKey,
				Secret:  cfg.Secret,
				Timeout: cfg.Timeout.Std(),
			})
		default:
			p := paper.New(paper.Config{
				Name:        cfg.Name,
				FeeBps:      cfg.FeeBps,
				InitialCash: cfg.InitialCash,
				Symbols:     symbolsOn(reg, cfg.Name),
			})
			out.Paper[cfg.Name] = p
			client = p
		}
		if cfg.Chaos != nil {
			wrapped, err := chaos.Wrap(client, cfg.Chaos.Resolve())
			if err != nil {
				return Venues{}, errors.Wrapf(err, "venue %s", cfg.Name)
			}
			client = wrapped
		}
		clients = append(clients, client)
	}
	out.Set = venue.NewSet(clients...)
	return out, nil
}

func symbolsOn(reg *schema.Registry, venueName string) []string {
	var names []string
	for _, sym := range reg.Symbols() {
		if sym.Venue == venueName {
			names = append(names, sym.Name)
		}
	}
	return names
}

// SeedCapital deposits each venue's initial cash into an empty ledger so the
// ledger starts in agreement with the venues.
func SeedCapital(ctx context.Context, l *ledger.Ledger, cfgs []VenueConfig, now time.Time) error {
	if l.Seq() != 0 {
		return nil
	}
	for _, cfg := range cfgs {
		if !cfg.InitialCash.IsPositive() {
			continue
		}
		err := l.Deposit(ctx, schema.Deposit{
			Venue:  cfg.Name,
			Amount: cfg.InitialCash,
			At:     now,
			Note:   "initial capital",
		})
		if err != nil {
			return errors.Wrapf(err, "seed %s", cfg.Name)
		}
	}
	return nil
}
