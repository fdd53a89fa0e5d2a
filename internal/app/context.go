package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"paysync/internal/config"
	"paysync/internal/engine"
	"paysync/internal/repo"
)

// ResolveLedger picks the active ledger: the override first, then the ledger
// named in config, then the only ledger in the database. A ledger described by
// config but missing from the database is initialized from config.
// The returned config is never nil.
func ResolveLedger(ctx context.Context, eng engine.Engine, cfg *config.Config, override string) (string, *config.Config, error) {
	ledgerID := strings.TrimSpace(override)
	if ledgerID == "" && cfg != nil {
		ledgerID = cfg.Ledger.ID
	}
	if ledgerID == "" {
		l, err := eng.Repo.SingleLedger(ctx)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", nil, fmt.Errorf("ledger not specified; use --ledger or create one with paysync ledger create")
			}
			return "", nil, err
		}
		ledgerID = l.ID
	}

	l, err := eng.Repo.GetLedger(ctx, ledgerID)
	switch {
	case err == nil:
	case errors.Is(err, repo.ErrNotFound) && seedsLedger(cfg, ledgerID):
		l, err = eng.InitLedger(ctx, engine.InitOptions{
			LedgerID:     ledgerID,
			Owner:        cfg.Ledger.Owner,
			AcceptedUnit: cfg.Ledger.AcceptedUnit,
			Handlers:     cfg.Ledger.Handlers,
			Processors:   cfg.Ledger.Processors,
			Template:     cfg.Factory.Template,
		})
		if err != nil {
			return "", nil, fmt.Errorf("seed ledger %s from config: %w", ledgerID, err)
		}
	default:
		return "", nil, fmt.Errorf("ledger %s: %w", ledgerID, err)
	}

	if cfg == nil || cfg.Ledger.ID != ledgerID {
		seeded := config.Default(l.ID, l.OwnerID, l.AcceptedUnit)
		if cfg != nil {
			seeded.Settlement = cfg.Settlement
			seeded.Factory = cfg.Factory
			seeded.Webhooks = cfg.Webhooks
			seeded.Log = cfg.Log
		}
		cfg = seeded
	}
	return ledgerID, cfg, nil
}

func seedsLedger(cfg *config.Config, ledgerID string) bool {
	return cfg != nil && cfg.Ledger.ID == ledgerID && strings.TrimSpace(cfg.Ledger.Owner) != ""
}
