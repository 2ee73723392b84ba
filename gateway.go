// Package creditgw assembles the ten core components (spec.md C1-C10)
// into one running gateway. Gateway is the root type: create one with
// New, point an HTTP or CLI front end at its Pipeline/Accounts/Discounts
// fields, and call Run to start its background tasks (health monitor,
// discount scheduler, selection-tracker cleanup). Grounded on the
// teacher's aigateway.Gateway entry point (gateway.go): "create one with
// New, register providers ..., route requests with Route" becomes
// "create one with New, seed providers/models from Config, route
// requests through Pipeline".
package creditgw

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ferro-labs/creditgw/account"
	"github.com/ferro-labs/creditgw/balancer"
	"github.com/ferro-labs/creditgw/catalog"
	"github.com/ferro-labs/creditgw/directory"
	"github.com/ferro-labs/creditgw/discount"
	"github.com/ferro-labs/creditgw/health"
	"github.com/ferro-labs/creditgw/ledger"
	"github.com/ferro-labs/creditgw/orchestrator"
	"github.com/ferro-labs/creditgw/registry"
	"github.com/ferro-labs/creditgw/screener"
	"github.com/ferro-labs/creditgw/secret"
	"github.com/ferro-labs/creditgw/subprovider"
)

// selectionHistoryCleanupInterval is the cadence named in spec.md §9's
// background-task table for SelectionTracker.Cleanup.
const selectionHistoryCleanupInterval = 60 * time.Second

// Gateway wires every component together. Its exported fields are the
// assembled collaborators an HTTP or CLI front end needs directly;
// Pipeline is the one a request handler calls into for every capability.
type Gateway struct {
	Config      Config
	Pipeline    *orchestrator.Pipeline
	Accounts    account.Store
	Discounts   *discount.Scheduler
	Health      *health.Monitor
	Tracker     *balancer.SelectionTracker
	Directory   *directory.Directory
	Registry    *registry.Registry
	AccountDB   *account.SQLStore
	LedgerDB    *ledger.SQLStore
	DirectoryDB *directory.SQLStore
	DiscountDB  *discount.SQLStore
	Log         *slog.Logger
}

// New builds a Gateway from cfg: opens the storage dialect it names,
// loads the catalog and directory from cfg's model/provider lists,
// registers the adapter factories reg already knows about, and wires the
// orchestrator Pipeline and its sibling background components.
// Adapter factories are registered by the caller (cmd/gatewayd) before
// New is called, so Gateway itself never imports a concrete adapter.
func New(cfg Config, reg *registry.Registry, keyring secret.Keyring, log *slog.Logger) (*Gateway, error) {
	if log == nil {
		log = slog.Default()
	}

	cat, err := buildCatalog(cfg.Models)
	if err != nil {
		return nil, fmt.Errorf("creditgw: build catalog: %w", err)
	}

	accountDB, ledgerDB, directoryDB, discountDB, err := openStores(cfg.Storage)
	if err != nil {
		return nil, err
	}

	dir := directory.New(keyring)
	if err := seedDirectory(dir, directoryDB, cfg, keyring); err != nil {
		return nil, fmt.Errorf("creditgw: seed directory: %w", err)
	}

	accounts := account.Store{Repo: accountDB}
	led := ledger.New(ledgerDB)
	bal := balancer.New()
	tracker := balancer.NewSelectionTracker()

	scr := screener.New(bal, tracker, reg, dir, dir)

	discounts := discount.New(discountDB, accounts, cat, cfg.Discount.CheckInterval, cfg.Discount.Duration)
	lookup := discount.Lookup{Repo: discountDB}

	hm := health.New(dir.Groups, log)

	pipe := &orchestrator.Pipeline{
		Catalog:     cat,
		Ledger:      led,
		Screener:    scr,
		Balancer:    bal,
		Tracker:     tracker,
		Registry:    reg,
		Candidates:  dir,
		Credentials: dir,
		SubStates:   dir,
		ProvStates:  dir,
		Discounts:   lookup,
		Disabler:    accounts,
		Log:         log,
	}

	return &Gateway{
		Config:      cfg,
		Pipeline:    pipe,
		Accounts:    accounts,
		Discounts:   discounts,
		Health:      hm,
		Tracker:     tracker,
		Directory:   dir,
		Registry:    reg,
		AccountDB:   accountDB,
		LedgerDB:    ledgerDB,
		DirectoryDB: directoryDB,
		DiscountDB:  discountDB,
		Log:         log,
	}, nil
}

func buildCatalog(models []ModelConfig) (catalog.Catalog, error) {
	built := make([]catalog.Model, 0, len(models))
	for _, m := range models {
		model, err := catalog.NewModel(m.ID, m.OwnedBy, m.Endpoints, m.PlanAccess,
			catalog.CostType(m.CostType), m.BaseCost, m.Multiplier, m.SupportsStreaming, m.SupportsToolCalling)
		if err != nil {
			return catalog.Catalog{}, err
		}
		built = append(built, model)
	}
	return catalog.New(built)
}

func openStores(sc StorageConfig) (*account.SQLStore, *ledger.SQLStore, *directory.SQLStore, *discount.SQLStore, error) {
	switch sc.Dialect {
	case "postgres":
		accountDB, err := account.NewPostgresStore(sc.DSN)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("creditgw: open postgres account store: %w", err)
		}
		ledgerDB, err := ledger.NewPostgresStore(sc.DSN)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("creditgw: open postgres ledger store: %w", err)
		}
		directoryDB, err := directory.NewPostgresStore(sc.DSN)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("creditgw: open postgres directory store: %w", err)
		}
		discountDB, err := discount.NewPostgresStore(sc.DSN)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("creditgw: open postgres discount store: %w", err)
		}
		return accountDB, ledgerDB, directoryDB, discountDB, nil
	default:
		accountDB, err := account.NewSQLiteStore(sc.DSN)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("creditgw: open sqlite account store: %w", err)
		}
		ledgerDB, err := ledger.NewSQLiteStore(sc.DSN)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("creditgw: open sqlite ledger store: %w", err)
		}
		directoryDB, err := directory.NewSQLiteStore(sc.DSN)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("creditgw: open sqlite directory store: %w", err)
		}
		discountDB, err := discount.NewSQLiteStore(sc.DSN)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("creditgw: open sqlite discount store: %w", err)
		}
		return accountDB, ledgerDB, directoryDB, discountDB, nil
	}
}

func seedDirectory(dir *directory.Directory, db *directory.SQLStore, cfg Config, keyring secret.Keyring) error {
	ctx := context.Background()
	for _, p := range cfg.Providers {
		pc := directory.ProviderConfig{
			ID:                p.ID,
			Name:              p.Name,
			BaseURL:           p.BaseURL,
			Timeout:           time.Duration(p.TimeoutMS) * time.Millisecond,
			SupportedModels:   p.SupportedModels,
			Features:          p.Features,
			NeedsSubProviders: p.NeedsSubProviders,
		}
		if err := db.UpsertProvider(ctx, pc); err != nil {
			return err
		}
		for _, sp := range p.SubProviders {
			enc, err := secret.Seal(keyring, sp.MasterKeyRef, []byte(sp.APIKeyPlaintext))
			if err != nil {
				return fmt.Errorf("seal credential for sub-provider %q: %w", sp.ID, err)
			}
			sc := directory.SubProviderConfig{
				ID:              sp.ID,
				ProviderID:      p.ID,
				EncryptedAPIKey: enc,
				ModelMapping:    sp.ModelMapping,
				IsVerified:      sp.IsVerified,
				Enabled:         sp.Enabled,
				Limits: subprovider.Limits{
					MaxRequestsPerMinute:  sp.MaxRequestsPerMinute,
					MaxRequestsPerHour:    sp.MaxRequestsPerHour,
					MaxTokensPerMinute:    sp.MaxTokensPerMinute,
					MaxConcurrentRequests: sp.MaxConcurrentRequests,
				},
			}
			if err := db.UpsertSubProvider(ctx, sc); err != nil {
				return err
			}
		}
	}
	return dir.LoadFromStore(ctx, db)
}

// Run starts the gateway's background tasks: the health monitor's 10s
// tick, the discount scheduler's CET-window check, and the selection
// tracker's 60s history cleanup (spec.md §9). It blocks until ctx is
// canceled.
func (g *Gateway) Run(ctx context.Context) {
	if g.Config.Health.AutoRecoveryEnabled {
		go g.Health.Run(ctx)
	}
	go g.Discounts.Run(ctx)
	go g.runTrackerCleanup(ctx)
	<-ctx.Done()
}

func (g *Gateway) runTrackerCleanup(ctx context.Context) {
	ticker := time.NewTicker(selectionHistoryCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Tracker.Cleanup()
		}
	}
}

// Close releases the gateway's storage handles.
func (g *Gateway) Close() error {
	var first error
	for _, closer := range []func() error{g.AccountDB.Close, g.LedgerDB.Close, g.DirectoryDB.Close, g.DiscountDB.Close} {
		if err := closer(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
