// Package services implements the ledger operations: movements, allocations,
// balances, reconciliation and summaries, on top of the SQLite repository.
package services

import (
	"errors"
	"time"

	"cardledger/internal/cache"
	"cardledger/internal/core"
	appLog "cardledger/internal/log"
	"cardledger/internal/storage"
)

// Options configures NewLedger. Zero values select the defaults.
type Options struct {
	Events    EventPublisher
	CacheSize int
	CacheTTL  time.Duration
	Logger    *appLog.Logger
}

// Ledger wires the services around one repository. All of them share the
// same card locks and balance cache.
type Ledger struct {
	Directory   *DirectoryService
	Movements   *MovementService
	Allocations *AllocationService
	Balances    *BalanceService
	Reconciler  *Reconciler
	Summary     *SummaryService

	Cache *cache.LRUCache[core.Money]
}

func NewLedger(repo *storage.SQLiteRepository, opts Options) *Ledger {
	if opts.Logger == nil {
		opts.Logger = appLog.Default()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 512
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}

	locks := newCardLocks()
	debts := cache.NewLRUCache[core.Money](opts.CacheSize, opts.CacheTTL)
	ev := events{pub: opts.Events, logger: opts.Logger.WithComponent(appLog.ComponentAMQP)}

	balances := NewBalanceService(repo, locks, debts, opts.Logger)
	return &Ledger{
		Directory:   NewDirectoryService(repo, locks, balances, opts.Logger),
		Movements:   NewMovementService(repo, locks, balances, ev, opts.Logger),
		Allocations: NewAllocationService(repo, locks, ev, opts.Logger),
		Balances:    balances,
		Reconciler:  NewReconciler(repo, locks, ev, opts.Logger),
		Summary:     NewSummaryService(repo, opts.Logger),
		Cache:       debts,
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, core.ErrNotFound)
}
