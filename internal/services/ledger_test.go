package services

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"cardledger/internal/amqp"
	"cardledger/internal/core"
	appLog "cardledger/internal/log"
	"cardledger/internal/storage"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*amqp.LedgerEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e *amqp.LedgerEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) types() []amqp.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]amqp.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func (p *recordingPublisher) last() *amqp.LedgerEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return nil
	}
	return p.events[len(p.events)-1]
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

type testEnv struct {
	t      *testing.T
	ctx    context.Context
	repo   *storage.SQLiteRepository
	raw    *sql.DB
	ledger *Ledger
	pub    *recordingPublisher

	ana  core.Person
	beto core.Person
	card CardDetails
	shop core.Establishment
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	repo, err := storage.NewSQLiteRepository(path)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	raw, err := sql.Open("sqlite", storage.DSN(path))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	pub := &recordingPublisher{}
	env := &testEnv{
		t:      t,
		ctx:    context.Background(),
		repo:   repo,
		raw:    raw,
		ledger: NewLedger(repo, Options{Events: pub, Logger: appLog.Discard()}),
		pub:    pub,
	}

	dir := env.ledger.Directory
	env.ana, err = dir.CreatePerson(env.ctx, core.Person{Name: "Ana", Active: true})
	require.NoError(t, err)
	env.beto, err = dir.CreatePerson(env.ctx, core.Person{Name: "Beto", Active: true})
	require.NoError(t, err)
	env.card, err = dir.CreateCard(env.ctx, core.Card{
		Number:      "4111 1111 1111 1111",
		Bank:        "BancoSol",
		HolderID:    &env.ana.ID,
		ExpiresOn:   core.NewDate(2030, 12, 31),
		CreditLimit: core.Money{Cents: 500000},
		Active:      true,
	}, []int64{env.ana.ID, env.beto.ID})
	require.NoError(t, err)
	env.shop, err = dir.CreateEstablishment(env.ctx, core.Establishment{
		Name:         "Super Mercado",
		CashbackRate: decimal.RequireFromString("1.5"),
		Active:       true,
	})
	require.NoError(t, err)
	return env
}

func money(t *testing.T, s string) core.Money {
	t.Helper()
	m, err := core.ParseMoney(s)
	require.NoError(t, err)
	return m
}

// record stores a movement for Ana on the shared card unless mutate says
// otherwise.
func (e *testEnv) record(kind core.Kind, amount string, day int, mutate ...func(*core.Movement)) core.Movement {
	e.t.Helper()
	m := core.Movement{
		PersonID:   e.ana.ID,
		CardID:     e.card.ID,
		Kind:       kind,
		Amount:     money(e.t, amount),
		OccurredOn: core.NewDate(2024, 5, day),
	}
	for _, fn := range mutate {
		fn(&m)
	}
	created, err := e.ledger.Movements.Record(e.ctx, m)
	require.NoError(e.t, err)
	return created
}

func (e *testEnv) balance(purchaseID int64) core.Money {
	e.t.Helper()
	b, err := e.ledger.Balances.PurchaseBalance(e.ctx, purchaseID)
	require.NoError(e.t, err)
	return b
}

// rows counts a table through a second connection, so it only sees
// committed data.
func (e *testEnv) rows(table string) int64 {
	e.t.Helper()
	var n int64
	require.NoError(e.t, e.raw.QueryRowContext(e.ctx, "SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func (e *testEnv) allocationCount() int64 {
	e.t.Helper()
	return e.rows("allocations")
}

// storedCard re-reads the card to observe the persisted balance.
func (e *testEnv) storedCard() core.Card {
	e.t.Helper()
	c, err := e.repo.Queries().GetCard(e.ctx, e.card.ID)
	require.NoError(e.t, err)
	return c
}

func forPerson(p core.Person) func(*core.Movement) {
	return func(m *core.Movement) { m.PersonID = p.ID }
}

func atShop(id int64) func(*core.Movement) {
	return func(m *core.Movement) { m.EstablishmentID = &id }
}

func TestNewLedgerDefaults(t *testing.T) {
	l := NewLedger(nil, Options{})
	require.NotNil(t, l.Cache)
	require.Equal(t, 0, l.Cache.Size())
	require.True(t, isNotFound(&core.NotFoundError{Entity: "movement", ID: 1}))
	require.False(t, isNotFound(errors.New("boom")))
}
