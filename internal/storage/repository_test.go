package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"cardledger/internal/core"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

type fixture struct {
	person core.Person
	card   core.Card
	shop   core.Establishment
}

func seed(t *testing.T, q *Queries) fixture {
	t.Helper()
	ctx := context.Background()

	p, err := q.CreatePerson(ctx, core.Person{Name: "Ana", Active: true})
	require.NoError(t, err)
	c, err := q.CreateCard(ctx, core.Card{
		Number: "4111111111111111", Network: core.NetworkVisa, Bank: "BancoSol",
		HolderID: &p.ID, PaymentDueDay: 15, ExpiresOn: core.NewDate(2027, 12, 31),
		CreditLimit: core.Money{Cents: 500000}, Active: true,
	})
	require.NoError(t, err)
	require.NoError(t, q.AddCardUser(ctx, c.ID, p.ID))
	e, err := q.CreateEstablishment(ctx, core.Establishment{
		Name: "Super Mercado", CashbackRate: decimal.RequireFromString("1.5"), Active: true,
	})
	require.NoError(t, err)
	return fixture{person: p, card: c, shop: e}
}

func movement(f fixture, kind core.Kind, cents int64, day int, memo string) core.Movement {
	return core.Movement{
		PersonID: f.person.ID, CardID: f.card.ID, Kind: kind,
		Amount: core.Money{Cents: cents}, OccurredOn: core.NewDate(2024, 3, day), Memo: memo,
	}
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "file:/tmp/x.db?"+dsnPragmas, DSN("/tmp/x.db"))
	assert.Equal(t, "file:x.db?mode=rwc&"+dsnPragmas, DSN("file:x.db?mode=rwc"))
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	repo, err := NewSQLiteRepository(path)
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	repo, err = NewSQLiteRepository(path)
	require.NoError(t, err)
	require.NoError(t, repo.Ping(context.Background()))
	require.NoError(t, repo.Close())

	version, err := RunMigrations(DSN(path))
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
}

func TestDirectoryRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	q := repo.Queries()
	ctx := context.Background()
	f := seed(t, q)

	p, err := q.GetPerson(ctx, f.person.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ana", p.Name)
	assert.False(t, p.RegisteredOn.IsZero())

	c, err := q.GetCard(ctx, f.card.ID)
	require.NoError(t, err)
	assert.Equal(t, "4111111111111111", c.Number)
	require.NotNil(t, c.HolderID)
	assert.Equal(t, f.person.ID, *c.HolderID)
	assert.Equal(t, "2027-12-31", c.ExpiresOn.String())
	assert.Equal(t, int64(500000), c.CreditLimit.Cents)

	users, err := q.ListCardUsers(ctx, c.ID, true)
	require.NoError(t, err)
	require.Len(t, users, 1)

	e, err := q.GetEstablishment(ctx, f.shop.ID)
	require.NoError(t, err)
	assert.True(t, e.CashbackRate.Equal(decimal.RequireFromString("1.50")))

	_, err = q.CreateCard(ctx, core.Card{Number: "4111111111111111", Bank: "x", PaymentDueDay: 1})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = q.GetPerson(ctx, 999)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSetCardUsersReplaces(t *testing.T) {
	repo := newTestRepo(t)
	q := repo.Queries()
	ctx := context.Background()
	f := seed(t, q)

	bob, err := q.CreatePerson(ctx, core.Person{Name: "Bob", Active: true})
	require.NoError(t, err)

	require.NoError(t, q.SetCardUsers(ctx, f.card.ID, []int64{bob.ID}))
	users, err := q.ListCardUsers(ctx, f.card.ID, false)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "Bob", users[0].Name)
}

func TestMovementQueries(t *testing.T) {
	repo := newTestRepo(t)
	q := repo.Queries()
	ctx := context.Background()
	f := seed(t, q)

	purchase := movement(f, core.KindPurchase, 10000, 1, "groceries 50%_off")
	purchase.EstablishmentID = &f.shop.ID
	purchase.Cashback = core.Money{Cents: 150}
	purchase, err := q.CreateMovement(ctx, purchase)
	require.NoError(t, err)

	fee, err := q.CreateMovement(ctx, movement(f, core.KindFee, 500, 2, "annual fee"))
	require.NoError(t, err)
	payment, err := q.CreateMovement(ctx, movement(f, core.KindPayment, 10000, 3, "transfer"))
	require.NoError(t, err)

	got, err := q.GetMovement(ctx, purchase.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EstablishmentID)
	assert.Equal(t, int64(150), got.Cashback.Cents)
	assert.Equal(t, "2024-03-01", got.OccurredOn.String())

	all, err := q.ListMovements(ctx, core.MovementFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, payment.ID, all[0].ID, "newest first")

	debits, err := q.ListMovements(ctx, core.MovementFilter{Kinds: []core.Kind{core.KindPurchase, core.KindFee, core.KindInterest}})
	require.NoError(t, err)
	assert.Len(t, debits, 2)

	ranged, err := q.ListMovements(ctx, core.MovementFilter{From: core.NewDate(2024, 3, 2), To: core.NewDate(2024, 3, 2)})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, fee.ID, ranged[0].ID)

	byShop, err := q.ListMovements(ctx, core.MovementFilter{Text: "mercado"})
	require.NoError(t, err)
	require.Len(t, byShop, 1)

	literal, err := q.ListMovements(ctx, core.MovementFilter{Text: "50%_"})
	require.NoError(t, err)
	assert.Len(t, literal, 1)
	noWildcard, err := q.ListMovements(ctx, core.MovementFilter{Text: "%"})
	require.NoError(t, err)
	assert.Len(t, noWildcard, 1, "percent sign is matched literally")

	byPerson, err := q.ListMovements(ctx, core.MovementFilter{Text: "ana", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, byPerson, 2)

	totals, err := q.OwnerTotals(ctx, f.person.ID, f.card.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10500), totals.Debit.Cents)
	assert.Equal(t, int64(10000), totals.Credit.Cents)
	assert.Equal(t, int64(500), totals.Net().Cents)

	open, err := q.ListOpenDebits(ctx, f.person.ID, f.card.ID, core.Money{Cents: 10000})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, purchase.ID, open[0].ID)

	unassigned, err := q.ListUnassignedPayments(ctx, core.MovementFilter{})
	require.NoError(t, err)
	require.Len(t, unassigned, 1)
	unassigned, err = q.ListUnassignedPayments(ctx, core.MovementFilter{PersonID: f.person.ID, From: core.NewDate(2024, 3, 4)})
	require.NoError(t, err)
	assert.Empty(t, unassigned, "payment falls before the range")
	unassigned, err = q.ListUnassignedPayments(ctx, core.MovementFilter{CardID: f.card.ID, To: core.NewDate(2024, 3, 3)})
	require.NoError(t, err)
	assert.Len(t, unassigned, 1)

	anyAmount, err := q.ListPersonOpenDebits(ctx, f.person.ID, 0)
	require.NoError(t, err)
	require.Len(t, anyAmount, 2)
	assert.Equal(t, []int64{purchase.ID, fee.ID}, []int64{anyAmount[0].ID, anyAmount[1].ID}, "oldest first")
	onCard, err := q.ListPersonOpenDebits(ctx, f.person.ID, f.card.ID)
	require.NoError(t, err)
	assert.Len(t, onCard, 2)

	earned, credited, err := q.CardCashback(ctx, f.card.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), earned.Cents)
	assert.Equal(t, int64(0), credited.Cents)

	n, err := q.CountMovements(ctx, f.card.ID, f.person.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	got.Memo = "edited"
	got.Amount = core.Money{Cents: 12000}
	require.NoError(t, q.UpdateMovement(ctx, got))
	got, err = q.GetMovement(ctx, purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Memo)
	assert.Equal(t, int64(12000), got.Amount.Cents)

	require.NoError(t, q.DeleteMovement(ctx, fee.ID))
	assert.ErrorIs(t, q.DeleteMovement(ctx, fee.ID), core.ErrNotFound)
	_, err = q.GetMovement(ctx, fee.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestAllocationQueries(t *testing.T) {
	repo := newTestRepo(t)
	q := repo.Queries()
	ctx := context.Background()
	f := seed(t, q)

	purchase, err := q.CreateMovement(ctx, movement(f, core.KindPurchase, 10000, 1, ""))
	require.NoError(t, err)
	payment, err := q.CreateMovement(ctx, movement(f, core.KindPayment, 6000, 2, ""))
	require.NoError(t, err)

	a, err := q.CreateAllocation(ctx, core.Allocation{PaymentID: payment.ID, PurchaseID: purchase.ID, Amount: core.Money{Cents: 4000}})
	require.NoError(t, err)
	assert.NotZero(t, a.ID)

	_, err = q.CreateAllocation(ctx, core.Allocation{PaymentID: payment.ID, PurchaseID: purchase.ID, Amount: core.Money{Cents: 1}})
	assert.ErrorIs(t, err, core.ErrDuplicateAllocation)

	applied, err := q.AppliedToPurchase(ctx, purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), applied.Cents)
	fromPayment, err := q.AppliedFromPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), fromPayment.Cents)

	open, err := q.ListOpenDebits(ctx, f.person.ID, f.card.ID, core.Money{Cents: 10000})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, int64(4000), open[0].Applied.Cents)
	assert.Equal(t, int64(6000), open[0].Remaining().Cents)

	unassigned, err := q.ListUnassignedPayments(ctx, core.MovementFilter{})
	require.NoError(t, err)
	assert.Empty(t, unassigned)

	byPayment, err := q.ListAllocationsByPayment(ctx, payment.ID)
	require.NoError(t, err)
	require.Len(t, byPayment, 1)
	byPurchase, err := q.ListAllocationsByPurchase(ctx, purchase.ID)
	require.NoError(t, err)
	require.Len(t, byPurchase, 1)

	got, err := q.GetAllocation(ctx, payment.ID, purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	require.NoError(t, q.DeleteAllocation(ctx, payment.ID, purchase.ID))
	assert.ErrorIs(t, q.DeleteAllocation(ctx, payment.ID, purchase.ID), core.ErrNotFound)

	_, err = q.CreateAllocation(ctx, core.Allocation{PaymentID: payment.ID, PurchaseID: purchase.ID, Amount: core.Money{Cents: 100}})
	require.NoError(t, err)
	removed, err := q.DeleteAllocationsForMovement(ctx, purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestAllocationCascadesWithMovement(t *testing.T) {
	repo := newTestRepo(t)
	q := repo.Queries()
	ctx := context.Background()
	f := seed(t, q)

	purchase, err := q.CreateMovement(ctx, movement(f, core.KindPurchase, 1000, 1, ""))
	require.NoError(t, err)
	payment, err := q.CreateMovement(ctx, movement(f, core.KindPayment, 1000, 2, ""))
	require.NoError(t, err)
	_, err = q.CreateAllocation(ctx, core.Allocation{PaymentID: payment.ID, PurchaseID: purchase.ID, Amount: core.Money{Cents: 1000}})
	require.NoError(t, err)

	require.NoError(t, q.DeleteMovement(ctx, payment.ID))
	var n int64
	require.NoError(t, q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM allocations`).Scan(&n))
	assert.Zero(t, n, "foreign keys are enforced")
}

func TestWithTxRollsBackOnError(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := repo.WithTx(ctx, func(q *Queries) error {
		if _, err := q.CreatePerson(ctx, core.Person{Name: "Ghost", Active: true}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	persons, err := repo.Queries().ListPersons(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, persons)

	require.NoError(t, repo.WithTx(ctx, func(q *Queries) error {
		_, err := q.CreatePerson(ctx, core.Person{Name: "Kept", Active: true})
		return err
	}))
	persons, err = repo.Queries().ListPersons(ctx, false)
	require.NoError(t, err)
	assert.Len(t, persons, 1)
}

func TestWithTxSqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE cards SET current_balance_cents").
		WithArgs(int64(100), int64(1)).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = repo.WithTx(ctx, func(q *Queries) error {
		return q.UpdateCardBalance(ctx, 1, core.Money{Cents: 100})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE cards SET current_balance_cents").
		WithArgs(int64(100), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	err = repo.WithTx(ctx, func(q *Queries) error {
		return q.UpdateCardBalance(ctx, 1, core.Money{Cents: 100})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit tx")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCardBalanceMissingCard(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE cards").WillReturnResult(sqlmock.NewResult(0, 0))
	err = New(db).UpdateCardBalance(context.Background(), 42, core.Money{})
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectoryUpdateAndDelete(t *testing.T) {
	repo := newTestRepo(t)
	q := repo.Queries()
	ctx := context.Background()
	f := seed(t, q)

	purchase := movement(f, core.KindPurchase, 10000, 1, "")
	purchase.EstablishmentID = &f.shop.ID
	purchase, err := q.CreateMovement(ctx, purchase)
	require.NoError(t, err)
	payment, err := q.CreateMovement(ctx, movement(f, core.KindPayment, 4000, 2, ""))
	require.NoError(t, err)
	_, err = q.CreateAllocation(ctx, core.Allocation{PaymentID: payment.ID, PurchaseID: purchase.ID, Amount: core.Money{Cents: 4000}})
	require.NoError(t, err)
	require.NoError(t, q.UpdateCardBalance(ctx, f.card.ID, core.Money{Cents: 6000}))

	card := f.card
	card.Bank = "Banco Nuevo"
	card.CreditLimit = core.Money{Cents: 900000}
	card.CurrentBalance = core.Money{Cents: 1}
	require.NoError(t, q.UpdateCard(ctx, card))
	got, err := q.GetCard(ctx, f.card.ID)
	require.NoError(t, err)
	assert.Equal(t, "Banco Nuevo", got.Bank)
	assert.Equal(t, int64(900000), got.CreditLimit.Cents)
	assert.Equal(t, int64(6000), got.CurrentBalance.Cents, "balance is not an editable field")

	other, err := q.CreateCard(ctx, core.Card{Number: "5500000000000004", Network: core.NetworkMastercard, Bank: "Otro", PaymentDueDay: 10})
	require.NoError(t, err)
	other.Number = card.Number
	assert.ErrorIs(t, q.UpdateCard(ctx, other), core.ErrValidation)

	p := f.person
	p.Name = "Ana María"
	require.NoError(t, q.UpdatePerson(ctx, p))
	gotPerson, err := q.GetPerson(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ana María", gotPerson.Name)

	shop := f.shop
	shop.CashbackRate = decimal.RequireFromString("3")
	require.NoError(t, q.UpdateEstablishment(ctx, shop))
	gotShop, err := q.GetEstablishment(ctx, shop.ID)
	require.NoError(t, err)
	assert.True(t, gotShop.CashbackRate.Equal(decimal.RequireFromString("3")))

	require.NoError(t, q.DeleteEstablishment(ctx, shop.ID))
	kept, err := q.GetMovement(ctx, purchase.ID)
	require.NoError(t, err)
	assert.Nil(t, kept.EstablishmentID, "movement survives without its establishment")

	ids, err := q.PersonCardIDs(ctx, f.person.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{f.card.ID}, ids)

	require.NoError(t, q.DeleteCard(ctx, f.card.ID))
	assert.ErrorIs(t, q.DeleteCard(ctx, f.card.ID), core.ErrNotFound)
	_, err = q.GetMovement(ctx, purchase.ID)
	assert.ErrorIs(t, err, core.ErrNotFound, "movements cascade with the card")
	var links int64
	require.NoError(t, q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM allocations`).Scan(&links))
	assert.Zero(t, links)

	require.NoError(t, q.DeletePerson(ctx, f.person.ID))
	assert.ErrorIs(t, q.DeletePerson(ctx, f.person.ID), core.ErrNotFound)
	assert.ErrorIs(t, q.UpdatePerson(ctx, p), core.ErrNotFound)
}
