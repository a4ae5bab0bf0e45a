package services

import (
	"testing"

	"cardledger/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryValidation(t *testing.T) {
	env := newTestEnv(t)
	dir := env.ledger.Directory

	_, err := dir.CreatePerson(env.ctx, core.Person{Name: "   "})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = dir.CreateCard(env.ctx, core.Card{Number: "4111 1111 1111 1111", Bank: "Otro"}, nil)
	assert.ErrorIs(t, err, core.ErrValidation, "card number already registered")

	_, err = dir.CreateCard(env.ctx, core.Card{Number: "1234", Bank: "Otro", Network: "DINERS"}, nil)
	assert.ErrorIs(t, err, core.ErrValidation)

	missing := int64(9999)
	_, err = dir.CreateCard(env.ctx, core.Card{Number: "9876", Bank: "Otro", HolderID: &missing}, nil)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = dir.CreateEstablishment(env.ctx, core.Establishment{Name: "Caro", CashbackRate: decimal.RequireFromString("100.5")})
	assert.ErrorIs(t, err, core.ErrValidation)

	cards, err := dir.ListCards(env.ctx, false)
	require.NoError(t, err)
	assert.Len(t, cards, 1, "failed creations leave no card behind")
}

func TestCreateCardDefaults(t *testing.T) {
	env := newTestEnv(t)

	d, err := env.ledger.Directory.CreateCard(env.ctx, core.Card{Number: "5555", Bank: "Mini", Active: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, core.NetworkVisa, d.Network)
	assert.Equal(t, 15, d.PaymentDueDay)
	assert.Equal(t, "Mini - ****5555", d.Label)
	assert.Empty(t, d.Users)
}

func TestSetCardUsers(t *testing.T) {
	env := newTestEnv(t)
	dir := env.ledger.Directory

	d, err := dir.SetCardUsers(env.ctx, env.card.ID, []int64{env.beto.ID, env.beto.ID})
	require.NoError(t, err)
	require.Len(t, d.Users, 1)
	assert.Equal(t, env.beto.ID, d.Users[0].ID)

	_, err = dir.SetCardUsers(env.ctx, env.card.ID, []int64{env.ana.ID, 9999})
	assert.ErrorIs(t, err, core.ErrNotFound)

	got, err := dir.GetCard(env.ctx, env.card.ID)
	require.NoError(t, err)
	require.Len(t, got.Users, 1, "failed replacement keeps the previous users")
	assert.Equal(t, "Beto", got.Users[0].Name)

	_, err = dir.SetCardUsers(env.ctx, 9999, nil)
	assert.ErrorIs(t, err, core.ErrNotFound)

	persons, err := dir.ListPersons(env.ctx, true)
	require.NoError(t, err)
	assert.Len(t, persons, 2)
	shops, err := dir.ListEstablishments(env.ctx, true)
	require.NoError(t, err)
	assert.Len(t, shops, 1)
}

func TestUpdatePerson(t *testing.T) {
	env := newTestEnv(t)
	dir := env.ledger.Directory

	p, err := dir.UpdatePerson(env.ctx, env.beto.ID, core.Person{Name: " Beto Ruiz ", Email: "beto@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "Beto Ruiz", p.Name)
	assert.False(t, p.Active)
	assert.Equal(t, env.beto.RegisteredOn, p.RegisteredOn)

	got, err := dir.GetPerson(env.ctx, env.beto.ID)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = dir.UpdatePerson(env.ctx, env.beto.ID, core.Person{Name: ""})
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = dir.UpdatePerson(env.ctx, 9999, core.Person{Name: "Nadie"})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestUpdateCardKeepsBalance(t *testing.T) {
	env := newTestEnv(t)
	dir := env.ledger.Directory
	env.record(core.KindPurchase, "1200.00", 1)

	before, err := env.ledger.Balances.CardAvailableCredit(env.ctx, env.card.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(380000), before.Cents)

	updated, err := dir.UpdateCard(env.ctx, env.card.ID, core.Card{
		Number:      env.card.Number,
		Bank:        "BancoSol Plus",
		Network:     "mastercard",
		HolderID:    &env.ana.ID,
		CreditLimit: money(t, "8000.00"),
		Active:      true,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(120000), updated.CurrentBalance.Cents)
	assert.Equal(t, core.NetworkMastercard, updated.Network)
	assert.Equal(t, 15, updated.PaymentDueDay)
	assert.Equal(t, "BancoSol Plus - ****1111", updated.Label)
	assert.Len(t, updated.Users, 2, "nil users keeps the current ones")

	after, err := env.ledger.Balances.CardAvailableCredit(env.ctx, env.card.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(680000), after.Cents)
	assert.Equal(t, int64(120000), env.storedCard().CurrentBalance.Cents)

	updated, err = dir.UpdateCard(env.ctx, env.card.ID, core.Card{
		Number: env.card.Number, Bank: "BancoSol", CreditLimit: money(t, "100.00"),
	}, []int64{env.beto.ID})
	require.NoError(t, err)
	require.Len(t, updated.Users, 1)
	assert.Equal(t, env.beto.ID, updated.Users[0].ID)
	assert.Negative(t, updated.AvailableCredit().Cents, "a limit below the balance leaves the card over limit")
}

func TestUpdateCardRejects(t *testing.T) {
	env := newTestEnv(t)
	dir := env.ledger.Directory
	other, err := dir.CreateCard(env.ctx, core.Card{Number: "5500 0000 0000 0004", Bank: "Otro"}, nil)
	require.NoError(t, err)

	missing := int64(9999)
	tests := []struct {
		name    string
		id      int64
		card    core.Card
		users   []int64
		wantErr error
	}{
		{"duplicate number", other.ID, core.Card{Number: env.card.Number, Bank: "Otro"}, nil, core.ErrValidation},
		{"no bank", other.ID, core.Card{Number: "5500 0000 0000 0004"}, nil, core.ErrValidation},
		{"unknown holder", other.ID, core.Card{Number: "5500 0000 0000 0004", Bank: "Otro", HolderID: &missing}, nil, core.ErrNotFound},
		{"unknown user", other.ID, core.Card{Number: "5500 0000 0000 0004", Bank: "Otro"}, []int64{missing}, core.ErrNotFound},
		{"unknown card", missing, core.Card{Number: "1234", Bank: "Otro"}, nil, core.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dir.UpdateCard(env.ctx, tt.id, tt.card, tt.users)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	got, err := dir.GetCard(env.ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, "Otro", got.Bank)
	assert.Equal(t, "5500 0000 0000 0004", got.Number)
}

func TestDeleteCardCascades(t *testing.T) {
	env := newTestEnv(t)
	dir := env.ledger.Directory
	purchase := env.record(core.KindPurchase, "100.00", 1)
	payment := env.record(core.KindPayment, "40.00", 2)
	_, err := env.ledger.Allocations.Allocate(env.ctx, payment.ID, purchase.ID, money(t, "40.00"))
	require.NoError(t, err)
	assert.Equal(t, int64(6000), env.debt(env.ana).Cents)
	require.Equal(t, 1, env.ledger.Cache.Size())

	require.NoError(t, dir.DeleteCard(env.ctx, env.card.ID))
	assert.Zero(t, env.ledger.Cache.Size(), "cached debts on the card are dropped")
	assert.Zero(t, env.rows("movements"))
	assert.Zero(t, env.allocationCount())
	assert.Zero(t, env.rows("card_users"))

	_, err = dir.GetCard(env.ctx, env.card.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = env.ledger.Balances.Debt(env.ctx, env.ana.ID, env.card.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, dir.DeleteCard(env.ctx, env.card.ID), core.ErrNotFound)
}

func TestDeletePerson(t *testing.T) {
	env := newTestEnv(t)
	dir := env.ledger.Directory
	env.record(core.KindPurchase, "100.00", 1)
	env.record(core.KindPurchase, "30.00", 1, forPerson(env.beto))
	assert.Equal(t, int64(3000), env.debt(env.beto).Cents)
	assert.Equal(t, int64(13000), env.storedCard().CurrentBalance.Cents)

	require.NoError(t, dir.DeletePerson(env.ctx, env.beto.ID))
	assert.Equal(t, int64(10000), env.storedCard().CurrentBalance.Cents, "card balance drops the person's movements")
	assert.Equal(t, int64(10000), env.debt(env.ana).Cents)
	card, err := dir.GetCard(env.ctx, env.card.ID)
	require.NoError(t, err)
	require.Len(t, card.Users, 1)
	assert.Equal(t, env.ana.ID, card.Users[0].ID)

	// Ana holds the card, so it goes with her.
	require.NoError(t, dir.DeletePerson(env.ctx, env.ana.ID))
	_, err = dir.GetCard(env.ctx, env.card.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Zero(t, env.rows("movements"))
	assert.Zero(t, env.ledger.Cache.Size())

	assert.ErrorIs(t, dir.DeletePerson(env.ctx, env.ana.ID), core.ErrNotFound)
}

func TestUpdateAndDeleteEstablishment(t *testing.T) {
	env := newTestEnv(t)
	dir := env.ledger.Directory
	before := env.record(core.KindPurchase, "100.00", 1, atShop(env.shop.ID))
	assert.Equal(t, int64(150), before.Cashback.Cents)

	e, err := dir.UpdateEstablishment(env.ctx, env.shop.ID, core.Establishment{
		Name: "Super Mercado Centro", CashbackRate: decimal.RequireFromString("2"), Active: true,
	})
	require.NoError(t, err)
	assert.Equal(t, env.shop.ID, e.ID)
	after := env.record(core.KindPurchase, "100.00", 2, atShop(env.shop.ID))
	assert.Equal(t, int64(200), after.Cashback.Cents, "new rate applies to new movements")

	kept, err := env.ledger.Movements.Get(env.ctx, before.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), kept.Cashback.Cents)

	_, err = dir.UpdateEstablishment(env.ctx, env.shop.ID, core.Establishment{Name: "x", CashbackRate: decimal.RequireFromString("-1")})
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = dir.UpdateEstablishment(env.ctx, 9999, core.Establishment{Name: "x"})
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, dir.DeleteEstablishment(env.ctx, env.shop.ID))
	kept, err = env.ledger.Movements.Get(env.ctx, before.ID)
	require.NoError(t, err)
	assert.Nil(t, kept.EstablishmentID)
	assert.Equal(t, int64(150), kept.Cashback.Cents)
	assert.Equal(t, int64(20000), env.storedCard().CurrentBalance.Cents)

	_, err = dir.GetEstablishment(env.ctx, env.shop.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, dir.DeleteEstablishment(env.ctx, env.shop.ID), core.ErrNotFound)
}
