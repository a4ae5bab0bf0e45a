package services

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"cardledger/internal/amqp"
	"cardledger/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocate(t *testing.T) {
	env := newTestEnv(t)
	purchase := env.record(core.KindPurchase, "100.00", 1)
	payment := env.record(core.KindPayment, "40.00", 2)
	env.pub.reset()

	a, err := env.ledger.Allocations.Allocate(env.ctx, payment.ID, purchase.ID, money(t, "40.00"))
	require.NoError(t, err)
	assert.NotZero(t, a.ID)
	assert.Equal(t, int64(4000), a.Amount.Cents)
	assert.Equal(t, int64(6000), env.balance(purchase.ID).Cents)

	ev := env.pub.last()
	require.NotNil(t, ev)
	assert.Equal(t, amqp.EventAllocationCreated, ev.Type)
	assert.Equal(t, payment.ID, ev.PaymentID)
	assert.Equal(t, purchase.ID, ev.PurchaseID)

	_, err = env.ledger.Allocations.Allocate(env.ctx, payment.ID, purchase.ID, money(t, "1.00"))
	assert.ErrorIs(t, err, core.ErrDuplicateAllocation)

	byPayment, err := env.ledger.Allocations.ListForPayment(env.ctx, payment.ID)
	require.NoError(t, err)
	assert.Len(t, byPayment, 1)
	byPurchase, err := env.ledger.Allocations.ListForPurchase(env.ctx, purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, byPayment, byPurchase)
}

func TestAllocateRejects(t *testing.T) {
	env := newTestEnv(t)
	purchase := env.record(core.KindPurchase, "100.00", 1)
	interest := env.record(core.KindInterest, "10.00", 1)
	cashback := env.record(core.KindCashback, "5.00", 1)
	payment := env.record(core.KindPayment, "50.00", 2)

	tests := []struct {
		name       string
		paymentID  int64
		purchaseID int64
		amount     string
		wantErr    error
	}{
		{"payment is a purchase", purchase.ID, interest.ID, "5.00", core.ErrInvalidKind},
		{"payment is cashback", cashback.ID, purchase.ID, "5.00", core.ErrInvalidKind},
		{"target is a payment", payment.ID, payment.ID, "5.00", core.ErrInvalidKind},
		{"target is cashback", payment.ID, cashback.ID, "5.00", core.ErrInvalidKind},
		{"missing payment", 9999, purchase.ID, "5.00", core.ErrNotFound},
		{"missing purchase", payment.ID, 9999, "5.00", core.ErrNotFound},
		{"over the purchase", payment.ID, interest.ID, "10.01", core.ErrOverAllocation},
		{"over the payment", payment.ID, purchase.ID, "50.01", core.ErrOverAllocation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.ledger.Allocations.Allocate(env.ctx, tt.paymentID, tt.purchaseID, money(t, tt.amount))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := env.ledger.Allocations.Allocate(env.ctx, payment.ID, purchase.ID, core.Money{})
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = env.ledger.Allocations.AllocatePayment(env.ctx, payment.ID, nil)
	assert.ErrorIs(t, err, core.ErrValidation)

	assert.Zero(t, env.allocationCount())
}

func TestAllocatePaymentBatchIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	purchase := env.record(core.KindPurchase, "100.00", 1)
	fee := env.record(core.KindFee, "30.00", 1)
	payment := env.record(core.KindPayment, "200.00", 2)

	_, err := env.ledger.Allocations.AllocatePayment(env.ctx, payment.ID, []AllocationEntry{
		{PurchaseID: purchase.ID, Amount: money(t, "60.00")},
		{PurchaseID: purchase.ID, Amount: money(t, "60.00")},
	})
	require.ErrorIs(t, err, core.ErrOverAllocation)
	var over *core.OverAllocationError
	require.ErrorAs(t, err, &over)
	assert.Equal(t, purchase.ID, over.PurchaseID)
	assert.Equal(t, int64(12000), over.Requested.Cents)

	assert.Equal(t, int64(10000), env.balance(purchase.ID).Cents)
	assert.Zero(t, env.allocationCount())

	// A valid first entry is not written when a later one fails.
	_, err = env.ledger.Allocations.AllocatePayment(env.ctx, payment.ID, []AllocationEntry{
		{PurchaseID: fee.ID, Amount: money(t, "30.00")},
		{PurchaseID: purchase.ID, Amount: money(t, "100.01")},
	})
	require.ErrorIs(t, err, core.ErrOverAllocation)
	assert.Zero(t, env.allocationCount())
	assert.Equal(t, int64(3000), env.balance(fee.ID).Cents)

	created, err := env.ledger.Allocations.AllocatePayment(env.ctx, payment.ID, []AllocationEntry{
		{PurchaseID: purchase.ID, Amount: money(t, "50.00")},
		{PurchaseID: fee.ID, Amount: money(t, "30.00")},
		{PurchaseID: purchase.ID, Amount: money(t, "50.00")},
	})
	require.NoError(t, err)
	require.Len(t, created, 2, "entries on the same purchase are merged")
	assert.Equal(t, int64(10000), created[0].Amount.Cents)
	assert.Zero(t, env.balance(purchase.ID).Cents)
	assert.Zero(t, env.balance(fee.ID).Cents)
}

func TestUnallocate(t *testing.T) {
	env := newTestEnv(t)
	purchase := env.record(core.KindPurchase, "100.00", 1)
	payment := env.record(core.KindPayment, "100.00", 2)
	_, err := env.ledger.Allocations.Allocate(env.ctx, payment.ID, purchase.ID, money(t, "70.00"))
	require.NoError(t, err)

	require.NoError(t, env.ledger.Allocations.Unallocate(env.ctx, payment.ID, purchase.ID))
	assert.Equal(t, int64(10000), env.balance(purchase.ID).Cents)
	assert.Equal(t, amqp.EventAllocationRemoved, env.pub.last().Type)
	assert.Equal(t, "70.00", env.pub.last().Amount)

	assert.ErrorIs(t, env.ledger.Allocations.Unallocate(env.ctx, payment.ID, purchase.ID), core.ErrNotFound)
	assert.ErrorIs(t, env.ledger.Allocations.Unallocate(env.ctx, 9999, purchase.ID), core.ErrNotFound)

	// Re-allocating a different amount after removal is allowed.
	_, err = env.ledger.Allocations.Allocate(env.ctx, payment.ID, purchase.ID, money(t, "100.00"))
	require.NoError(t, err)
}

func TestAllocationsNeverExceedPurchase(t *testing.T) {
	env := newTestEnv(t)
	rng := rand.New(rand.NewSource(42))

	purchases := []core.Movement{
		env.record(core.KindPurchase, "100.00", 1),
		env.record(core.KindFee, "35.50", 1),
		env.record(core.KindInterest, "12.34", 1),
	}
	var payments []core.Movement
	for i := 0; i < 6; i++ {
		payments = append(payments, env.record(core.KindPayment, "60.00", 2))
	}

	for step := 0; step < 200; step++ {
		p := payments[rng.Intn(len(payments))]
		target := purchases[rng.Intn(len(purchases))]
		if rng.Intn(3) == 0 {
			_ = env.ledger.Allocations.Unallocate(env.ctx, p.ID, target.ID)
			continue
		}
		amount := core.Money{Cents: int64(rng.Intn(6000) + 1)}
		_, err := env.ledger.Allocations.Allocate(env.ctx, p.ID, target.ID, amount)
		if err != nil {
			require.Truef(t,
				errors.Is(err, core.ErrOverAllocation) || errors.Is(err, core.ErrDuplicateAllocation),
				"unexpected error: %v", err)
		}

		for _, m := range purchases {
			applied, err := env.repo.Queries().AppliedToPurchase(env.ctx, m.ID)
			require.NoError(t, err)
			require.LessOrEqual(t, applied.Cents, m.Amount.Cents)
		}
		for _, m := range payments {
			used, err := env.repo.Queries().AppliedFromPayment(env.ctx, m.ID)
			require.NoError(t, err)
			require.LessOrEqual(t, used.Cents, m.Amount.Cents)
		}
	}
}

func TestConcurrentAllocationsRespectRemaining(t *testing.T) {
	env := newTestEnv(t)
	purchase := env.record(core.KindPurchase, "100.00", 1)

	const workers = 8
	payments := make([]core.Movement, workers)
	for i := range payments {
		payments[i] = env.record(core.KindPayment, "30.00", 2)
	}

	slice := money(t, "30.00")
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for _, p := range payments {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.ledger.Allocations.Allocate(env.ctx, p.ID, purchase.ID, slice)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, core.ErrOverAllocation)
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded, "only three 30.00 slices fit in 100.00")
	assert.Equal(t, int64(1000), env.balance(purchase.ID).Cents)
}
