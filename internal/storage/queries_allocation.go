package storage

import (
	"context"
	"database/sql"
	"fmt"

	"cardledger/internal/core"
)

const allocationColumns = "id, payment_id, purchase_id, applied_cents, created_at"

func scanAllocation(s rowScanner) (core.Allocation, error) {
	var (
		a       core.Allocation
		created string
	)
	if err := s.Scan(&a.ID, &a.PaymentID, &a.PurchaseID, &a.Amount.Cents, &created); err != nil {
		return a, err
	}
	t, err := parseTimestamp(created)
	if err != nil {
		return a, err
	}
	a.CreatedAt = t
	return a, nil
}

func collectAllocations(rows *sql.Rows) ([]core.Allocation, error) {
	defer rows.Close()
	var out []core.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (q *Queries) CreateAllocation(ctx context.Context, a core.Allocation) (core.Allocation, error) {
	a.CreatedAt = q.now()
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO allocations (payment_id, purchase_id, applied_cents, created_at) VALUES (?, ?, ?, ?)`,
		a.PaymentID, a.PurchaseID, a.Amount.Cents, formatTimestamp(a.CreatedAt))
	if isUniqueViolation(err) {
		return a, &core.DuplicateAllocationError{PaymentID: a.PaymentID, PurchaseID: a.PurchaseID}
	}
	if err != nil {
		return a, fmt.Errorf("insert allocation: %w", err)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return a, fmt.Errorf("allocation id: %w", err)
	}
	return a, nil
}

func (q *Queries) GetAllocation(ctx context.Context, paymentID, purchaseID int64) (core.Allocation, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE payment_id = ? AND purchase_id = ?`,
		paymentID, purchaseID)
	a, err := scanAllocation(row)
	if err != nil {
		return a, notFound(err, "allocation", purchaseID)
	}
	return a, nil
}

func (q *Queries) DeleteAllocation(ctx context.Context, paymentID, purchaseID int64) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM allocations WHERE payment_id = ? AND purchase_id = ?`, paymentID, purchaseID)
	if err != nil {
		return fmt.Errorf("delete allocation: %w", err)
	}
	return requireAffected(res, "allocation", purchaseID)
}

// DeleteAllocationsForMovement removes every allocation the movement takes
// part in, on either side.
func (q *Queries) DeleteAllocationsForMovement(ctx context.Context, movementID int64) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM allocations WHERE payment_id = ? OR purchase_id = ?`, movementID, movementID)
	if err != nil {
		return 0, fmt.Errorf("delete movement allocations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func (q *Queries) ListAllocationsByPayment(ctx context.Context, paymentID int64) ([]core.Allocation, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE payment_id = ? ORDER BY id`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("list payment allocations: %w", err)
	}
	return collectAllocations(rows)
}

func (q *Queries) ListAllocationsByPurchase(ctx context.Context, purchaseID int64) ([]core.Allocation, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE purchase_id = ? ORDER BY id`, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("list purchase allocations: %w", err)
	}
	return collectAllocations(rows)
}

// AppliedToPurchase sums every allocation made against a debit movement.
func (q *Queries) AppliedToPurchase(ctx context.Context, purchaseID int64) (core.Money, error) {
	var m core.Money
	err := q.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(applied_cents), 0) FROM allocations WHERE purchase_id = ?`, purchaseID).Scan(&m.Cents)
	if err != nil {
		return m, fmt.Errorf("sum purchase allocations: %w", err)
	}
	return m, nil
}

// AppliedFromPayment sums what a payment has already been split into.
func (q *Queries) AppliedFromPayment(ctx context.Context, paymentID int64) (core.Money, error) {
	var m core.Money
	err := q.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(applied_cents), 0) FROM allocations WHERE payment_id = ?`, paymentID).Scan(&m.Cents)
	if err != nil {
		return m, fmt.Errorf("sum payment allocations: %w", err)
	}
	return m, nil
}
