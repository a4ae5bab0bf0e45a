package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"cardledger/internal/core"
)

const movementColumns = "m.id, m.person_id, m.card_id, m.establishment_id, m.kind, m.amount_cents, m.cashback_cents, m.memo, m.occurred_on, m.recorded_at"

const debitKindsSQL = "('PURCHASE', 'FEE', 'INTEREST')"

func scanMovement(s rowScanner, extra ...any) (core.Movement, error) {
	var (
		m                        core.Movement
		est                      sql.NullInt64
		kind, occurred, recorded string
	)
	dest := []any{&m.ID, &m.PersonID, &m.CardID, &est, &kind, &m.Amount.Cents, &m.Cashback.Cents, &m.Memo, &occurred, &recorded}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return m, err
	}
	m.Kind = core.Kind(kind)
	m.EstablishmentID = idPtr(est)

	var err error
	if m.OccurredOn, err = parseDate(occurred); err != nil {
		return m, err
	}
	if m.RecordedAt, err = parseTimestamp(recorded); err != nil {
		return m, err
	}
	return m, nil
}

func collectMovements(rows *sql.Rows) ([]core.Movement, error) {
	defer rows.Close()
	var out []core.Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q *Queries) CreateMovement(ctx context.Context, m core.Movement) (core.Movement, error) {
	m.RecordedAt = q.now()
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO movements (person_id, card_id, establishment_id, kind, amount_cents, cashback_cents, memo, occurred_on, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.PersonID, m.CardID, nullableID(m.EstablishmentID), string(m.Kind), m.Amount.Cents, m.Cashback.Cents,
		m.Memo, m.OccurredOn.String(), formatTimestamp(m.RecordedAt))
	if err != nil {
		return m, fmt.Errorf("insert movement: %w", err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return m, fmt.Errorf("movement id: %w", err)
	}
	return m, nil
}

func (q *Queries) GetMovement(ctx context.Context, id int64) (core.Movement, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+movementColumns+` FROM movements m WHERE m.id = ?`, id)
	m, err := scanMovement(row)
	if err != nil {
		return m, notFound(err, "movement", id)
	}
	return m, nil
}

// UpdateMovement rewrites the editable fields. Kind and owners never change.
func (q *Queries) UpdateMovement(ctx context.Context, m core.Movement) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE movements
		 SET establishment_id = ?, amount_cents = ?, cashback_cents = ?, memo = ?, occurred_on = ?
		 WHERE id = ?`,
		nullableID(m.EstablishmentID), m.Amount.Cents, m.Cashback.Cents, m.Memo, m.OccurredOn.String(), m.ID)
	if err != nil {
		return fmt.Errorf("update movement: %w", err)
	}
	return requireAffected(res, "movement", m.ID)
}

func (q *Queries) DeleteMovement(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM movements WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete movement: %w", err)
	}
	return requireAffected(res, "movement", id)
}

// ListMovements returns movements newest first. The text filter matches the
// memo, establishment name, person name, card bank and card number.
func (q *Queries) ListMovements(ctx context.Context, f core.MovementFilter) ([]core.Movement, error) {
	var (
		where []string
		args  []any
	)
	if f.PersonID > 0 {
		where = append(where, "m.person_id = ?")
		args = append(args, f.PersonID)
	}
	if f.CardID > 0 {
		where = append(where, "m.card_id = ?")
		args = append(args, f.CardID)
	}
	if len(f.Kinds) > 0 {
		where = append(where, "m.kind IN ("+placeholders(len(f.Kinds))+")")
		args = append(args, kindArgs(f.Kinds)...)
	}
	if !f.From.IsZero() {
		where = append(where, "m.occurred_on >= ?")
		args = append(args, f.From.String())
	}
	if !f.To.IsZero() {
		where = append(where, "m.occurred_on <= ?")
		args = append(args, f.To.String())
	}
	if text := strings.TrimSpace(f.Text); text != "" {
		pattern := "%" + escapeLike(text) + "%"
		where = append(where, `(m.memo LIKE ? ESCAPE '\' OR COALESCE(e.name, '') LIKE ? ESCAPE '\'
			OR p.name LIKE ? ESCAPE '\' OR c.bank LIKE ? ESCAPE '\' OR c.number LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern, pattern, pattern)
	}

	query := `SELECT ` + movementColumns + `
		FROM movements m
		JOIN persons p ON p.id = m.person_id
		JOIN cards c ON c.id = m.card_id
		LEFT JOIN establishments e ON e.id = m.establishment_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY m.occurred_on DESC, m.recorded_at DESC, m.id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	return collectMovements(rows)
}

// ListUnassignedPayments returns payments that have no allocation rows,
// oldest first. Only the person, card and date bounds of f apply.
func (q *Queries) ListUnassignedPayments(ctx context.Context, f core.MovementFilter) ([]core.Movement, error) {
	query := `SELECT ` + movementColumns + `
		FROM movements m
		WHERE m.kind = 'PAYMENT'
		  AND NOT EXISTS (SELECT 1 FROM allocations a WHERE a.payment_id = m.id)`
	var args []any
	if f.PersonID > 0 {
		query += " AND m.person_id = ?"
		args = append(args, f.PersonID)
	}
	if f.CardID > 0 {
		query += " AND m.card_id = ?"
		args = append(args, f.CardID)
	}
	if !f.From.IsZero() {
		query += " AND m.occurred_on >= ?"
		args = append(args, f.From.String())
	}
	if !f.To.IsZero() {
		query += " AND m.occurred_on <= ?"
		args = append(args, f.To.String())
	}
	query += " ORDER BY m.occurred_on, m.id"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unassigned payments: %w", err)
	}
	return collectMovements(rows)
}

// ListOpenDebits returns debit movements of the owner pair with exactly the
// given amount and a positive remaining balance.
func (q *Queries) ListOpenDebits(ctx context.Context, personID, cardID int64, amount core.Money) ([]core.OpenDebit, error) {
	return q.openDebits(ctx, "m.person_id = ? AND m.card_id = ? AND m.amount_cents = ?", personID, cardID, amount.Cents)
}

// ListPersonOpenDebits returns every debit of a person that still has a
// positive remaining balance, oldest first. A zero cardID spans all cards.
func (q *Queries) ListPersonOpenDebits(ctx context.Context, personID, cardID int64) ([]core.OpenDebit, error) {
	if cardID > 0 {
		return q.openDebits(ctx, "m.person_id = ? AND m.card_id = ?", personID, cardID)
	}
	return q.openDebits(ctx, "m.person_id = ?", personID)
}

func (q *Queries) openDebits(ctx context.Context, where string, args ...any) ([]core.OpenDebit, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+movementColumns+`, COALESCE(applied.total, 0)
		FROM movements m
		LEFT JOIN (SELECT purchase_id, SUM(applied_cents) AS total FROM allocations GROUP BY purchase_id) applied
		       ON applied.purchase_id = m.id
		WHERE `+where+` AND m.kind IN `+debitKindsSQL+`
		  AND m.amount_cents > COALESCE(applied.total, 0)
		ORDER BY m.occurred_on, m.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list open debits: %w", err)
	}
	defer rows.Close()

	var out []core.OpenDebit
	for rows.Next() {
		var d core.OpenDebit
		m, err := scanMovement(rows, &d.Applied.Cents)
		if err != nil {
			return nil, fmt.Errorf("scan open debit: %w", err)
		}
		d.Movement = m
		out = append(out, d)
	}
	return out, rows.Err()
}

func (q *Queries) totals(ctx context.Context, where string, args ...any) (core.Totals, error) {
	var t core.Totals
	err := q.db.QueryRowContext(ctx, `SELECT
		COALESCE(SUM(CASE WHEN kind IN `+debitKindsSQL+` THEN amount_cents ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN kind IN ('PAYMENT', 'CASHBACK') THEN amount_cents ELSE 0 END), 0)
		FROM movements WHERE `+where, args...).Scan(&t.Debit.Cents, &t.Credit.Cents)
	if err != nil {
		return t, fmt.Errorf("sum movements: %w", err)
	}
	return t, nil
}

// OwnerTotals aggregates every movement of a (person, card) pair.
func (q *Queries) OwnerTotals(ctx context.Context, personID, cardID int64) (core.Totals, error) {
	return q.totals(ctx, "person_id = ? AND card_id = ?", personID, cardID)
}

// CardTotals aggregates every movement on a card.
func (q *Queries) CardTotals(ctx context.Context, cardID int64) (core.Totals, error) {
	return q.totals(ctx, "card_id = ?", cardID)
}

// PersonTotals aggregates every movement of a person across cards.
func (q *Queries) PersonTotals(ctx context.Context, personID int64) (core.Totals, error) {
	return q.totals(ctx, "person_id = ?", personID)
}

// CountMovements counts movements on a card, optionally for one person only.
func (q *Queries) CountMovements(ctx context.Context, cardID, personID int64) (int64, error) {
	query := `SELECT COUNT(*) FROM movements WHERE card_id = ?`
	args := []any{cardID}
	if personID > 0 {
		query += ` AND person_id = ?`
		args = append(args, personID)
	}
	var n int64
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count movements: %w", err)
	}
	return n, nil
}

// CardCashback returns the cashback generated by purchases on a card and the
// cashback already credited through CASHBACK movements.
func (q *Queries) CardCashback(ctx context.Context, cardID int64) (earned, credited core.Money, err error) {
	err = q.db.QueryRowContext(ctx, `SELECT
		COALESCE(SUM(cashback_cents), 0),
		COALESCE(SUM(CASE WHEN kind = 'CASHBACK' THEN amount_cents ELSE 0 END), 0)
		FROM movements WHERE card_id = ?`, cardID).Scan(&earned.Cents, &credited.Cents)
	if err != nil {
		return earned, credited, fmt.Errorf("sum cashback: %w", err)
	}
	return earned, credited, nil
}
