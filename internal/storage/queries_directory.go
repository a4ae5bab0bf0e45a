package storage

import (
	"context"
	"database/sql"
	"fmt"

	"cardledger/internal/core"

	"github.com/shopspring/decimal"
)

const (
	personColumns        = "id, name, email, phone, active, registered_on"
	cardColumns          = "id, number, network, bank, holder_id, payment_due_day, expires_on, credit_limit_cents, current_balance_cents, active, created_at"
	establishmentColumns = "id, name, description, cashback_rate, active"
)

func scanPerson(s rowScanner) (core.Person, error) {
	var (
		p          core.Person
		registered string
	)
	if err := s.Scan(&p.ID, &p.Name, &p.Email, &p.Phone, &p.Active, &registered); err != nil {
		return p, err
	}
	d, err := parseDate(registered)
	if err != nil {
		return p, err
	}
	p.RegisteredOn = d
	return p, nil
}

func (q *Queries) CreatePerson(ctx context.Context, p core.Person) (core.Person, error) {
	if p.RegisteredOn.IsZero() {
		now := q.now()
		p.RegisteredOn = core.NewDate(now.Year(), int(now.Month()), now.Day())
	}
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO persons (name, email, phone, active, registered_on) VALUES (?, ?, ?, ?, ?)`,
		p.Name, p.Email, p.Phone, p.Active, p.RegisteredOn.String())
	if err != nil {
		return p, fmt.Errorf("insert person: %w", err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return p, fmt.Errorf("person id: %w", err)
	}
	return p, nil
}

func (q *Queries) GetPerson(ctx context.Context, id int64) (core.Person, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+personColumns+` FROM persons WHERE id = ?`, id)
	p, err := scanPerson(row)
	if err != nil {
		return p, notFound(err, "person", id)
	}
	return p, nil
}

func (q *Queries) UpdatePerson(ctx context.Context, p core.Person) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE persons SET name = ?, email = ?, phone = ?, active = ? WHERE id = ?`,
		p.Name, p.Email, p.Phone, p.Active, p.ID)
	if err != nil {
		return fmt.Errorf("update person: %w", err)
	}
	return requireAffected(res, "person", p.ID)
}

// DeletePerson removes a person. Their movements, card memberships and the
// cards they hold go with them.
func (q *Queries) DeletePerson(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM persons WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete person: %w", err)
	}
	return requireAffected(res, "person", id)
}

// PersonCardIDs lists the cards a person holds or has movements on.
func (q *Queries) PersonCardIDs(ctx context.Context, personID int64) ([]int64, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id FROM cards WHERE holder_id = ?
		UNION SELECT DISTINCT card_id FROM movements WHERE person_id = ?
		ORDER BY 1`, personID, personID)
	if err != nil {
		return nil, fmt.Errorf("list person cards: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan card id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (q *Queries) ListPersons(ctx context.Context, activeOnly bool) ([]core.Person, error) {
	query := `SELECT ` + personColumns + ` FROM persons`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY name, id`

	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list persons: %w", err)
	}
	defer rows.Close()

	var persons []core.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		persons = append(persons, p)
	}
	return persons, rows.Err()
}

func scanCard(s rowScanner) (core.Card, error) {
	var (
		c                         core.Card
		network, expires, created string
		holder                    sql.NullInt64
	)
	if err := s.Scan(&c.ID, &c.Number, &network, &c.Bank, &holder, &c.PaymentDueDay, &expires,
		&c.CreditLimit.Cents, &c.CurrentBalance.Cents, &c.Active, &created); err != nil {
		return c, err
	}
	c.Network = core.Network(network)
	c.HolderID = idPtr(holder)

	var err error
	if c.ExpiresOn, err = parseDate(expires); err != nil {
		return c, err
	}
	if c.CreatedAt, err = parseTimestamp(created); err != nil {
		return c, err
	}
	return c, nil
}

func (q *Queries) CreateCard(ctx context.Context, c core.Card) (core.Card, error) {
	c.CreatedAt = q.now()
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO cards (number, network, bank, holder_id, payment_due_day, expires_on,
		                    credit_limit_cents, current_balance_cents, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		c.Number, string(c.Network), c.Bank, nullableID(c.HolderID), c.PaymentDueDay, c.ExpiresOn.String(),
		c.CreditLimit.Cents, c.Active, formatTimestamp(c.CreatedAt))
	if isUniqueViolation(err) {
		return c, core.NewValidationError("number", "card number already registered")
	}
	if err != nil {
		return c, fmt.Errorf("insert card: %w", err)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return c, fmt.Errorf("card id: %w", err)
	}
	c.CurrentBalance = core.Money{}
	return c, nil
}

func (q *Queries) GetCard(ctx context.Context, id int64) (core.Card, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = ?`, id)
	c, err := scanCard(row)
	if err != nil {
		return c, notFound(err, "card", id)
	}
	return c, nil
}

func (q *Queries) ListCards(ctx context.Context, activeOnly bool) ([]core.Card, error) {
	query := `SELECT ` + cardColumns + ` FROM cards`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY bank, number`

	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	var cards []core.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

// UpdateCard rewrites the descriptive fields and the credit limit. The
// current balance is left alone.
func (q *Queries) UpdateCard(ctx context.Context, c core.Card) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE cards
		 SET number = ?, network = ?, bank = ?, holder_id = ?, payment_due_day = ?, expires_on = ?,
		     credit_limit_cents = ?, active = ?
		 WHERE id = ?`,
		c.Number, string(c.Network), c.Bank, nullableID(c.HolderID), c.PaymentDueDay, c.ExpiresOn.String(),
		c.CreditLimit.Cents, c.Active, c.ID)
	if isUniqueViolation(err) {
		return core.NewValidationError("number", "card number already registered")
	}
	if err != nil {
		return fmt.Errorf("update card: %w", err)
	}
	return requireAffected(res, "card", c.ID)
}

// DeleteCard removes a card with its users, movements and allocations.
func (q *Queries) DeleteCard(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM cards WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete card: %w", err)
	}
	return requireAffected(res, "card", id)
}

// UpdateCardBalance persists a freshly aggregated current balance.
func (q *Queries) UpdateCardBalance(ctx context.Context, cardID int64, balance core.Money) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE cards SET current_balance_cents = ? WHERE id = ?`, balance.Cents, cardID)
	if err != nil {
		return fmt.Errorf("update card balance: %w", err)
	}
	return requireAffected(res, "card", cardID)
}

// SetCardUsers replaces the set of persons sharing a card.
func (q *Queries) SetCardUsers(ctx context.Context, cardID int64, personIDs []int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM card_users WHERE card_id = ?`, cardID); err != nil {
		return fmt.Errorf("clear card users: %w", err)
	}
	for _, id := range personIDs {
		if err := q.AddCardUser(ctx, cardID, id); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queries) AddCardUser(ctx context.Context, cardID, personID int64) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO card_users (card_id, person_id) VALUES (?, ?)`, cardID, personID)
	if err != nil {
		return fmt.Errorf("add card user: %w", err)
	}
	return nil
}

func (q *Queries) ListCardUsers(ctx context.Context, cardID int64, activeOnly bool) ([]core.Person, error) {
	query := `SELECT p.id, p.name, p.email, p.phone, p.active, p.registered_on
	          FROM persons p JOIN card_users cu ON cu.person_id = p.id
	          WHERE cu.card_id = ?`
	if activeOnly {
		query += ` AND p.active = 1`
	}
	query += ` ORDER BY p.name, p.id`

	rows, err := q.db.QueryContext(ctx, query, cardID)
	if err != nil {
		return nil, fmt.Errorf("list card users: %w", err)
	}
	defer rows.Close()

	var persons []core.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card user: %w", err)
		}
		persons = append(persons, p)
	}
	return persons, rows.Err()
}

func scanEstablishment(s rowScanner) (core.Establishment, error) {
	var (
		e    core.Establishment
		rate string
	)
	if err := s.Scan(&e.ID, &e.Name, &e.Description, &rate, &e.Active); err != nil {
		return e, err
	}
	d, err := decimal.NewFromString(rate)
	if err != nil {
		return e, fmt.Errorf("parse cashback rate %q: %w", rate, err)
	}
	e.CashbackRate = d
	return e, nil
}

func (q *Queries) CreateEstablishment(ctx context.Context, e core.Establishment) (core.Establishment, error) {
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO establishments (name, description, cashback_rate, active) VALUES (?, ?, ?, ?)`,
		e.Name, e.Description, e.CashbackRate.StringFixed(2), e.Active)
	if err != nil {
		return e, fmt.Errorf("insert establishment: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return e, fmt.Errorf("establishment id: %w", err)
	}
	return e, nil
}

func (q *Queries) GetEstablishment(ctx context.Context, id int64) (core.Establishment, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+establishmentColumns+` FROM establishments WHERE id = ?`, id)
	e, err := scanEstablishment(row)
	if err != nil {
		return e, notFound(err, "establishment", id)
	}
	return e, nil
}

func (q *Queries) ListEstablishments(ctx context.Context, activeOnly bool) ([]core.Establishment, error) {
	query := `SELECT ` + establishmentColumns + ` FROM establishments`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY name, id`

	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list establishments: %w", err)
	}
	defer rows.Close()

	var out []core.Establishment
	for rows.Next() {
		e, err := scanEstablishment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan establishment: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *Queries) UpdateEstablishment(ctx context.Context, e core.Establishment) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE establishments SET name = ?, description = ?, cashback_rate = ?, active = ? WHERE id = ?`,
		e.Name, e.Description, e.CashbackRate.StringFixed(2), e.Active, e.ID)
	if err != nil {
		return fmt.Errorf("update establishment: %w", err)
	}
	return requireAffected(res, "establishment", e.ID)
}

// DeleteEstablishment removes an establishment. Movements made there keep
// their recorded cashback and lose the reference.
func (q *Queries) DeleteEstablishment(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM establishments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete establishment: %w", err)
	}
	return requireAffected(res, "establishment", id)
}
