package http

import (
	"net/http"
	"time"

	"cardledger/internal/core"

	"github.com/shopspring/decimal"
)

type personRequest struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Phone  string `json:"phone"`
	Active *bool  `json:"active"`
}

func (req personRequest) person() core.Person {
	return core.Person{
		Name:   sanitizeInput(req.Name),
		Email:  sanitizeInput(req.Email),
		Phone:  sanitizeInput(req.Phone),
		Active: boolOr(req.Active, true),
	}
}

func (s *Server) handleCreatePerson(w http.ResponseWriter, r *http.Request) {
	var req personRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	now := time.Now().UTC()
	p := req.person()
	p.RegisteredOn = core.NewDate(now.Year(), int(now.Month()), now.Day())

	created, err := s.ledger.Directory.CreatePerson(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Status(http.StatusCreated).Body(created).Write(w)
}

func (s *Server) handleListPersons(w http.ResponseWriter, r *http.Request) {
	activeOnly, err := queryBool(r.URL.Query(), "active")
	if err != nil {
		writeError(w, r, err)
		return
	}
	persons, err := s.ledger.Directory.ListPersons(r.Context(), activeOnly)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(listOf(persons)).Write(w)
}

func (s *Server) handleGetPerson(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.ledger.Directory.GetPerson(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(p).Write(w)
}

func (s *Server) handleUpdatePerson(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req personRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.ledger.Directory.UpdatePerson(r.Context(), id, req.person())
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(p).Write(w)
}

func (s *Server) handleDeletePerson(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.ledger.Directory.DeletePerson(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

type cardRequest struct {
	Number        string     `json:"number"`
	Network       string     `json:"network"`
	Bank          string     `json:"bank"`
	HolderID      *int64     `json:"holder_id"`
	PaymentDueDay int        `json:"payment_due_day"`
	Expiry        string     `json:"expiry"`
	CreditLimit   core.Money `json:"credit_limit"`
	Active        *bool      `json:"active"`
	UserIDs       []int64    `json:"user_ids"`
}

func (req cardRequest) card() (core.Card, error) {
	card := core.Card{
		Number:        sanitizeInput(req.Number),
		Network:       core.Network(sanitizeInput(req.Network)),
		Bank:          sanitizeInput(req.Bank),
		HolderID:      req.HolderID,
		PaymentDueDay: req.PaymentDueDay,
		CreditLimit:   req.CreditLimit,
		Active:        boolOr(req.Active, true),
	}
	if req.Expiry != "" {
		exp, err := core.ParseExpiry(req.Expiry)
		if err != nil {
			return core.Card{}, err
		}
		card.ExpiresOn = exp
	}
	return card, nil
}

func (s *Server) handleCreateCard(w http.ResponseWriter, r *http.Request) {
	var req cardRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	card, err := req.card()
	if err != nil {
		writeError(w, r, err)
		return
	}
	d, err := s.ledger.Directory.CreateCard(r.Context(), card, req.UserIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Status(http.StatusCreated).Body(d).Write(w)
}

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	activeOnly, err := queryBool(r.URL.Query(), "active")
	if err != nil {
		writeError(w, r, err)
		return
	}
	cards, err := s.ledger.Directory.ListCards(r.Context(), activeOnly)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(listOf(cards)).Write(w)
}

func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	d, err := s.ledger.Directory.GetCard(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(d).Write(w)
}

// handleUpdateCard replaces the card fields. The stored balance is never
// taken from the request; omitting user_ids keeps the current users.
func (s *Server) handleUpdateCard(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req cardRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	card, err := req.card()
	if err != nil {
		writeError(w, r, err)
		return
	}
	d, err := s.ledger.Directory.UpdateCard(r.Context(), id, card, req.UserIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(d).Write(w)
}

func (s *Server) handleDeleteCard(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.ledger.Directory.DeleteCard(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

type setCardUsersRequest struct {
	PersonIDs []int64 `json:"person_ids"`
}

func (s *Server) handleSetCardUsers(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req setCardUsersRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	d, err := s.ledger.Directory.SetCardUsers(r.Context(), id, req.PersonIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(d).Write(w)
}

type establishmentRequest struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	CashbackRate decimal.Decimal `json:"cashback_rate"`
	Active       *bool           `json:"active"`
}

func (req establishmentRequest) establishment() core.Establishment {
	return core.Establishment{
		Name:         sanitizeInput(req.Name),
		Description:  sanitizeInput(req.Description),
		CashbackRate: req.CashbackRate,
		Active:       boolOr(req.Active, true),
	}
}

func (s *Server) handleCreateEstablishment(w http.ResponseWriter, r *http.Request) {
	var req establishmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	e, err := s.ledger.Directory.CreateEstablishment(r.Context(), req.establishment())
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Status(http.StatusCreated).Body(e).Write(w)
}

func (s *Server) handleListEstablishments(w http.ResponseWriter, r *http.Request) {
	activeOnly, err := queryBool(r.URL.Query(), "active")
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := s.ledger.Directory.ListEstablishments(r.Context(), activeOnly)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(listOf(list)).Write(w)
}

func (s *Server) handleGetEstablishment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	e, err := s.ledger.Directory.GetEstablishment(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(e).Write(w)
}

func (s *Server) handleUpdateEstablishment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req establishmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	e, err := s.ledger.Directory.UpdateEstablishment(r.Context(), id, req.establishment())
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(e).Write(w)
}

func (s *Server) handleDeleteEstablishment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.ledger.Directory.DeleteEstablishment(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}
