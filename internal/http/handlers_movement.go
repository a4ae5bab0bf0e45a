package http

import (
	"net/http"

	"cardledger/internal/core"
	"cardledger/internal/services"
)

type recordMovementRequest struct {
	PersonID        int64      `json:"person_id"`
	CardID          int64      `json:"card_id"`
	Kind            string     `json:"kind"`
	Amount          core.Money `json:"amount"`
	OccurredOn      core.Date  `json:"occurred_on"`
	Memo            string     `json:"memo"`
	EstablishmentID *int64     `json:"establishment_id"`
}

func (s *Server) handleRecordMovement(w http.ResponseWriter, r *http.Request) {
	var req recordMovementRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	kind, err := core.ParseKind(req.Kind)
	if err != nil {
		writeError(w, r, err)
		return
	}

	m, err := s.ledger.Movements.Record(r.Context(), core.Movement{
		PersonID:        req.PersonID,
		CardID:          req.CardID,
		Kind:            kind,
		Amount:          req.Amount,
		OccurredOn:      req.OccurredOn,
		Memo:            sanitizeInput(req.Memo),
		EstablishmentID: req.EstablishmentID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Status(http.StatusCreated).Body(m).Write(w)
}

func (s *Server) handleListMovements(w http.ResponseWriter, r *http.Request) {
	f, err := ParseMovementFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := s.ledger.Movements.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(listOf(list)).Write(w)
}

func (s *Server) handleGetMovement(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	m, err := s.ledger.Movements.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(m).Write(w)
}

// updateMovementRequest holds the editable fields. An establishment_id of 0
// removes the establishment.
type updateMovementRequest struct {
	Amount          *core.Money `json:"amount"`
	OccurredOn      *core.Date  `json:"occurred_on"`
	Memo            *string     `json:"memo"`
	EstablishmentID *int64      `json:"establishment_id"`
}

func (s *Server) handleUpdateMovement(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req updateMovementRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	m, err := s.ledger.Movements.Update(r.Context(), id, services.MovementUpdate{
		Amount:          req.Amount,
		OccurredOn:      req.OccurredOn,
		Memo:            sanitizePtr(req.Memo),
		EstablishmentID: req.EstablishmentID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(m).Write(w)
}

func (s *Server) handleDeleteMovement(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.ledger.Movements.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}
