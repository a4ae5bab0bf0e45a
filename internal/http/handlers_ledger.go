package http

import (
	"errors"
	"net/http"

	"cardledger/internal/core"
	appLog "cardledger/internal/log"
	"cardledger/internal/services"
)

type allocationEntryRequest struct {
	PurchaseID int64      `json:"purchase_id"`
	Amount     core.Money `json:"amount"`
}

// allocateRequest accepts a single entry or a batch under "allocations",
// never both.
type allocateRequest struct {
	PurchaseID  int64                    `json:"purchase_id"`
	Amount      core.Money               `json:"amount"`
	Allocations []allocationEntryRequest `json:"allocations"`
}

func (req allocateRequest) entries() ([]services.AllocationEntry, error) {
	single := req.PurchaseID != 0 || !req.Amount.IsZero()
	if single && len(req.Allocations) > 0 {
		return nil, badRequest("send either purchase_id and amount or allocations, not both")
	}
	if single {
		return []services.AllocationEntry{{PurchaseID: req.PurchaseID, Amount: req.Amount}}, nil
	}
	out := make([]services.AllocationEntry, len(req.Allocations))
	for i, a := range req.Allocations {
		out[i] = services.AllocationEntry{PurchaseID: a.PurchaseID, Amount: a.Amount}
	}
	return out, nil
}

func (s *Server) handleAllocatePayment(w http.ResponseWriter, r *http.Request) {
	paymentID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req allocateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := req.entries()
	if err != nil {
		writeError(w, r, err)
		return
	}

	allocs, err := s.ledger.Allocations.AllocatePayment(r.Context(), paymentID, entries)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Status(http.StatusCreated).Body(allocs).Write(w)
}

func (s *Server) handleListPaymentAllocations(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	allocs, err := s.ledger.Allocations.ListForPayment(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(listOf(allocs)).Write(w)
}

func (s *Server) handleListPurchaseAllocations(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	allocs, err := s.ledger.Allocations.ListForPurchase(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(listOf(allocs)).Write(w)
}

func (s *Server) handleUnallocate(w http.ResponseWriter, r *http.Request) {
	paymentID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	purchaseID, err := pathID(r, "purchaseID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.ledger.Allocations.Unallocate(r.Context(), paymentID, purchaseID); err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

type purchaseBalanceResponse struct {
	PurchaseID int64      `json:"purchase_id"`
	Balance    core.Money `json:"balance"`
}

func (s *Server) handlePurchaseBalance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	bal, err := s.ledger.Balances.PurchaseBalance(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(purchaseBalanceResponse{PurchaseID: id, Balance: bal}).Write(w)
}

type debtResponse struct {
	PersonID int64      `json:"person_id"`
	CardID   int64      `json:"card_id,omitempty"`
	Debt     core.Money `json:"debt"`
}

// handleDebt answers GET /debts?person=&card=. Without card it reports the
// person's debt across all cards.
func (s *Server) handleDebt(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	personID, err := queryID(q, "person")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if personID == 0 {
		writeError(w, r, badRequest("person is required"))
		return
	}
	cardID, err := queryID(q, "card")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var debt core.Money
	if cardID == 0 {
		debt, err = s.ledger.Balances.PersonTotalDebt(r.Context(), personID)
	} else {
		debt, err = s.ledger.Balances.Debt(r.Context(), personID, cardID)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(debtResponse{PersonID: personID, CardID: cardID, Debt: debt}).Write(w)
}

func (s *Server) handlePersonDebt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	debt, err := s.ledger.Balances.PersonTotalDebt(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(debtResponse{PersonID: id, Debt: debt}).Write(w)
}

// handleOpenDebits lists the person's debits with a remaining balance,
// optionally on one ?card.
func (s *Server) handleOpenDebits(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	cardID, err := queryID(r.URL.Query(), "card")
	if err != nil {
		writeError(w, r, err)
		return
	}
	debits, err := s.ledger.Balances.OpenDebits(r.Context(), id, cardID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(listOf(debits)).Write(w)
}

// handleUnassignedPayments lists payments without allocations, filtered by
// ?person, ?card, ?from and ?to.
func (s *Server) handleUnassignedPayments(w http.ResponseWriter, r *http.Request) {
	f, err := ParseMovementFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	payments, err := s.ledger.Balances.UnassignedPayments(r.Context(), core.MovementFilter{
		PersonID: f.PersonID,
		CardID:   f.CardID,
		From:     f.From,
		To:       f.To,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(listOf(payments)).Write(w)
}

type availableCreditResponse struct {
	CardID          int64      `json:"card_id"`
	AvailableCredit core.Money `json:"available_credit"`
}

func (s *Server) handleAvailableCredit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	avail, err := s.ledger.Balances.CardAvailableCredit(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(availableCreditResponse{CardID: id, AvailableCredit: avail}).Write(w)
}

type reconcileFailure struct {
	PaymentID int64  `json:"payment_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type reconcileResponse struct {
	services.ReconcileReport
	Partial bool               `json:"partial"`
	Errors  []reconcileFailure `json:"errors"`
}

// handleReconcile answers 200 whenever the pass ran. Payments that failed are
// listed under errors with partial set; the rest of the report was committed.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.Reconciler.ReconcileUnassignedPayments(r.Context())
	var incomplete *services.IncompleteError
	if err != nil && !errors.As(err, &incomplete) {
		writeError(w, r, err)
		return
	}

	resp := reconcileResponse{ReconcileReport: report, Errors: []reconcileFailure{}}
	if incomplete != nil {
		ctx := r.Context()
		appLog.NewStructuredLogger(appLog.FromContext(ctx)).LogError(ctx, "Reconciliation incomplete", err,
			appLog.ComponentReconciler, appLog.OpReconcile, appLog.NewFields().WithHTTPRequest(r.Method, r.URL.Path, "", ""))
		resp.Partial = true
		for _, e := range incomplete.Errs {
			resp.Errors = append(resp.Errors, reconcileFailureFor(e))
		}
	}
	NewJSONResponse().Body(resp).Write(w)
}

func reconcileFailureFor(err error) reconcileFailure {
	var f reconcileFailure
	var pe *services.PaymentError
	if errors.As(err, &pe) {
		f.PaymentID = pe.PaymentID
		err = pe.Err
	}
	status, code := classifyError(err)
	f.Code, f.Message = code, err.Error()
	if status == http.StatusInternalServerError {
		f.Message = "internal error"
	}
	return f
}

// handleVerifyBalances recomputes every card balance; ?repair=true also
// fixes the drifted ones.
func (s *Server) handleVerifyBalances(w http.ResponseWriter, r *http.Request) {
	repair, err := queryBool(r.URL.Query(), "repair")
	if err != nil {
		writeError(w, r, err)
		return
	}
	checks, err := s.ledger.Balances.VerifyCardBalances(r.Context(), repair)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(listOf(checks)).Write(w)
}

func (s *Server) handleCardSummary(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	summary, err := s.ledger.Summary.CardSummary(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(summary).Write(w)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.ledger.Summary.Dashboard(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(d).Write(w)
}
