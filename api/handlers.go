/*
handlers.go - HTTP handlers for users, sessions and statements

PURPOSE:
  Exposes registration, login and the ledger over REST. Handlers parse and
  validate, resolve the caller's account from the verified token, call the
  ledger or users service, and serialize the result.

ENDPOINTS:
  Users:
    POST   /api/v1/users                          Register
    POST   /api/v1/sessions                       Log in, returns a bearer token
    GET    /api/v1/profile                        Current user

  Statements (bearer token required):
    GET    /api/v1/statements/balance             History and balance
    POST   /api/v1/statements/deposit             Credit the caller's account
    POST   /api/v1/statements/withdraw            Debit the caller's account
    POST   /api/v1/statements/transfers/{account_id}  Move funds to account_id
    GET    /api/v1/statements/{statement_id}      One movement

  Ops:
    GET    /healthz
    GET    /metrics

ACCOUNT RESOLUTION:
  The account a statement call operates on always comes from the token,
  never from the body. Only the transfer destination is caller-supplied.

IDEMPOTENCY:
  An Idempotency-Key header on deposit, withdraw or transfer is passed to
  the ledger, which replays the original movement for a repeated key.

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error to status mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/warp/balance-ledger/auth"
	"github.com/warp/balance-ledger/ledger"
	"github.com/warp/balance-ledger/logger"
	"github.com/warp/balance-ledger/users"
)

// IdempotencyHeader names the retry key a client may send.
const IdempotencyHeader = "Idempotency-Key"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger *ledger.Service
	Users  *users.Service
	Health Pinger

	log *logger.Logger
}

func NewHandler(ledgerSvc *ledger.Service, userSvc *users.Service, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{Ledger: ledgerSvc, Users: userSvc, log: log}
}

// =============================================================================
// USERS
// =============================================================================

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	u, err := h.Users.Register(r.Context(), users.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(u))
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	session, err := h.Users.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionDTO{User: toUserDTO(session.User), Token: session.Token})
}

func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	u, err := h.Users.Profile(r.Context(), id.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

// =============================================================================
// STATEMENTS
// =============================================================================

// GetBalance returns the caller's statement and the balance it replays to.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	stmt, err := h.Ledger.Statement(r.Context(), id.AccountID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		Statement: toMovementDTOs(stmt.Movements, id.UserID),
		Balance:   amountJSON(stmt.Balance),
	})
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.record(w, r, ledger.Credit)
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.record(w, r, ledger.Debit)
}

func (h *Handler) record(w http.ResponseWriter, r *http.Request, kind ledger.Kind) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	amount, description, err := decodeMovement(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	m, err := h.Ledger.Record(r.Context(), ledger.RecordInput{
		AccountID:      id.AccountID,
		Kind:           kind,
		Amount:         amount,
		Description:    description,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMovementDTO(m, id.UserID))
}

// Transfer moves funds from the caller's account to {account_id}.
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	amount, description, err := decodeMovement(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	t, err := h.Ledger.Transfer(r.Context(), ledger.TransferInput{
		From:           id.AccountID,
		To:             ledger.AccountID(chi.URLParam(r, "account_id")),
		Amount:         amount,
		Description:    description,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransferDTO(t, id.UserID))
}

// GetStatement returns one of the caller's movements.
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	m, err := h.Ledger.Movement(r.Context(), id.AccountID, ledger.MovementID(chi.URLParam(r, "statement_id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMovementDTO(m, id.UserID))
}

// =============================================================================
// OPS
// =============================================================================

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			h.log.Warn(r.Context(), "api.healthz.unhealthy")
			writeJSON(w, http.StatusServiceUnavailable, HealthDTO{Status: "unavailable", Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthDTO{Status: "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// identity returns the verified caller. Routes without auth.Middleware in
// front of them answer 401.
func identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok || id.AccountID == "" {
		writeErrorResponse(w, http.StatusUnauthorized, ErrorResponse{
			Error: "JWT token is missing!", Message: "JWT token is missing!", Code: CodeUnauthorized,
		})
		return auth.Identity{}, false
	}
	return id, true
}

func decodeMovement(w http.ResponseWriter, r *http.Request) (ledger.Amount, string, error) {
	var req MovementRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return ledger.Amount{}, "", err
	}
	amount, err := ledger.ParseAmount(req.Amount.String())
	if err != nil {
		return ledger.Amount{}, "", err
	}
	return amount, strings.TrimSpace(req.Description), nil
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(IdempotencyHeader))
}
