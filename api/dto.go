/*
dto.go - Request and response bodies

PURPOSE:
  JSON shapes for the HTTP API. They keep the ledger's types out of the
  wire contract: amounts travel as JSON numbers with two decimal places,
  movement kinds are presented as deposit/withdraw/transfer_in/transfer_out.

NAMING CONVENTION:
  - *Request: Request body types from clients (validated on decode)
  - *DTO: Response types returned to clients

SEE ALSO:
  - handlers.go: Uses these types
  - validate.go: decodeJSON and field messages
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/warp/balance-ledger/ledger"
	"github.com/warp/balance-ledger/users"
)

// =============================================================================
// REQUESTS
// =============================================================================

type CreateUserRequest struct {
	Name     string `json:"name" validate:"required,max=120"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6,max=128"`
}

type CreateSessionRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// MovementRequest is the body of deposit, withdraw and transfer calls.
type MovementRequest struct {
	Amount      json.Number `json:"amount" validate:"required"`
	Description string      `json:"description" validate:"max=255"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type UserDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AccountID string `json:"account_id"`
	CreatedAt string `json:"created_at"`
}

type SessionDTO struct {
	User  UserDTO `json:"user"`
	Token string  `json:"token"`
}

// MovementDTO is one statement line.
type MovementDTO struct {
	ID             string      `json:"id"`
	UserID         string      `json:"user_id,omitempty"`
	AccountID      string      `json:"account_id"`
	Amount         json.Number `json:"amount"`
	Kind           string      `json:"kind"`
	Type           string      `json:"type"`
	Description    string      `json:"description"`
	Sequence       int64       `json:"sequence"`
	CreatedAt      string      `json:"created_at"`
	TransferID     string      `json:"transfer_id,omitempty"`
	CounterpartyID string      `json:"counterparty_id,omitempty"`
}

type BalanceDTO struct {
	Statement []MovementDTO `json:"statement"`
	Balance   json.Number   `json:"balance"`
}

type TransferDTO struct {
	ID     string      `json:"id"`
	From   string      `json:"from"`
	To     string      `json:"to"`
	Amount json.Number `json:"amount"`
	Debit  MovementDTO `json:"debit"`
	Credit MovementDTO `json:"credit"`
}

type HealthDTO struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ErrorResponse carries the same text in error and message; statement
// clients read message.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

const (
	TypeDeposit     = "deposit"
	TypeWithdraw    = "withdraw"
	TypeTransferIn  = "transfer_in"
	TypeTransferOut = "transfer_out"
)

func movementType(m ledger.Movement) string {
	switch {
	case m.IsTransfer() && m.Kind == ledger.Credit:
		return TypeTransferIn
	case m.IsTransfer():
		return TypeTransferOut
	case m.Kind == ledger.Credit:
		return TypeDeposit
	default:
		return TypeWithdraw
	}
}

func amountJSON(a ledger.Amount) json.Number {
	return json.Number(a.String())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toMovementDTO(m ledger.Movement, userID string) MovementDTO {
	return MovementDTO{
		ID:             string(m.ID),
		UserID:         userID,
		AccountID:      string(m.AccountID),
		Amount:         amountJSON(m.Amount),
		Kind:           string(m.Kind),
		Type:           movementType(m),
		Description:    m.Description,
		Sequence:       m.Sequence,
		CreatedAt:      formatTime(m.CreatedAt),
		TransferID:     string(m.TransferID),
		CounterpartyID: string(m.CounterpartyID),
	}
}

func toMovementDTOs(ms []ledger.Movement, userID string) []MovementDTO {
	dtos := make([]MovementDTO, len(ms))
	for i, m := range ms {
		dtos[i] = toMovementDTO(m, userID)
	}
	return dtos
}

func toTransferDTO(t ledger.Transfer, userID string) TransferDTO {
	return TransferDTO{
		ID:     string(t.ID),
		From:   string(t.Debit.AccountID),
		To:     string(t.Credit.AccountID),
		Amount: amountJSON(t.Debit.Amount),
		Debit:  toMovementDTO(t.Debit, userID),
		Credit: toMovementDTO(t.Credit, ""),
	}
}

func toUserDTO(u users.User) UserDTO {
	return UserDTO{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		AccountID: string(u.AccountID),
		CreatedAt: formatTime(u.CreatedAt),
	}
}
