/*
Package events turns committed ledger movements into published events.

TOPICS:
  ledger.movement.recorded    one per deposit or withdrawal
  ledger.transfer.completed   one per transfer, carrying both legs

Events are published after the account's section is released. A publish
failure is logged by the ledger service and never undoes the movement.
*/
package events

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/balance-ledger/ledger"
)

const (
	TopicMovementRecorded  = "ledger.movement.recorded"
	TopicTransferCompleted = "ledger.transfer.completed"
)

// Publisher delivers an event to a topic. key selects the partition.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, event any) error
}

type MovementRecorded struct {
	MovementID  string          `json:"movement_id"`
	AccountID   string          `json:"account_id"`
	Kind        string          `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Sequence    int64           `json:"sequence"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

type TransferCompleted struct {
	TransferID  string          `json:"transfer_id"`
	FromAccount string          `json:"from_account"`
	ToAccount   string          `json:"to_account"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// Notifier adapts a Publisher to ledger.Notifier.
type Notifier struct {
	Publisher Publisher
}

var _ ledger.Notifier = (*Notifier)(nil)

func NewNotifier(p Publisher) *Notifier {
	return &Notifier{Publisher: p}
}

func (n *Notifier) MovementRecorded(ctx context.Context, m ledger.Movement) error {
	return n.Publisher.Publish(ctx, TopicMovementRecorded, string(m.AccountID), MovementRecorded{
		MovementID:  string(m.ID),
		AccountID:   string(m.AccountID),
		Kind:        string(m.Kind),
		Amount:      m.Amount.Value,
		Description: m.Description,
		Sequence:    m.Sequence,
		OccurredAt:  m.CreatedAt,
	})
}

func (n *Notifier) TransferCompleted(ctx context.Context, t ledger.Transfer) error {
	return n.Publisher.Publish(ctx, TopicTransferCompleted, string(t.Debit.AccountID), TransferCompleted{
		TransferID:  string(t.ID),
		FromAccount: string(t.Debit.AccountID),
		ToAccount:   string(t.Credit.AccountID),
		Amount:      t.Debit.Amount.Value,
		Description: t.Debit.Description,
		OccurredAt:  t.Debit.CreatedAt,
	})
}

// Discard is a Publisher that drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, string, string, any) error { return nil }
