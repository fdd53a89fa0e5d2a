package domain

import "github.com/shopspring/decimal"

// RecurrencePeriod is the interval added to a monthly payment on each settlement.
const RecurrencePeriod uint64 = 30 * 24 * 60 * 60

type Ledger struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	AcceptedUnit    string          `json:"accepted_unit"`
	Balance         decimal.Decimal `json:"balance"`
	NextPaymentID   uint64          `json:"next_payment_id"`
	NextRecipientID uint64          `json:"next_recipient_id"`
	Template        string          `json:"template,omitempty"`
	CreatedBy       string          `json:"created_by,omitempty"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
}

type Recipient struct {
	LedgerID    string `json:"ledger_id"`
	RecipientID uint64 `json:"recipient_id"`
	Address     string `json:"address"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Payment struct {
	LedgerID      string          `json:"ledger_id"`
	PaymentID     uint64          `json:"payment_id"`
	RecipientID   uint64          `json:"recipient_id"`
	Amount        decimal.Decimal `json:"amount"`
	ScheduledTime uint64          `json:"scheduled_time"`
	IsMonthly     bool            `json:"is_monthly"`
	CreatedAt     string          `json:"created_at" format:"date-time"`
}

// AdvanceRecurrence moves a monthly payment one period forward.
// One-off payments are left untouched.
func (p *Payment) AdvanceRecurrence() {
	if !p.IsMonthly {
		return
	}
	p.ScheduledTime += RecurrencePeriod
}

// Deposit is an incoming top-up of a ledger's accepted unit.
type Deposit struct {
	Unit   string          `json:"unit"`
	Amount decimal.Decimal `json:"amount"`
}

type Transfer struct {
	ID           int64           `json:"id"`
	LedgerID     string          `json:"ledger_id"`
	Direction    string          `json:"direction" enum:"in,out"`
	Counterparty string          `json:"counterparty"`
	Amount       decimal.Decimal `json:"amount"`
	Unit         string          `json:"unit"`
	TS           string          `json:"ts" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	LedgerID   string `json:"ledger_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// SettledPayment describes one item disbursed by a settlement batch.
type SettledPayment struct {
	PaymentID         uint64          `json:"payment_id"`
	RecipientID       uint64          `json:"recipient_id"`
	Recipient         string          `json:"recipient"`
	Amount            decimal.Decimal `json:"amount"`
	PreviousScheduled uint64          `json:"previous_scheduled_time"`
	NextScheduled     uint64          `json:"next_scheduled_time,omitempty"`
	IsMonthly         bool            `json:"is_monthly"`
	Retired           bool            `json:"retired"`
}

// SettlementReport is the outcome of one processPayments call. When the batch
// stops on insufficient funds it still lists the items settled before the stop.
type SettlementReport struct {
	LedgerID        string           `json:"ledger_id"`
	Now             uint64           `json:"now"`
	StartingBalance decimal.Decimal  `json:"starting_balance"`
	EndingBalance   decimal.Decimal  `json:"ending_balance"`
	Settled         []SettledPayment `json:"settled"`
	Skipped         []uint64         `json:"skipped"`
}

// SettledIDs returns the payment IDs settled in order.
func (r SettlementReport) SettledIDs() []uint64 {
	ids := make([]uint64, 0, len(r.Settled))
	for _, s := range r.Settled {
		ids = append(ids, s.PaymentID)
	}
	return ids
}

// LedgerStatus is a read-only snapshot of a ledger instance.
type LedgerStatus struct {
	Ledger      Ledger   `json:"ledger"`
	Outstanding int      `json:"outstanding_payments"`
	Recipients  int      `json:"recipients"`
	Handlers    []string `json:"handlers"`
	Processors  []string `json:"processors"`
}
