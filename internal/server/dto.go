package server

import (
	"encoding/json"

	"paysync/internal/domain"
)

// Request payloads. Amounts travel as decimal strings in base units.

type TopUpRequest struct {
	Unit   string `json:"unit" example:"USDC-c76f1f"`
	Amount string `json:"amount" example:"1000000"`
}

type AddPaymentRequest struct {
	Recipient     string `json:"recipient" example:"erd1qqqqqqqqqqqqqpgq"`
	Amount        string `json:"amount" example:"250000"`
	ScheduledTime uint64 `json:"scheduled_time" doc:"Unix seconds"`
	IsMonthly     bool   `json:"is_monthly,omitempty"`
}

type ProcessPaymentsRequest struct {
	PaymentIDs []uint64 `json:"payment_ids"`
}

type DeployRequest struct {
	AcceptedUnit string   `json:"accepted_unit"`
	Handlers     []string `json:"handlers,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id,omitempty" doc:"defaults to the caller"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID       string `json:"actor_id"`
	Source        string `json:"source"`
	DefaultLedger string `json:"default_ledger,omitempty"`
}

type AccessResponse struct {
	LedgerID  string `json:"ledger_id"`
	ActorID   string `json:"actor_id"`
	Owner     bool   `json:"owner"`
	Handler   bool   `json:"handler"`
	Processor bool   `json:"processor"`
}

type LedgerResponse struct {
	ID              string `json:"id"`
	OwnerID         string `json:"owner_id"`
	AcceptedUnit    string `json:"accepted_unit"`
	Balance         string `json:"balance"`
	NextPaymentID   uint64 `json:"next_payment_id"`
	NextRecipientID uint64 `json:"next_recipient_id"`
	Template        string `json:"template,omitempty"`
	CreatedBy       string `json:"created_by,omitempty"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type LedgerListResponse struct {
	Items []LedgerResponse `json:"items"`
}

type StatusResponse struct {
	Ledger              LedgerResponse `json:"ledger"`
	OutstandingPayments int            `json:"outstanding_payments"`
	Recipients          int            `json:"recipients"`
	Handlers            []string       `json:"handlers"`
	Processors          []string       `json:"processors"`
}

type PaymentResponse struct {
	LedgerID      string `json:"ledger_id"`
	PaymentID     uint64 `json:"payment_id"`
	RecipientID   uint64 `json:"recipient_id"`
	Recipient     string `json:"recipient,omitempty"`
	Amount        string `json:"amount"`
	ScheduledTime uint64 `json:"scheduled_time"`
	IsMonthly     bool   `json:"is_monthly"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type PaymentListResponse struct {
	PaymentIDs []uint64          `json:"payment_ids"`
	Items      []PaymentResponse `json:"items,omitempty"`
}

type SettledPaymentResponse struct {
	PaymentID         uint64 `json:"payment_id"`
	RecipientID       uint64 `json:"recipient_id"`
	Recipient         string `json:"recipient"`
	Amount            string `json:"amount"`
	PreviousScheduled uint64 `json:"previous_scheduled_time"`
	NextScheduled     uint64 `json:"next_scheduled_time,omitempty"`
	IsMonthly         bool   `json:"is_monthly"`
	Retired           bool   `json:"retired"`
}

type SettlementResponse struct {
	LedgerID        string                   `json:"ledger_id"`
	Now             uint64                   `json:"now"`
	StartingBalance string                   `json:"starting_balance"`
	EndingBalance   string                   `json:"ending_balance"`
	Settled         []SettledPaymentResponse `json:"settled"`
	Skipped         []uint64                 `json:"skipped"`
}

type MembersResponse struct {
	LedgerID string   `json:"ledger_id"`
	Role     string   `json:"role" enum:"handler,processor"`
	Owner    string   `json:"owner" doc:"implicit member of every role"`
	Members  []string `json:"members"`
}

type MembershipResponse struct {
	LedgerID string `json:"ledger_id"`
	Role     string `json:"role" enum:"handler,processor"`
	Identity string `json:"identity"`
	Changed  bool   `json:"changed"`
}

type RecipientListResponse struct {
	Items []domain.Recipient `json:"items"`
}

type TransferResponse struct {
	ID           int64  `json:"id"`
	LedgerID     string `json:"ledger_id"`
	Direction    string `json:"direction" enum:"in,out"`
	Counterparty string `json:"counterparty"`
	Amount       string `json:"amount"`
	Unit         string `json:"unit"`
	TS           string `json:"ts" format:"date-time"`
}

type TransferListResponse struct {
	Items []TransferResponse `json:"items"`
}

type TemplateResponse struct {
	Template string `json:"template"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	LedgerID   string         `json:"ledger_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func ledgerResponse(l domain.Ledger) LedgerResponse {
	return LedgerResponse{
		ID:              l.ID,
		OwnerID:         l.OwnerID,
		AcceptedUnit:    l.AcceptedUnit,
		Balance:         l.Balance.String(),
		NextPaymentID:   l.NextPaymentID,
		NextRecipientID: l.NextRecipientID,
		Template:        l.Template,
		CreatedBy:       l.CreatedBy,
		CreatedAt:       l.CreatedAt,
	}
}

func ledgerList(items []domain.Ledger) LedgerListResponse {
	res := LedgerListResponse{Items: make([]LedgerResponse, 0, len(items))}
	for _, l := range items {
		res.Items = append(res.Items, ledgerResponse(l))
	}
	return res
}

func statusResponse(st domain.LedgerStatus) StatusResponse {
	return StatusResponse{
		Ledger:              ledgerResponse(st.Ledger),
		OutstandingPayments: st.Outstanding,
		Recipients:          st.Recipients,
		Handlers:            nonNilSlice(st.Handlers),
		Processors:          nonNilSlice(st.Processors),
	}
}

func paymentResponse(p domain.Payment, recipient string) PaymentResponse {
	return PaymentResponse{
		LedgerID:      p.LedgerID,
		PaymentID:     p.PaymentID,
		RecipientID:   p.RecipientID,
		Recipient:     recipient,
		Amount:        p.Amount.String(),
		ScheduledTime: p.ScheduledTime,
		IsMonthly:     p.IsMonthly,
		CreatedAt:     p.CreatedAt,
	}
}

func settlementResponse(r domain.SettlementReport) SettlementResponse {
	res := SettlementResponse{
		LedgerID:        r.LedgerID,
		Now:             r.Now,
		StartingBalance: r.StartingBalance.String(),
		EndingBalance:   r.EndingBalance.String(),
		Settled:         make([]SettledPaymentResponse, 0, len(r.Settled)),
		Skipped:         nonNilSlice(r.Skipped),
	}
	for _, s := range r.Settled {
		res.Settled = append(res.Settled, SettledPaymentResponse{
			PaymentID:         s.PaymentID,
			RecipientID:       s.RecipientID,
			Recipient:         s.Recipient,
			Amount:            s.Amount.String(),
			PreviousScheduled: s.PreviousScheduled,
			NextScheduled:     s.NextScheduled,
			IsMonthly:         s.IsMonthly,
			Retired:           s.Retired,
		})
	}
	return res
}

func transferResponse(t domain.Transfer) TransferResponse {
	return TransferResponse{
		ID:           t.ID,
		LedgerID:     t.LedgerID,
		Direction:    t.Direction,
		Counterparty: t.Counterparty,
		Amount:       t.Amount.String(),
		Unit:         t.Unit,
		TS:           t.TS,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		LedgerID:   e.LedgerID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
