package paysyncsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Paysync HTTP API client bound to one ledger.
type Client struct {
	BaseURL     string
	LedgerID    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, ledgerID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		LedgerID: ledgerID,
		Timeout:  10 * time.Second,
	}
}

// Ledger mirrors the ledger payload. Amounts are decimal strings in base units.
type Ledger struct {
	ID              string `json:"id"`
	OwnerID         string `json:"owner_id"`
	AcceptedUnit    string `json:"accepted_unit"`
	Balance         string `json:"balance"`
	NextPaymentID   uint64 `json:"next_payment_id"`
	NextRecipientID uint64 `json:"next_recipient_id"`
	Template        string `json:"template,omitempty"`
	CreatedBy       string `json:"created_by,omitempty"`
	CreatedAt       string `json:"created_at"`
}

// Status is a ledger snapshot.
type Status struct {
	Ledger              Ledger   `json:"ledger"`
	OutstandingPayments int      `json:"outstanding_payments"`
	Recipients          int      `json:"recipients"`
	Handlers            []string `json:"handlers"`
	Processors          []string `json:"processors"`
}

type Payment struct {
	LedgerID      string `json:"ledger_id"`
	PaymentID     uint64 `json:"payment_id"`
	RecipientID   uint64 `json:"recipient_id"`
	Recipient     string `json:"recipient,omitempty"`
	Amount        string `json:"amount"`
	ScheduledTime uint64 `json:"scheduled_time"`
	IsMonthly     bool   `json:"is_monthly"`
	CreatedAt     string `json:"created_at"`
}

type SettledPayment struct {
	PaymentID         uint64 `json:"payment_id"`
	RecipientID       uint64 `json:"recipient_id"`
	Recipient         string `json:"recipient"`
	Amount            string `json:"amount"`
	PreviousScheduled uint64 `json:"previous_scheduled_time"`
	NextScheduled     uint64 `json:"next_scheduled_time,omitempty"`
	IsMonthly         bool   `json:"is_monthly"`
	Retired           bool   `json:"retired"`
}

// Settlement is the outcome of a process call.
type Settlement struct {
	LedgerID        string           `json:"ledger_id"`
	Now             uint64           `json:"now"`
	StartingBalance string           `json:"starting_balance"`
	EndingBalance   string           `json:"ending_balance"`
	Settled         []SettledPayment `json:"settled"`
	Skipped         []uint64         `json:"skipped"`
}

// Membership is the result of a role change.
type Membership struct {
	LedgerID string `json:"ledger_id"`
	Role     string `json:"role"`
	Identity string `json:"identity"`
	Changed  bool   `json:"changed"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	LedgerID   string         `json:"ledger_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details are filled when the
// body carries the API error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Status returns the ledger snapshot.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, c.ledgerPath(""), nil, &resp)
	return resp, err
}

// TopUp deposits amount of unit into the ledger.
func (c *Client) TopUp(ctx context.Context, unit, amount string) (Ledger, error) {
	body := map[string]any{"unit": unit, "amount": amount}
	var resp Ledger
	err := c.do(ctx, http.MethodPost, c.ledgerPath("top-up"), body, &resp)
	return resp, err
}

// AddPayment registers a payment to recipient.
func (c *Client) AddPayment(ctx context.Context, recipient, amount string, scheduledTime uint64, monthly bool) (Payment, error) {
	body := map[string]any{
		"recipient":      recipient,
		"amount":         amount,
		"scheduled_time": scheduledTime,
		"is_monthly":     monthly,
	}
	var resp Payment
	err := c.do(ctx, http.MethodPost, c.ledgerPath("payments"), body, &resp)
	return resp, err
}

// PaymentIDs lists outstanding payment IDs in ascending order.
func (c *Client) PaymentIDs(ctx context.Context) ([]uint64, error) {
	var resp struct {
		PaymentIDs []uint64 `json:"payment_ids"`
	}
	err := c.do(ctx, http.MethodGet, c.ledgerPath("payments"), nil, &resp)
	return resp.PaymentIDs, err
}

// Payment fetches one outstanding payment.
func (c *Client) Payment(ctx context.Context, id uint64) (Payment, error) {
	var resp Payment
	err := c.do(ctx, http.MethodGet, c.ledgerPath("payments/"+strconv.FormatUint(id, 10)), nil, &resp)
	return resp, err
}

// ProcessPayments settles ids in order. On insufficient funds the returned
// error is an APIError with code insufficient_funds.
func (c *Client) ProcessPayments(ctx context.Context, ids []uint64) (Settlement, error) {
	body := map[string]any{"payment_ids": ids}
	var resp Settlement
	err := c.do(ctx, http.MethodPost, c.ledgerPath("payments/process"), body, &resp)
	return resp, err
}

// AddHandler grants the money handler role.
func (c *Client) AddHandler(ctx context.Context, identity string) (Membership, error) {
	return c.membership(ctx, http.MethodPut, "handlers", identity)
}

// RemoveHandler revokes the money handler role.
func (c *Client) RemoveHandler(ctx context.Context, identity string) (Membership, error) {
	return c.membership(ctx, http.MethodDelete, "handlers", identity)
}

// AddProcessor grants the money processor role.
func (c *Client) AddProcessor(ctx context.Context, identity string) (Membership, error) {
	return c.membership(ctx, http.MethodPut, "processors", identity)
}

// RemoveProcessor revokes the money processor role.
func (c *Client) RemoveProcessor(ctx context.Context, identity string) (Membership, error) {
	return c.membership(ctx, http.MethodDelete, "processors", identity)
}

func (c *Client) membership(ctx context.Context, method, set, identity string) (Membership, error) {
	var resp Membership
	err := c.do(ctx, method, c.ledgerPath(set+"/"+url.PathEscape(identity)), nil, &resp)
	return resp, err
}

// Deploy creates a new ledger from the factory template, owned by the caller.
func (c *Client) Deploy(ctx context.Context, acceptedUnit string, handlers []string) (Ledger, error) {
	body := map[string]any{"accepted_unit": acceptedUnit, "handlers": handlers}
	var resp Ledger
	err := c.do(ctx, http.MethodPost, "v0/factory/ledgers", body, &resp)
	return resp, err
}

// Events fetches events with optional cursor.
func (c *Client) Events(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.ledgerPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	}
	return apiErr
}

func (c *Client) ledgerPath(p string) string {
	ledger := url.PathEscape(c.LedgerID)
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return fmt.Sprintf("v0/ledgers/%s", ledger)
	}
	return fmt.Sprintf("v0/ledgers/%s/%s", ledger, p)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
