package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"paysync/internal/config"
	"paysync/internal/domain"
	"paysync/internal/engine/access"
	"paysync/internal/events"
	"paysync/internal/funds"
	"paysync/internal/logger"
	"paysync/internal/metrics"
	"paysync/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Access access.Registry
	Events events.Sink
	Funds  funds.Vault
	Config *config.Config
	Log    *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Access: access.Registry{Repo: r},
		Events: events.Writer{Now: time.Now},
		Funds:  funds.SQLVault{Repo: r, Now: time.Now},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// clock returns the current time in Unix seconds as used for scheduling.
func (e Engine) clock() uint64 {
	secs := e.now().Unix()
	if secs < 0 {
		return 0
	}
	return uint64(secs)
}

func (e Engine) log(ctx context.Context) *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return logger.FromContext(ctx)
}

// InitOptions seeds a ledger instance.
type InitOptions struct {
	LedgerID     string
	Owner        string
	AcceptedUnit string
	Handlers     []string
	Processors   []string
	Template     string
	CreatedBy    string
}

// InitLedger creates the ledger if it does not exist yet. Owner, accepted unit
// and counters of an existing ledger are kept; handlers and processors are
// always added.
func (e Engine) InitLedger(ctx context.Context, opts InitOptions) (domain.Ledger, error) {
	opts.LedgerID = strings.TrimSpace(opts.LedgerID)
	opts.Owner = strings.TrimSpace(opts.Owner)
	opts.AcceptedUnit = strings.TrimSpace(opts.AcceptedUnit)
	if opts.LedgerID == "" {
		return domain.Ledger{}, domain.ValidationError{Field: "ledger_id", Reason: "required"}
	}
	if opts.Owner == "" {
		return domain.Ledger{}, domain.ValidationError{Field: "owner", Reason: "required"}
	}
	if opts.AcceptedUnit == "" {
		return domain.Ledger{}, domain.ValidationError{Field: "accepted_unit", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ledger{}, err
	}
	defer tx.Rollback()

	l, created, err := e.initLedgerTx(ctx, tx, opts)
	if err != nil {
		return domain.Ledger{}, err
	}
	if err := events.Commit(tx, e.Events); err != nil {
		return domain.Ledger{}, err
	}
	e.log(ctx).Info("ledger initialized",
		zap.String("ledger", l.ID),
		zap.String("owner", l.OwnerID),
		zap.String("unit", l.AcceptedUnit),
		zap.Bool("created", created))
	return l, nil
}

// InitLedgerTx is InitLedger inside a caller-owned transaction.
func (e Engine) InitLedgerTx(ctx context.Context, tx *sql.Tx, opts InitOptions) (domain.Ledger, bool, error) {
	return e.initLedgerTx(ctx, tx, opts)
}

func (e Engine) initLedgerTx(ctx context.Context, tx *sql.Tx, opts InitOptions) (domain.Ledger, bool, error) {
	created := false
	l, err := e.Repo.GetLedgerTx(ctx, tx, opts.LedgerID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		l = domain.Ledger{
			ID:           opts.LedgerID,
			OwnerID:      opts.Owner,
			AcceptedUnit: opts.AcceptedUnit,
			Template:     opts.Template,
			CreatedBy:    opts.CreatedBy,
			CreatedAt:    e.timestamp(),
		}
		if err := e.Repo.InsertLedgerTx(ctx, tx, l); err != nil {
			return domain.Ledger{}, false, fmt.Errorf("insert ledger: %w", err)
		}
		created = true
	case err != nil:
		return domain.Ledger{}, false, err
	}
	for _, h := range opts.Handlers {
		if _, err := e.Access.Add(ctx, tx, l.ID, repo.RoleHandler, h); err != nil {
			return domain.Ledger{}, false, err
		}
	}
	for _, p := range opts.Processors {
		if _, err := e.Access.Add(ctx, tx, l.ID, repo.RoleProcessor, p); err != nil {
			return domain.Ledger{}, false, err
		}
	}
	actor := opts.CreatedBy
	if actor == "" {
		actor = opts.Owner
	}
	if err := e.Events.Append(ctx, tx, events.TypeLedgerInit, l.ID, "ledger", l.ID, actor, events.EventPayload{
		"owner":         l.OwnerID,
		"accepted_unit": l.AcceptedUnit,
		"handlers":      nonNil(opts.Handlers),
		"processors":    nonNil(opts.Processors),
		"created":       created,
	}); err != nil {
		return domain.Ledger{}, false, err
	}
	l, err = e.Repo.GetLedgerTx(ctx, tx, l.ID)
	return l, created, err
}

// TopUp credits a deposit of the accepted unit to the ledger.
func (e Engine) TopUp(ctx context.Context, ledgerID, caller string, d domain.Deposit) (domain.Ledger, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ledger{}, err
	}
	defer tx.Rollback()

	if err := e.Access.RequireHandler(ctx, tx, ledgerID, caller); err != nil {
		return domain.Ledger{}, err
	}
	l, err := e.Repo.GetLedgerTx(ctx, tx, ledgerID)
	if err != nil {
		return domain.Ledger{}, err
	}
	if d.Unit != l.AcceptedUnit {
		return domain.Ledger{}, fmt.Errorf("%w: ledger accepts %s, got %s", domain.ErrInvalidToken, l.AcceptedUnit, d.Unit)
	}
	if err := domain.CheckAmount("amount", d.Amount); err != nil {
		return domain.Ledger{}, err
	}
	balance, err := e.Funds.Deposit(ctx, tx, ledgerID, caller, d)
	if err != nil {
		return domain.Ledger{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeTopUp, ledgerID, "ledger", ledgerID, caller, events.EventPayload{
		"caller":  caller,
		"amount":  d.Amount.String(),
		"unit":    d.Unit,
		"balance": balance.String(),
	}); err != nil {
		return domain.Ledger{}, err
	}
	l.Balance = balance
	if err := events.Commit(tx, e.Events); err != nil {
		return domain.Ledger{}, err
	}
	metrics.TopUps.WithLabelValues(d.Unit).Inc()
	e.log(ctx).Info("top up",
		zap.String("ledger", ledgerID),
		zap.String("caller", caller),
		zap.String("amount", d.Amount.String()),
		zap.String("balance", balance.String()))
	return l, nil
}

// AddPaymentOptions registers a payment to a recipient address.
type AddPaymentOptions struct {
	LedgerID      string
	Caller        string
	Recipient     string
	Amount        decimal.Decimal
	ScheduledTime uint64
	IsMonthly     bool
}

// AddPayment binds the recipient address if needed and stores a new payment
// record under the next payment ID. Amount and schedule are not checked
// against balance or clock.
func (e Engine) AddPayment(ctx context.Context, opts AddPaymentOptions) (domain.Payment, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Payment{}, err
	}
	defer tx.Rollback()

	if err := e.Access.RequireHandler(ctx, tx, opts.LedgerID, opts.Caller); err != nil {
		return domain.Payment{}, err
	}
	address := strings.TrimSpace(opts.Recipient)
	if address == "" {
		return domain.Payment{}, domain.ValidationError{Field: "recipient", Reason: "required"}
	}
	if err := domain.CheckAmount("amount", opts.Amount); err != nil {
		return domain.Payment{}, err
	}
	if opts.ScheduledTime > math.MaxInt64 {
		return domain.Payment{}, domain.ValidationError{Field: "scheduled_time", Reason: "out of range"}
	}
	now := e.timestamp()
	recipientID, createdRecipient, err := e.Repo.GetOrCreateRecipientTx(ctx, tx, opts.LedgerID, address, now)
	if err != nil {
		return domain.Payment{}, fmt.Errorf("recipient %s: %w", address, err)
	}
	p, err := e.Repo.InsertPaymentTx(ctx, tx, domain.Payment{
		LedgerID:      opts.LedgerID,
		RecipientID:   recipientID,
		Amount:        opts.Amount,
		ScheduledTime: opts.ScheduledTime,
		IsMonthly:     opts.IsMonthly,
		CreatedAt:     now,
	})
	if err != nil {
		return domain.Payment{}, fmt.Errorf("insert payment: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypePaymentAdded, opts.LedgerID, "payment", paymentEntityID(p.PaymentID), opts.Caller, events.EventPayload{
		"payment_id":        p.PaymentID,
		"recipient_id":      recipientID,
		"recipient":         address,
		"recipient_created": createdRecipient,
		"handler":           opts.Caller,
		"amount":            p.Amount.String(),
		"scheduled_time":    p.ScheduledTime,
		"is_monthly":        p.IsMonthly,
	}); err != nil {
		return domain.Payment{}, err
	}
	if err := events.Commit(tx, e.Events); err != nil {
		return domain.Payment{}, err
	}
	metrics.PaymentsAdded.Inc()
	e.log(ctx).Info("payment added",
		zap.String("ledger", opts.LedgerID),
		zap.Uint64("payment_id", p.PaymentID),
		zap.Uint64("recipient_id", recipientID),
		zap.Bool("monthly", p.IsMonthly))
	return p, nil
}

func (e Engine) AddMoneyHandler(ctx context.Context, ledgerID, caller, identity string) (bool, error) {
	return e.changeMembership(ctx, ledgerID, caller, repo.RoleHandler, identity, true)
}

func (e Engine) RemoveMoneyHandler(ctx context.Context, ledgerID, caller, identity string) (bool, error) {
	return e.changeMembership(ctx, ledgerID, caller, repo.RoleHandler, identity, false)
}

func (e Engine) AddMoneyProcessor(ctx context.Context, ledgerID, caller, identity string) (bool, error) {
	return e.changeMembership(ctx, ledgerID, caller, repo.RoleProcessor, identity, true)
}

func (e Engine) RemoveMoneyProcessor(ctx context.Context, ledgerID, caller, identity string) (bool, error) {
	return e.changeMembership(ctx, ledgerID, caller, repo.RoleProcessor, identity, false)
}

// changeMembership mutates an access set. Only handlers may do so, for either set.
func (e Engine) changeMembership(ctx context.Context, ledgerID, caller string, role repo.Role, identity string, add bool) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if err := e.Access.RequireHandler(ctx, tx, ledgerID, caller); err != nil {
		return false, err
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return false, domain.ValidationError{Field: "identity", Reason: "required"}
	}
	var changed bool
	if add {
		changed, err = e.Access.Add(ctx, tx, ledgerID, role, identity)
	} else {
		changed, err = e.Access.Remove(ctx, tx, ledgerID, role, identity)
	}
	if err != nil {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, membershipEvent(role, add), ledgerID, string(role), identity, caller, events.EventPayload{
		"identity": identity,
		"changed":  changed,
	}); err != nil {
		return false, err
	}
	if err := events.Commit(tx, e.Events); err != nil {
		return false, err
	}
	return changed, nil
}

func membershipEvent(role repo.Role, add bool) string {
	switch {
	case role == repo.RoleHandler && add:
		return events.TypeHandlerAdded
	case role == repo.RoleHandler:
		return events.TypeHandlerRemoved
	case add:
		return events.TypeProcessorAdded
	default:
		return events.TypeProcessorRemoved
	}
}

func paymentEntityID(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
