package factory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"paysync/internal/domain"
	"paysync/internal/engine"
	"paysync/internal/engine/access"
	"paysync/internal/events"
	"paysync/internal/logger"
	"paysync/internal/repo"
)

const templateKey = "template"

// AdminRole names the factory.admin identity in forbidden errors.
const AdminRole repo.Role = "factory admin"

// Deployer creates ledger instances from a shared template and indexes them
// under their creator.
type Deployer struct {
	Engine engine.Engine
	NewID  func() string
}

func (d Deployer) newID() string {
	if d.NewID != nil {
		return d.NewID()
	}
	return uuid.NewString()
}

func (d Deployer) now() string {
	if d.Engine.Now != nil {
		return d.Engine.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (d Deployer) isAdmin(actorID string) bool {
	if d.Engine.Config == nil {
		return false
	}
	admin := strings.TrimSpace(d.Engine.Config.Factory.Admin)
	return admin != "" && strings.TrimSpace(actorID) == admin
}

// Template returns the stored template, falling back to factory.template from
// config. An unset template is returned as "".
func (d Deployer) Template(ctx context.Context) (string, error) {
	v, err := d.Engine.Repo.GetSetting(ctx, templateKey)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	if d.Engine.Config != nil {
		return d.Engine.Config.Factory.Template, nil
	}
	return "", nil
}

// SetTemplate replaces the stored template. Only factory.admin may call it;
// with no admin configured the template stays config-only.
func (d Deployer) SetTemplate(ctx context.Context, actorID, template string) error {
	if !d.isAdmin(actorID) {
		return access.ForbiddenError{Role: AdminRole}
	}
	template = strings.TrimSpace(template)
	if template == "" {
		return domain.ValidationError{Field: "template", Reason: "required"}
	}
	tx, err := d.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := d.Engine.Repo.SetSettingTx(ctx, tx, templateKey, template, d.now()); err != nil {
		return err
	}
	if err := d.Engine.Events.Append(ctx, tx, events.TypeFactoryTemplateSet, "", "factory", templateKey, actorID, events.EventPayload{"template": template}); err != nil {
		return err
	}
	return events.Commit(tx, d.Engine.Events)
}

// Deploy clones the template into a new ledger owned by creator. The given
// handlers are seeded with the creator appended, and the processor set starts
// empty since the owner already settles implicitly.
func (d Deployer) Deploy(ctx context.Context, creator, unit string, handlers []string) (domain.Ledger, error) {
	creator = strings.TrimSpace(creator)
	unit = strings.TrimSpace(unit)
	if creator == "" {
		return domain.Ledger{}, domain.ValidationError{Field: "creator", Reason: "required"}
	}
	if unit == "" {
		return domain.Ledger{}, domain.ValidationError{Field: "accepted_unit", Reason: "required"}
	}
	template, err := d.Template(ctx)
	if err != nil {
		return domain.Ledger{}, err
	}
	if template == "" {
		return domain.Ledger{}, domain.ValidationError{Field: "template", Reason: "factory template is not set"}
	}

	tx, err := d.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ledger{}, err
	}
	defer tx.Rollback()

	l, _, err := d.Engine.InitLedgerTx(ctx, tx, engine.InitOptions{
		LedgerID:     d.newID(),
		Owner:        creator,
		AcceptedUnit: unit,
		Handlers:     append(append([]string(nil), handlers...), creator),
		Template:     template,
		CreatedBy:    creator,
	})
	if err != nil {
		return domain.Ledger{}, fmt.Errorf("deploy: %w", err)
	}
	if err := d.Engine.Events.Append(ctx, tx, events.TypeFactoryDeploy, l.ID, "ledger", l.ID, creator, events.EventPayload{
		"template":      template,
		"accepted_unit": unit,
		"handlers":      handlers,
	}); err != nil {
		return domain.Ledger{}, err
	}
	if err := events.Commit(tx, d.Engine.Events); err != nil {
		return domain.Ledger{}, err
	}
	logger.FromContext(ctx).Info("ledger deployed", zap.String("ledger", l.ID), zap.String("creator", creator), zap.String("template", template))
	return l, nil
}

// OwnerLedgers lists ledgers deployed by creator in deployment order.
func (d Deployer) OwnerLedgers(ctx context.Context, creator string) ([]domain.Ledger, error) {
	return d.Engine.Repo.ListLedgers(ctx, repo.LedgerFilters{CreatedBy: creator})
}

// AllLedgers lists every ledger deployed through the factory.
func (d Deployer) AllLedgers(ctx context.Context) ([]domain.Ledger, error) {
	return d.Engine.Repo.ListLedgers(ctx, repo.LedgerFilters{DeployedOnly: true})
}
