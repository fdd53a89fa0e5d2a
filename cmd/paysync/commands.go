package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"paysync/internal/config"
	"paysync/internal/domain"
	"paysync/internal/engine"
	"paysync/internal/factory"
	"paysync/internal/repo"
)

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ledger", Short: "Manage ledgers"}
	cmd.AddCommand(ledgerCreateCmd())
	cmd.AddCommand(ledgerDeployCmd())
	cmd.AddCommand(ledgerListCmd())
	cmd.AddCommand(ledgerShowCmd())
	cmd.AddCommand(ledgerUseCmd())
	return cmd
}

func ledgerCreateCmd() *cobra.Command {
	var id, owner, unit, template string
	var handlers, processors []string
	var writeConfig bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a ledger (existing ledgers keep owner, unit and counters)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				owner = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.InitLedger(ctx, engine.InitOptions{
					LedgerID:     id,
					Owner:        owner,
					AcceptedUnit: unit,
					Handlers:     handlers,
					Processors:   processors,
					Template:     template,
				})
				if err != nil {
					return err
				}
				if writeConfig {
					workspace := viper.GetString("workspace")
					existing, err := config.LoadOptional(workspace)
					if err != nil {
						return err
					}
					if existing == nil {
						cfg := config.Default(l.ID, l.OwnerID, l.AcceptedUnit)
						cfg.Ledger.Handlers = handlers
						cfg.Ledger.Processors = processors
						cfg.Factory.Template = template
						cfg.Factory.Admin = l.OwnerID
						if err := config.Write(workspace, cfg); err != nil {
							return err
						}
						fmt.Fprintf(os.Stderr, "Wrote %s\n", config.Path(workspace))
					}
				}
				return printLedger(l)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "ledger id")
	cmd.Flags().StringVar(&owner, "owner", "", "owner identity (defaults to --actor-id)")
	cmd.Flags().StringVar(&unit, "unit", "", "accepted unit")
	cmd.Flags().StringVar(&template, "template", "", "template the ledger is cloned from")
	cmd.Flags().StringSliceVar(&handlers, "handler", nil, "initial money handler (repeatable)")
	cmd.Flags().StringSliceVar(&processors, "processor", nil, "initial money processor (repeatable)")
	cmd.Flags().BoolVar(&writeConfig, "write-config", false, "write paysync.yml when the workspace has none")
	return cmd
}

func ledgerDeployCmd() *cobra.Command {
	var unit string
	var handlers []string
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a ledger from the factory template, owned by the caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := factory.Deployer{Engine: e}.Deploy(ctx, actorID(), unit, handlers)
				if err != nil {
					return err
				}
				return printLedger(l)
			})
		},
	}
	cmd.Flags().StringVar(&unit, "unit", "", "accepted unit")
	cmd.Flags().StringSliceVar(&handlers, "handler", nil, "initial money handler (repeatable)")
	return cmd
}

func ledgerListCmd() *cobra.Command {
	var owner string
	var deployed bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ledgers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d := factory.Deployer{Engine: e}
				var items []domain.Ledger
				var err error
				switch {
				case owner != "":
					items, err = d.OwnerLedgers(ctx, owner)
				case deployed:
					items, err = d.AllLedgers(ctx)
				default:
					items, err = e.Repo.ListLedgers(ctx, repo.LedgerFilters{})
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Owner", "Unit", "Balance", "Template", "Created"})
				for _, l := range items {
					tw.AppendRow(table.Row{l.ID, l.OwnerID, l.AcceptedUnit, l.Balance.String(), l.Template, l.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only ledgers deployed by this identity")
	cmd.Flags().BoolVar(&deployed, "deployed", false, "only ledgers deployed through the factory")
	return cmd
}

func ledgerShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, e engine.Engine, ledgerID string) error {
				st, err := e.Repo.Status(ctx, ledgerID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				tw := newTable(table.Row{"Field", "Value"})
				tw.AppendRows([]table.Row{
					{"id", st.Ledger.ID},
					{"owner", st.Ledger.OwnerID},
					{"accepted unit", st.Ledger.AcceptedUnit},
					{"balance", st.Ledger.Balance.String()},
					{"outstanding payments", st.Outstanding},
					{"recipients", st.Recipients},
					{"next payment id", st.Ledger.NextPaymentID},
					{"next recipient id", st.Ledger.NextRecipientID},
					{"handlers", strings.Join(st.Handlers, ", ")},
					{"processors", strings.Join(st.Processors, ", ")},
					{"due rule", e.Config.DueRule()},
				})
				tw.Render()
				return nil
			})
		},
	}
}

func ledgerUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set the default ledger for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledgerID := strings.TrimSpace(args[0])
			if ledgerID == "" {
				return fmt.Errorf("ledger id is required")
			}
			path := envFile(viper.GetString("workspace"))
			env, err := godotenv.Read(path)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return err
				}
				env = map[string]string{}
			}
			env[envLedger] = ledgerID
			if err := godotenv.Write(env, path); err != nil {
				return err
			}
			fmt.Printf("Set %s=%s in %s\n", envLedger, ledgerID, path)
			return nil
		},
	}
}

func topUpCmd() *cobra.Command {
	var amount, unit string
	cmd := &cobra.Command{
		Use:   "topup",
		Short: "Deposit the accepted unit into the active ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := domain.ParseAmount("amount", amount)
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), func(ctx context.Context, e engine.Engine, ledgerID string) error {
				if unit == "" {
					l, err := e.Repo.GetLedger(ctx, ledgerID)
					if err != nil {
						return err
					}
					unit = l.AcceptedUnit
				}
				l, err := e.TopUp(ctx, ledgerID, actorID(), domain.Deposit{Unit: unit, Amount: value})
				if err != nil {
					return err
				}
				return printLedger(l)
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "amount in base units")
	cmd.Flags().StringVar(&unit, "unit", "", "deposited unit (defaults to the accepted unit)")
	return cmd
}

func paymentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "payment", Short: "Manage scheduled payments"}
	cmd.AddCommand(paymentAddCmd())
	cmd.AddCommand(paymentListCmd())
	cmd.AddCommand(paymentGetCmd())
	cmd.AddCommand(paymentProcessCmd())
	return cmd
}

func paymentAddCmd() *cobra.Command {
	var recipient, amount, at string
	var monthly bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a payment",
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := domain.ParseAmount("amount", amount)
			if err != nil {
				return err
			}
			scheduled, err := parseSchedule(at)
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), func(ctx context.Context, e engine.Engine, ledgerID string) error {
				p, err := e.AddPayment(ctx, engine.AddPaymentOptions{
					LedgerID:      ledgerID,
					Caller:        actorID(),
					Recipient:     recipient,
					Amount:        value,
					ScheduledTime: scheduled,
					IsMonthly:     monthly,
				})
				if err != nil {
					return err
				}
				return printPayments(ctx, e, []domain.Payment{p})
			})
		},
	}
	cmd.Flags().StringVar(&recipient, "recipient", "", "recipient address")
	cmd.Flags().StringVar(&amount, "amount", "", "amount in base units")
	cmd.Flags().StringVar(&at, "at", "", "scheduled time (unix seconds or RFC3339)")
	cmd.Flags().BoolVar(&monthly, "monthly", false, "repeat every 30 days")
	return cmd
}

func paymentListCmd() *cobra.Command {
	var f repo.PaymentFilters
	var idsOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outstanding payments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, e engine.Engine, ledgerID string) error {
				if idsOnly {
					ids, err := e.Repo.ListPaymentIDs(ctx, ledgerID)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(ids)
					}
					for _, id := range ids {
						fmt.Println(id)
					}
					return nil
				}
				f.LedgerID = ledgerID
				items, err := e.Repo.ListPayments(ctx, f)
				if err != nil {
					return err
				}
				return printPayments(ctx, e, items)
			})
		},
	}
	cmd.Flags().BoolVar(&idsOnly, "ids", false, "print payment ids only")
	cmd.Flags().Uint64Var(&f.RecipientID, "recipient-id", 0, "recipient filter")
	cmd.Flags().Uint64Var(&f.DueBefore, "due-before", 0, "only payments scheduled at or before this unix time")
	cmd.Flags().BoolVar(&f.MonthlyOnly, "monthly", false, "only monthly payments")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func paymentGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <payment-id>",
		Short: "Show one outstanding payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid payment id %q", args[0])
			}
			return withLedger(cmd.Context(), func(ctx context.Context, e engine.Engine, ledgerID string) error {
				p, err := e.Repo.GetPayment(ctx, ledgerID, id)
				if err != nil {
					return fmt.Errorf("payment %d: %w", id, err)
				}
				return printPayments(ctx, e, []domain.Payment{p})
			})
		},
	}
}

func paymentProcessCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "process [payment-id...]",
		Short: "Settle payments in the given order",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			if !all && len(ids) == 0 {
				return fmt.Errorf("payment ids or --all required")
			}
			return withLedger(cmd.Context(), func(ctx context.Context, e engine.Engine, ledgerID string) error {
				if all {
					if ids, err = e.Repo.ListPaymentIDs(ctx, ledgerID); err != nil {
						return err
					}
				}
				report, err := e.ProcessPayments(ctx, ledgerID, actorID(), ids)
				var stop *domain.InsufficientFundsError
				if err != nil && !errors.As(err, &stop) {
					return err
				}
				if perr := printReport(report); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "process every outstanding payment in id order")
	return cmd
}

func roleCmd(role, short string) *cobra.Command {
	r := repo.Role(role)
	cmd := &cobra.Command{Use: role, Short: short}
	change := func(add bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			identity := args[0]
			return withLedger(cmd.Context(), func(ctx context.Context, e engine.Engine, ledgerID string) error {
				var fn func(context.Context, string, string, string) (bool, error)
				switch {
				case r == repo.RoleHandler && add:
					fn = e.AddMoneyHandler
				case r == repo.RoleHandler:
					fn = e.RemoveMoneyHandler
				case add:
					fn = e.AddMoneyProcessor
				default:
					fn = e.RemoveMoneyProcessor
				}
				changed, err := fn(ctx, ledgerID, actorID(), identity)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"ledger_id": ledgerID, "role": role, "identity": identity, "changed": changed})
				}
				if !changed {
					fmt.Printf("%s: no change\n", identity)
					return nil
				}
				verb := "removed from"
				if add {
					verb = "added to"
				}
				fmt.Printf("%s %s %ss of %s\n", identity, verb, role, ledgerID)
				return nil
			})
		}
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <identity>",
		Short: "Grant the money " + role + " role",
		Args:  cobra.ExactArgs(1),
		RunE:  change(true),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <identity>",
		Short: "Revoke the money " + role + " role",
		Args:  cobra.ExactArgs(1),
		RunE:  change(false),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List money " + role + "s",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, e engine.Engine, ledgerID string) error {
				l, err := e.Repo.GetLedger(ctx, ledgerID)
				if err != nil {
					return err
				}
				members, err := e.Access.Members(ctx, nil, ledgerID, r)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"ledger_id": ledgerID, "role": role, "owner": l.OwnerID, "members": members})
				}
				fmt.Printf("%s (owner)\n", l.OwnerID)
				for _, m := range members {
					fmt.Println(m)
				}
				return nil
			})
		},
	})
	return cmd
}

func recipientCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "recipient", Short: "Inspect the recipient directory"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recipients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, e engine.Engine, ledgerID string) error {
				items, err := e.Repo.ListRecipients(ctx, ledgerID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Address", "Registered"})
				for _, rc := range items {
					tw.AppendRow(table.Row{rc.RecipientID, rc.Address, rc.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func transferCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "transfer", Short: "Inspect value movements"}
	var direction string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List deposits and disbursements, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, e engine.Engine, ledgerID string) error {
				items, err := e.Repo.ListTransfers(ctx, ledgerID, direction, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Direction", "Counterparty", "Amount", "Unit", "TS"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Direction, t.Counterparty, t.Amount.String(), t.Unit, t.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&direction, "direction", "", "in or out")
	list.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.AddCommand(list)
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	var allLedgers bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			run := func(ctx context.Context, e engine.Engine) error {
				evts, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable(table.Row{"ID", "TS", "Type", "Ledger", "Entity", "Actor", "Payload"})
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.LedgerID, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			}
			if allLedgers {
				return withEngine(cmd.Context(), run)
			}
			return withLedger(cmd.Context(), func(ctx context.Context, e engine.Engine, ledgerID string) error {
				f.LedgerID = ledgerID
				return run(ctx, e)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().BoolVar(&allLedgers, "all", false, "events of every ledger, factory included")
	return cmd
}

func factoryCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "factory", Short: "Ledger factory"}
	tpl := &cobra.Command{
		Use:   "template [new-template]",
		Short: "Show or replace (factory.admin only) the template new ledgers are cloned from",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d := factory.Deployer{Engine: e}
				if len(args) == 1 {
					if err := d.SetTemplate(ctx, actorID(), args[0]); err != nil {
						return err
					}
				}
				current, err := d.Template(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"template": current})
				}
				if current == "" {
					fmt.Println("(no template set)")
					return nil
				}
				fmt.Println(current)
				return nil
			})
		},
	}
	cmd.AddCommand(tpl)
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP API"}

	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := "psk_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": actor, "key": secret})
				}
				fmt.Printf("id:    %s\nactor: %s\nkey:   %s\n", key.ID, actor, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "identity the key authenticates as (defaults to --actor-id)")
	create.Flags().StringVar(&name, "name", "", "label")

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "actor filter")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(create, list, del)
	return cmd
}

// --- output ---

func printLedger(l domain.Ledger) error {
	if viper.GetBool("json") {
		return printJSON(l)
	}
	tw := newTable(table.Row{"ID", "Owner", "Unit", "Balance", "Next payment", "Next recipient"})
	tw.AppendRow(table.Row{l.ID, l.OwnerID, l.AcceptedUnit, l.Balance.String(), l.NextPaymentID, l.NextRecipientID})
	tw.Render()
	return nil
}

func printPayments(ctx context.Context, e engine.Engine, items []domain.Payment) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable(table.Row{"ID", "Recipient", "Amount", "Scheduled", "Monthly"})
	for _, p := range items {
		recipient := strconv.FormatUint(p.RecipientID, 10)
		if rc, err := e.Repo.GetRecipient(ctx, p.LedgerID, p.RecipientID); err == nil {
			recipient = fmt.Sprintf("%d (%s)", rc.RecipientID, rc.Address)
		}
		tw.AppendRow(table.Row{p.PaymentID, recipient, p.Amount.String(), formatSchedule(p.ScheduledTime), p.IsMonthly})
	}
	tw.Render()
	return nil
}

func printReport(r domain.SettlementReport) error {
	if viper.GetBool("json") {
		return printJSON(r)
	}
	tw := newTable(table.Row{"Payment", "Recipient", "Amount", "Was scheduled", "Outcome"})
	for _, s := range r.Settled {
		outcome := "retired"
		if !s.Retired {
			outcome = "next " + formatSchedule(s.NextScheduled)
		}
		tw.AppendRow(table.Row{s.PaymentID, s.Recipient, s.Amount.String(), formatSchedule(s.PreviousScheduled), outcome})
	}
	for _, id := range r.Skipped {
		tw.AppendRow(table.Row{id, "", "", "", "not due"})
	}
	tw.AppendFooter(table.Row{"", "", "balance", r.StartingBalance.String() + " -> " + r.EndingBalance.String(), ""})
	tw.Render()
	return nil
}
