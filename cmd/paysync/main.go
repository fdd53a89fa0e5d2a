package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"paysync/internal/app"
	"paysync/internal/config"
	"paysync/internal/db"
	"paysync/internal/engine"
	"paysync/internal/logger"
	"paysync/internal/migrate"
)

const (
	envPrefix = "PAYSYNC"
	envLedger = envPrefix + "_LEDGER"
)

var rootCmd = &cobra.Command{
	Use:   "paysync",
	Short: "Paysync CLI",
	Long: `Paysync keeps scheduled payments for ledgers that hold a single accepted unit.
- Ledger: one instance with an owner, an accepted unit and a held balance.
- Handlers top up the ledger, register payments and manage access.
- Processors settle batches of due payments against the held balance.
- Monthly payments move forward 30 days after each settlement; one-off payments are retired.
- Factory: deploys new ledgers from a shared template, indexed by creator.
- Event log: every change is recorded, view with 'paysync log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	err := rootCmd.Execute()
	logger.Flush(2 * time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	// Existing environment wins over the workspace .env file.
	_ = godotenv.Load(envFile(viper.GetString("workspace")))
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "caller identity")
	rootCmd.PersistentFlags().String("ledger", "", "ledger id (overrides config default)")
	rootCmd.PersistentFlags().Bool("debug", false, "debug logging")
	for _, name := range []string{"workspace", "json", "actor-id", "ledger", "debug"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(topUpCmd())
	rootCmd.AddCommand(paymentCmd())
	rootCmd.AddCommand(roleCmd("handler", "Manage money handlers"))
	rootCmd.AddCommand(roleCmd("processor", "Manage money processors"))
	rootCmd.AddCommand(recipientCmd())
	rootCmd.AddCommand(transferCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(factoryCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func envFile(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".env")
}

func initLogger(cfg *config.Config) {
	lc := logger.Config{Debug: viper.GetBool("debug")}
	if cfg != nil {
		lc.Debug = lc.Debug || cfg.Log.Debug
		lc.SentryDSN = cfg.Log.SentryDSN
	}
	if err := logger.Initialize(lc); err != nil {
		fmt.Fprintln(os.Stderr, "warning: logger:", err)
	}
}

// withEngine opens the workspace and runs fn with an engine bound to the
// workspace config, if any. No ledger is resolved.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	initLogger(cfg)
	e := engine.New(conn, cfg)
	e.Log = logger.Default().With(zap.String("actor", actorID()))
	return fn(ctx, e)
}

// withLedger is withEngine plus active ledger resolution.
func withLedger(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		override := viper.GetString("ledger")
		ledgerID, cfg, err := app.ResolveLedger(ctx, e, e.Config, override)
		if err != nil {
			return err
		}
		e.Config = cfg
		return fn(ctx, e, ledgerID)
	})
}

func actorID() string {
	return strings.TrimSpace(viper.GetString("actor-id"))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

// parseSchedule accepts Unix seconds or an RFC3339 timestamp.
func parseSchedule(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("--at required")
	}
	if secs, err := strconv.ParseUint(raw, 10, 64); err == nil {
		return secs, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, fmt.Errorf("--at: expected unix seconds or RFC3339, got %q", raw)
	}
	if ts.Unix() < 0 {
		return 0, fmt.Errorf("--at: %q is before the epoch", raw)
	}
	return uint64(ts.Unix()), nil
}

func formatSchedule(secs uint64) string {
	if secs > uint64(1<<62) {
		return strconv.FormatUint(secs, 10)
	}
	return time.Unix(int64(secs), 0).UTC().Format(time.RFC3339)
}

func parseIDs(args []string) ([]uint64, error) {
	ids := make([]uint64, 0, len(args))
	for _, raw := range args {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseUint(part, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid payment id %q", part)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}
