// Package cli builds the ynab-sync command tree.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/eshaffer321/ynab-sync/internal/application/service"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/config"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/logging"
)

// ErrNoBudget is returned when a command needs a budget and none was given
// or configured.
var ErrNoBudget = errors.New("no budget selected: pass --budget or set sync.budgets")

// rootOptions holds the persistent flags.
type rootOptions struct {
	configPath string
	verbose    bool
	budgetID   string
}

// NewRootCommand returns the ynab-sync command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "ynab-sync",
		Short: "Local cache and sync engine for a YNAB budget",
		Long: `ynab-sync keeps a local copy of your budgets, lets you record changes
while offline, and delivers them to the server in order.

Changes are queued in a local log first and show up in views immediately.
Run 'ynab-sync sync' (or 'ynab-sync serve') to exchange them with the server.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config file (default: config.yaml, then environment)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose output")
	root.PersistentFlags().StringVarP(&opts.budgetID, "budget", "b", "", "Budget id (default: first of sync.budgets)")

	root.AddCommand(
		newSyncCommand(opts),
		newStatusCommand(opts),
		newViewCommand(opts),
		newTxnCommand(opts),
		newAssignCommand(opts),
		newOpsCommand(opts),
		newNoticesCommand(opts),
		newBudgetsCommand(opts),
		newServeCommand(opts),
		newFakeRemoteCommand(opts),
	)
	return root
}

// loadConfig reads the config named by --config. Without --config it tries
// config.yaml and falls back to the environment.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", o.configPath, err)
		}
		cfg = loaded
	} else {
		cfg = config.LoadOrEnv()
	}

	if o.verbose {
		cfg.Observability.Logging.Level = "debug"
	}
	return cfg, nil
}

// openApp loads the config and wires the application. Callers must Close
// the returned App.
func (o *rootOptions) openApp(autoDrain bool) (*service.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return service.NewApp(cfg, service.AppOptions{AutoDrain: autoDrain})
}

// budget returns the budget the command should act on.
func (o *rootOptions) budget(app *service.App) (string, error) {
	if o.budgetID != "" {
		return o.budgetID, nil
	}
	if len(app.Config.Sync.Budgets) > 0 {
		return app.Config.Sync.Budgets[0], nil
	}
	return "", ErrNoBudget
}

// Execute runs the command tree and exits non-zero on error.
func Execute() {
	err := NewRootCommand().Execute()
	_ = logging.CloseFiles()
	if err != nil {
		os.Exit(1)
	}
}
