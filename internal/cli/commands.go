package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/eshaffer321/ynab-sync/internal/application/service"
	appsync "github.com/eshaffer321/ynab-sync/internal/application/sync"
	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
	"github.com/eshaffer321/ynab-sync/internal/domain/money"
)

// withApp opens the application for a one-shot command and closes it when
// fn returns. One-shot commands deliver changes explicitly.
func (o *rootOptions) withApp(fn func(app *service.App) error) error {
	app, err := o.openApp(false)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	return fn(app)
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch server changes and deliver pending local changes",
		Long: `Bring the local cache up to date with the server and then deliver the
pending changes in the order they were made.

The first sync of a budget downloads it in full. Later syncs ask only for
what changed since the last one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(app *service.App) error {
				out := cmd.OutOrStdout()
				if all {
					results, err := app.Sync.SyncAll(cmd.Context())
					PrintSyncSummary(out, results)
					return err
				}

				budgetID, err := opts.budget(app)
				if err != nil {
					return err
				}
				result, err := app.Engine.Sync(cmd.Context(), budgetID)
				if err != nil {
					return err
				}
				PrintSyncResult(out, result)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Sync every configured budget (or every remote budget when none are configured)")
	return cmd
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the local sync state of each budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(app *service.App) error {
				ids := app.Config.Sync.Budgets
				switch {
				case opts.budgetID != "":
					ids = []string{opts.budgetID}
				case len(ids) == 0:
					cached, err := app.Cache.List()
					if err != nil {
						return err
					}
					ids = cached
				}
				if len(ids) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No budgets synced yet. Run 'ynab-sync budgets' to list them.")
					return nil
				}

				statuses := make([]appsync.Status, 0, len(ids))
				for _, id := range ids {
					if err := app.Engine.Open(cmd.Context(), id); err != nil {
						return err
					}
					statuses = append(statuses, app.Engine.SyncStatus(id))
				}
				RenderStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
}

func newViewCommand(opts *rootOptions) *cobra.Command {
	var (
		month   string
		filter  string
		refresh bool
	)

	cmd := &cobra.Command{
		Use:   "view",
		Short: "Show balances and category funding for a month",
		Long: `Show account balances and category funding for a month, including
changes that have not reached the server yet.

Filters: all, underfunded, overfunded, overspent, funded, inactive,
available, snoozed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keep, err := ParseFilter(filter)
			if err != nil {
				return err
			}
			return opts.withApp(func(app *service.App) error {
				budgetID, err := opts.budget(app)
				if err != nil {
					return err
				}
				if err := app.Engine.Open(cmd.Context(), budgetID); err != nil {
					return err
				}
				if refresh {
					if _, err := app.Engine.Sync(cmd.Context(), budgetID); err != nil {
						return err
					}
				}
				v, err := app.Engine.CurrentView(budgetID, month)
				if err != nil {
					return err
				}
				RenderView(cmd.OutOrStdout(), v, keep)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&month, "month", "", "Month as YYYY-MM (default: current month)")
	cmd.Flags().StringVar(&filter, "filter", "", "Only show matching categories")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Sync before showing")
	return cmd
}

func newTxnCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "txn",
		Short: "Record transaction changes",
	}

	var add TxnFlags
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Record a new transaction",
		Example: `  ynab-sync txn add --account acct-1 --amount -42.10 --category cat-groceries
  ynab-sync txn add --account acct-1 --amount -30 --split cat-groceries:-20 --split cat-dining:-10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if add.Date == "" {
				add.Date = time.Now().Format("2006-01-02")
			}
			t, err := add.ToTransaction()
			if err != nil {
				return err
			}
			return opts.enqueue(cmd, add.QueueOnly, budget.Mutation{
				Kind:        budget.OpCreate,
				Entity:      budget.EntityTransaction,
				Transaction: &t,
			})
		},
	}
	add.register(addCmd)

	var edit TxnFlags
	editCmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change fields of a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := budget.ParseID(args[0])
			if err != nil {
				return err
			}
			return opts.withApp(func(app *service.App) error {
				budgetID, err := opts.budget(app)
				if err != nil {
					return err
				}
				if err := app.Engine.Open(cmd.Context(), budgetID); err != nil {
					return err
				}
				snap, err := app.Engine.Snapshot(budgetID)
				if err != nil {
					return err
				}
				current, ok := snap.Transactions[id]
				if !ok || current.Deleted {
					return fmt.Errorf("unknown transaction %s", args[0])
				}
				t := current.Clone()
				if err := edit.Apply(cmd, &t); err != nil {
					return err
				}
				return enqueueWith(cmd, app, budgetID, edit.QueueOnly, budget.Mutation{
					Kind:        budget.OpUpdate,
					Entity:      budget.EntityTransaction,
					Target:      id,
					Transaction: &t,
				})
			})
		},
	}
	edit.register(editCmd)

	var queueOnly bool
	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := budget.ParseID(args[0])
			if err != nil {
				return err
			}
			return opts.enqueue(cmd, queueOnly, budget.Mutation{
				Kind:   budget.OpDelete,
				Entity: budget.EntityTransaction,
				Target: id,
			})
		},
	}
	deleteCmd.Flags().BoolVar(&queueOnly, "queue-only", false, "Record the change without contacting the server")

	cmd.AddCommand(addCmd, editCmd, deleteCmd)
	return cmd
}

func newAssignCommand(opts *rootOptions) *cobra.Command {
	var queueOnly bool

	cmd := &cobra.Command{
		Use:     "assign <category-id> <month> <amount>",
		Short:   "Set the amount assigned to a category for a month",
		Example: "  ynab-sync assign cat-groceries 2024-05 600",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := money.Parse(args[2])
			if err != nil {
				return err
			}
			return opts.enqueue(cmd, queueOnly, budget.Mutation{
				Kind:   budget.OpUpdate,
				Entity: budget.EntityAllocation,
				Allocation: &budget.AllocationChange{
					CategoryID: args[0],
					Month:      args[1],
					Budgeted:   amount,
				},
			})
		},
	}
	cmd.Flags().BoolVar(&queueOnly, "queue-only", false, "Record the change without contacting the server")
	return cmd
}

// enqueue records m against the selected budget and, unless queueOnly,
// delivers the pending changes right away.
func (o *rootOptions) enqueue(cmd *cobra.Command, queueOnly bool, m budget.Mutation) error {
	return o.withApp(func(app *service.App) error {
		budgetID, err := o.budget(app)
		if err != nil {
			return err
		}
		return enqueueWith(cmd, app, budgetID, queueOnly, m)
	})
}

func enqueueWith(cmd *cobra.Command, app *service.App, budgetID string, queueOnly bool, m budget.Mutation) error {
	out := cmd.OutOrStdout()

	handle, err := app.Engine.EnqueueMutation(cmd.Context(), budgetID, m)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s %s queued (%s)\n", titleStyle.Render("✓"), m.Kind, m.Entity, handle)

	if queueOnly {
		return nil
	}
	result, err := app.Engine.Drain(cmd.Context(), budgetID)
	if err != nil {
		fmt.Fprintf(out, "%s not delivered yet: %v\n", warnStyle.Render("!"), err)
		return nil
	}
	printDrain(out, result)

	notices, err := app.Engine.Notices(budgetID)
	if err == nil && len(notices) > 0 {
		fmt.Fprintf(out, "%s %d notice(s); run 'ynab-sync notices'\n", warnStyle.Render("!"), len(notices))
	}
	return nil
}

func newOpsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ops",
		Short: "List changes waiting to be delivered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(app *service.App) error {
				budgetID, err := opts.budget(app)
				if err != nil {
					return err
				}
				ops, err := app.Engine.PendingOperations(budgetID)
				if err != nil {
					return err
				}
				RenderOperations(cmd.OutOrStdout(), ops)
				return nil
			})
		},
	}
}

func newNoticesCommand(opts *rootOptions) *cobra.Command {
	var (
		ack string
		all bool
	)

	cmd := &cobra.Command{
		Use:   "notices",
		Short: "List or acknowledge notices about changes that did not go through",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(app *service.App) error {
				if ack != "" {
					if err := app.Engine.AcknowledgeNotice(ack); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Notice %s acknowledged.\n", ack)
					return nil
				}

				budgetID, err := opts.budget(app)
				if err != nil {
					return err
				}
				var notices []budget.Notice
				if all {
					notices, err = app.Engine.NoticeHistory(budgetID)
				} else {
					notices, err = app.Engine.Notices(budgetID)
				}
				if err != nil {
					return err
				}
				RenderNotices(cmd.OutOrStdout(), notices)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&ack, "ack", "", "Acknowledge the notice with this id")
	cmd.Flags().BoolVar(&all, "all", false, "Include acknowledged notices")
	return cmd
}

func newBudgetsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "budgets",
		Short: "List the budgets the access token can see",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(app *service.App) error {
				budgets, err := app.Engine.RemoteBudgets(cmd.Context())
				if err != nil {
					return err
				}
				RenderBudgets(cmd.OutOrStdout(), budgets)
				return nil
			})
		},
	}
}
