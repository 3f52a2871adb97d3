package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
	"github.com/eshaffer321/ynab-sync/internal/domain/view"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/remote/remotetest"
)

const testToken = "cli-token"

type cliEnv struct {
	t        *testing.T
	remote   *remotetest.Server
	budgetID string
	config   string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()

	srv := remotetest.NewServer(remotetest.Options{AccessToken: testToken})
	t.Cleanup(srv.Close)
	budgetID := srv.Seed()

	dir := t.TempDir()
	cfg := fmt.Sprintf(`remote:
  base_url: %s
  access_token: %s
  timeout: 5s
  fetch_retries: 1
storage:
  database_path: %s
  cache_dir: %s
sync:
  budgets: [%s]
observability:
  logging:
    level: error
`, srv.URL(), testToken, filepath.Join(dir, "sync.db"), filepath.Join(dir, "cache"), budgetID)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))

	return &cliEnv{t: t, remote: srv, budgetID: budgetID, config: path}
}

// run executes the command tree and returns what it printed.
func (e *cliEnv) run(args ...string) (string, error) {
	e.t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *cliEnv) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run(args...)
	require.NoError(e.t, err, out)
	return out
}

func TestParseSplits(t *testing.T) {
	subs, err := ParseSplits([]string{"cat-groceries:-20", "cat-dining:-10.50"})
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "cat-groceries", subs[0].CategoryID)
	assert.Equal(t, budget.Milliunits(-20000), subs[0].Amount)
	assert.Equal(t, budget.Milliunits(-10500), subs[1].Amount)

	for _, bad := range []string{"no-colon", ":-5", "cat:ten"} {
		_, err := ParseSplits([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestParseFilter(t *testing.T) {
	cats := []view.CategoryMonth{
		{Name: "a", Classification: view.Underfunded, Available: -100},
		{Name: "b", Classification: view.FullyFunded, Available: 500},
		{Name: "c", Classification: view.Overfunded, Available: 900, GoalSnoozed: true},
		{Name: "d", Classification: view.NoActivity},
	}

	tests := []struct {
		filter string
		want   []string
	}{
		{"", []string{"a", "b", "c", "d"}},
		{"underfunded", []string{"a"}},
		{"overfunded", []string{"c"}},
		{"overspent", []string{"a"}},
		{"funded", []string{"b"}},
		{"inactive", []string{"d"}},
		{"available", []string{"b", "c"}},
		{"snoozed", []string{"c"}},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			keep, err := ParseFilter(tt.filter)
			require.NoError(t, err)
			var got []string
			for _, c := range cats {
				if keep(c) {
					got = append(got, c.Name)
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseFilter("cheap")
	assert.Error(t, err)
}

func TestTxnFlags_ToTransaction(t *testing.T) {
	f := TxnFlags{
		Account:  "acct-1",
		Date:     "2024-05-02",
		Amount:   "-30",
		Category: "cat-1",
		Splits:   []string{"cat-1:-20", "cat-2:-10"},
	}
	txn, err := f.ToTransaction()
	require.NoError(t, err)

	assert.Equal(t, budget.Milliunits(-30000), txn.Amount)
	assert.Equal(t, budget.Uncleared, txn.Cleared)
	assert.Empty(t, txn.CategoryID, "a split has no category of its own")
	assert.Len(t, txn.Subtransactions, 2)

	_, err = TxnFlags{Amount: "-1"}.ToTransaction()
	assert.Error(t, err)
	_, err = TxnFlags{Account: "a"}.ToTransaction()
	assert.Error(t, err)
}

func TestTxnFlags_Prorate(t *testing.T) {
	// receipt lines of 60 and 40, card charged 53.00
	f := TxnFlags{
		Account: "acct-1",
		Amount:  "-53",
		Splits:  []string{"cat-1:60", "cat-2:40"},
		Prorate: true,
	}
	txn, err := f.ToTransaction()
	require.NoError(t, err)

	require.Len(t, txn.Subtransactions, 2)
	assert.Equal(t, budget.Milliunits(-31800), txn.Subtransactions[0].Amount)
	assert.Equal(t, budget.Milliunits(-21200), txn.Subtransactions[1].Amount)

	f.Splits = []string{"cat-1:0"}
	_, err = f.ToTransaction()
	assert.Error(t, err)
}

func TestTxnFlags_ApplyOnlyChanged(t *testing.T) {
	var f TxnFlags
	cmd := &cobra.Command{Use: "edit"}
	f.register(cmd)
	require.NoError(t, cmd.Flags().Parse([]string{"--memo", "lunch", "--amount", "-7.25"}))

	txn := budget.Transaction{AccountID: "acct-1", Date: "2024-05-02", Amount: -5000, CategoryID: "cat-1", Memo: "old", Approved: true}
	require.NoError(t, f.Apply(cmd, &txn))

	assert.Equal(t, "lunch", txn.Memo)
	assert.Equal(t, budget.Milliunits(-7250), txn.Amount)
	assert.Equal(t, "cat-1", txn.CategoryID)
	assert.True(t, txn.Approved)
	assert.Equal(t, "acct-1", txn.AccountID)
}

func TestCommand_SyncAndView(t *testing.T) {
	env := newCLIEnv(t)

	out := env.mustRun("sync")
	assert.Contains(t, out, env.budgetID)
	assert.Contains(t, out, "full sync")

	out = env.mustRun("sync")
	assert.Contains(t, out, "delta sync")

	out = env.mustRun("view")
	assert.Contains(t, out, "Demo Budget")
	assert.Contains(t, out, "Ready to Assign")
	assert.Contains(t, out, "Groceries")
	assert.Contains(t, out, "Checking")

	out = env.mustRun("view", "--filter", "underfunded")
	assert.NotContains(t, out, "Utilities")

	_, err := env.run("view", "--filter", "cheap")
	assert.Error(t, err)

	_, err = env.run("view", "--month", "2024-13")
	assert.ErrorIs(t, err, budget.ErrInvalidMutation)
}

func TestCommand_SyncAll(t *testing.T) {
	env := newCLIEnv(t)

	out := env.mustRun("sync", "--all")
	assert.Contains(t, out, "Summary: Budgets=1 Synced=1 Failed=0")
}

func TestCommand_TxnAddDelivers(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun("sync")
	before := len(env.remote.Transactions(env.budgetID))

	out := env.mustRun("txn", "add", "--account", "acct-checking", "--amount", "-30",
		"--date", time.Now().Format("2006-01-02"),
		"--split", "cat-groceries:-20", "--split", "cat-dining:-10")
	assert.Contains(t, out, "queued")
	assert.Contains(t, out, "confirmed=1")

	assert.Len(t, env.remote.Transactions(env.budgetID), before+1)
	assert.Contains(t, env.mustRun("ops"), "No pending changes.")
}

func TestCommand_TxnAddProrated(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun("sync")

	out := env.mustRun("txn", "add", "--account", "acct-checking", "--amount", "-10",
		"--split", "cat-groceries:3", "--split", "cat-dining:3", "--split", "cat-utilities:3", "--prorate")
	assert.Contains(t, out, "confirmed=1")

	var found *budget.Transaction
	for _, txn := range env.remote.Transactions(env.budgetID) {
		txn := txn
		if len(txn.Subtransactions) == 3 {
			found = &txn
		}
	}
	require.NotNil(t, found)
	var total budget.Milliunits
	for _, sub := range found.Subtransactions {
		total += sub.Amount
	}
	assert.Equal(t, budget.Milliunits(-10000), total)
}

func TestCommand_TxnAddQueueOnly(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun("sync")

	env.mustRun("txn", "add", "--account", "acct-checking", "--amount", "-4.50", "--queue-only")
	assert.Zero(t, env.remote.CountRequests(http.MethodPost, "/transactions"))

	out := env.mustRun("ops")
	assert.Contains(t, out, "create transaction")
	assert.Contains(t, out, "-$4.50")

	env.mustRun("sync")
	assert.Equal(t, 1, env.remote.CountRequests(http.MethodPost, "/transactions"))
	assert.Contains(t, env.mustRun("ops"), "No pending changes.")
}

func TestCommand_TxnEditAndDelete(t *testing.T) {
	env := newCLIEnv(t)
	txn := env.remote.AddTransaction(env.budgetID, budget.Transaction{
		AccountID: "acct-checking", Date: time.Now().Format("2006-01-02"), Amount: -1000, Memo: "coffee",
	})
	env.mustRun("sync")

	env.mustRun("txn", "edit", txn.ID.String(), "--memo", "tea")
	got, ok := env.remote.Transaction(env.budgetID, txn.ID.String())
	require.True(t, ok)
	assert.Equal(t, "tea", got.Memo)
	assert.Equal(t, budget.Milliunits(-1000), got.Amount)

	env.mustRun("txn", "delete", txn.ID.String())
	got, ok = env.remote.Transaction(env.budgetID, txn.ID.String())
	assert.True(t, !ok || got.Deleted)

	_, err := env.run("txn", "edit", "missing-id", "--memo", "x")
	assert.Error(t, err)
}

func TestCommand_TxnRejectsUnbalancedSplit(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun("sync")

	_, err := env.run("txn", "add", "--account", "acct-checking", "--amount", "-30",
		"--split", "cat-groceries:-20", "--split", "cat-dining:-5")
	assert.ErrorIs(t, err, budget.ErrInvalidMutation)
	assert.Contains(t, env.mustRun("ops"), "No pending changes.")
}

func TestCommand_Assign(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun("sync")
	month := time.Now().Format("2006-01")

	env.mustRun("assign", "cat-dining", month, "250")
	assert.Equal(t, budget.Milliunits(250000), env.remote.Budgeted(env.budgetID, "cat-dining", month))

	_, err := env.run("assign", "cat-nope", month, "1")
	assert.ErrorIs(t, err, budget.ErrInvalidMutation)
}

func TestCommand_NoticesAfterRejection(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun("sync")

	env.remote.FailNext(http.MethodPost, "/transactions", http.StatusBadRequest, "bad_request")
	out := env.mustRun("txn", "add", "--account", "acct-checking", "--amount", "-1")
	assert.Contains(t, out, "notice(s)")

	out = env.mustRun("notices")
	assert.Contains(t, out, "rejected")

	_, err := env.run("notices", "--ack", "no-such-notice")
	assert.ErrorIs(t, err, budget.ErrNotFound)
}

func TestCommand_StatusAndBudgets(t *testing.T) {
	env := newCLIEnv(t)

	out := env.mustRun("status")
	assert.Contains(t, out, "idle")
	assert.Contains(t, out, "never")

	env.mustRun("sync")
	out = env.mustRun("status")
	assert.Contains(t, out, "ready")

	out = env.mustRun("budgets")
	assert.Contains(t, out, "Demo Budget")
}

func TestCommand_NoBudget(t *testing.T) {
	env := newCLIEnv(t)
	cfg, err := os.ReadFile(env.config)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(env.config, []byte(strings.Replace(string(cfg), "budgets: ["+env.budgetID+"]", "budgets: []", 1)), 0o600))

	_, err = env.run("ops")
	assert.ErrorIs(t, err, ErrNoBudget)

	out, err := env.run("--budget", env.budgetID, "ops")
	require.NoError(t, err)
	assert.Contains(t, out, "No pending changes.")
}

func TestCommand_MissingConfig(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml"), "ops"})
	assert.Error(t, cmd.Execute())
}

func TestServeUntilDone(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("shuts down when the context ends", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		stop := make(chan struct{})
		shutdownCalled := false

		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		err := serveUntilDone(ctx, logger,
			func() error { <-stop; return nil },
			func(context.Context) error { shutdownCalled = true; close(stop); return nil },
		)
		require.NoError(t, err)
		assert.True(t, shutdownCalled)
	})

	t.Run("returns start errors", func(t *testing.T) {
		boom := errors.New("address in use")
		err := serveUntilDone(context.Background(), logger,
			func() error { return boom },
			func(context.Context) error { return nil },
		)
		assert.ErrorIs(t, err, boom)
	})
}
