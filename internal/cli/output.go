package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/eshaffer321/ynab-sync/internal/application/service"
	appsync "github.com/eshaffer321/ynab-sync/internal/application/sync"
	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
	"github.com/eshaffer321/ynab-sync/internal/domain/money"
	"github.com/eshaffer321/ynab-sync/internal/domain/view"
)

var (
	titleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#87CEEB")).Bold(true)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#D1D5DB")).Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	amountStyle = cellStyle.Align(lipgloss.Right)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#f38ba8"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#7f849c"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#4B5563"))
)

// newTable returns a table whose columns listed in amountCols are right
// aligned.
func newTable(headers []string, amountCols ...int) *table.Table {
	right := make(map[int]bool, len(amountCols))
	for _, c := range amountCols {
		right[c] = true
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case right[col]:
				return amountStyle
			default:
				return cellStyle
			}
		})
}

func amount(m budget.Milliunits) string {
	s := money.Format(m)
	if m < 0 {
		return warnStyle.Render(s)
	}
	return s
}

// PrintSyncResult prints the outcome of one sync.
func PrintSyncResult(w io.Writer, r *appsync.SyncResult) {
	if r.Stale {
		fmt.Fprintf(w, "%s %s: superseded by a newer sync\n", mutedStyle.Render("-"), r.BudgetID)
		return
	}
	mode := r.Mode
	if r.FellBack {
		mode += " (cursor expired)"
	}
	fmt.Fprintf(w, "%s %s: %s sync, knowledge %d -> %d, %d changed",
		titleStyle.Render("✓"), r.BudgetID, mode, r.CursorBefore, r.CursorAfter, r.EntitiesChanged)
	if r.EntitiesDeferred > 0 {
		fmt.Fprintf(w, ", %d deferred", r.EntitiesDeferred)
	}
	fmt.Fprintln(w)
	if r.Drain != nil {
		printDrain(w, r.Drain)
	}
}

func printDrain(w io.Writer, d *appsync.DrainResult) {
	if d.Postponed {
		fmt.Fprintf(w, "  %s\n", mutedStyle.Render("delivery postponed until the running sync finishes"))
		return
	}
	if d.Submitted == 0 && d.Skipped == 0 {
		return
	}
	fmt.Fprintf(w, "  %s submitted=%d confirmed=%d retrying=%d failed=%d waiting=%d\n",
		labelStyle.Render("changes:"), d.Submitted, d.Confirmed, d.Retried, d.Failed, d.Skipped)
}

// PrintSyncSummary prints the results of syncing several budgets.
func PrintSyncSummary(w io.Writer, results []service.BudgetResult) {
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(w, "%s %s: %v\n", warnStyle.Render("✗"), r.BudgetID, r.Err)
			continue
		}
		PrintSyncResult(w, r.Result)
	}
	fmt.Fprintln(w, strings.Repeat("-", 60))
	fmt.Fprintf(w, "Summary: Budgets=%d Synced=%d Failed=%d\n", len(results), len(results)-failed, failed)
}

// RenderStatus prints one status line per budget.
func RenderStatus(w io.Writer, statuses []appsync.Status) {
	t := newTable([]string{"Budget", "State", "Knowledge", "Pending", "Notices", "Last sync", "Error"}, 2, 3, 4)
	for _, st := range statuses {
		last := "never"
		if !st.LastSync.IsZero() {
			last = st.LastSync.Local().Format(time.DateTime)
		}
		state := string(st.State)
		if st.Syncing {
			state += "*"
		}
		t.Row(st.BudgetID, state, strconv.FormatInt(st.Cursor, 10),
			strconv.Itoa(st.Pending), strconv.Itoa(st.Notices), last, st.LastError)
	}
	fmt.Fprintln(w, t.Render())
}

// RenderView prints accounts and the categories accepted by keep.
func RenderView(w io.Writer, v *view.BudgetView, keep func(view.CategoryMonth) bool) {
	name := v.BudgetName
	if name == "" {
		name = v.BudgetID
	}
	fmt.Fprintf(w, "%s  %s\n", titleStyle.Render(name), labelStyle.Render(v.Month))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Ready to Assign:"), amount(v.ReadyToAssign))
	if v.Conflicts > 0 {
		fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("%d entries changed on the server while edits were pending", v.Conflicts)))
	}
	fmt.Fprintln(w)

	accounts := newTable([]string{"Account", "Cleared", "Uncleared", "Working"}, 1, 2, 3)
	for _, a := range v.Accounts {
		if a.Closed {
			continue
		}
		label := a.Name
		if !a.OnBudget {
			label += mutedStyle.Render(" (tracking)")
		}
		accounts.Row(label, amount(a.Cleared), amount(a.Uncleared), amount(a.Working))
	}
	fmt.Fprintln(w, accounts.Render())

	categories := newTable([]string{"Group", "Category", "Assigned", "Activity", "Available", "Goal"}, 2, 3, 4)
	shown := 0
	for _, c := range v.Categories {
		if c.Hidden || !keep(c) {
			continue
		}
		goal := ""
		switch {
		case c.GoalSnoozed:
			goal = mutedStyle.Render("snoozed")
		case c.GoalUnderFunded > 0:
			goal = warnStyle.Render(money.Format(c.GoalUnderFunded) + " needed")
		case c.GoalTarget > 0:
			goal = money.Format(c.GoalTarget)
		}
		label := c.Name
		if c.Conflicted {
			label += warnStyle.Render(" !")
		}
		categories.Row(c.GroupName, label, amount(c.Budgeted), amount(c.Activity), amount(c.Available), goal)
		shown++
	}
	if shown == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No categories match."))
		return
	}
	fmt.Fprintln(w, categories.Render())
}

// RenderOperations prints the pending operation log.
func RenderOperations(w io.Writer, ops []budget.Operation) {
	if len(ops) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No pending changes."))
		return
	}
	t := newTable([]string{"Handle", "Change", "Target", "Amount", "Status", "Attempts", "Next try"}, 3, 5)
	for _, op := range ops {
		target := op.Target.String()
		value := ""
		switch {
		case op.Allocation != nil:
			target = op.Allocation.CategoryID + " " + op.Allocation.Month
			value = money.Format(op.Budgeted())
		case op.Transaction != nil:
			value = money.Format(op.Transaction.Amount)
		}
		next := ""
		if !op.NextAttemptAt.IsZero() {
			next = op.NextAttemptAt.Local().Format(time.TimeOnly)
		}
		status := string(op.Status)
		if op.LastError != "" {
			status += ": " + op.LastError
		}
		t.Row(shortHandle(op.Handle), string(op.Kind)+" "+string(op.Entity), target, value, status, strconv.Itoa(op.Attempts), next)
	}
	fmt.Fprintln(w, t.Render())
}

func shortHandle(h budget.OperationHandle) string {
	s := string(h)
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// RenderNotices prints notices, most recent first.
func RenderNotices(w io.Writer, notices []budget.Notice) {
	if len(notices) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No notices."))
		return
	}
	for _, n := range notices {
		marker := labelStyle.Render("i")
		if n.Kind.Severity() == "warning" {
			marker = warnStyle.Render("!")
		}
		subject := string(n.Kind)
		if n.EntityID != "" {
			subject += " " + string(n.EntityKind) + " " + n.EntityID
		}
		acked := ""
		if n.Acknowledged {
			acked = mutedStyle.Render(" (acknowledged)")
		}
		fmt.Fprintf(w, "%s %s  %s%s\n", marker, n.ID, subject, acked)
		fmt.Fprintf(w, "    %s %s\n", labelStyle.Render(n.RaisedAt.Local().Format(time.DateTime)), n.Reason)
	}
}

// RenderBudgets prints the budgets the access token can see.
func RenderBudgets(w io.Writer, budgets []budget.Budget) {
	t := newTable([]string{"ID", "Name", "Currency", "Last modified"})
	for _, b := range budgets {
		modified := ""
		if !b.LastModifiedOn.IsZero() {
			modified = b.LastModifiedOn.Local().Format(time.DateTime)
		}
		t.Row(b.ID, b.Name, b.CurrencyISOCode, modified)
	}
	fmt.Fprintln(w, t.Render())
}
