package remotetest

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
)

type saveSubtransaction struct {
	Amount     int64   `json:"amount"`
	PayeeID    *string `json:"payee_id"`
	CategoryID *string `json:"category_id"`
	Memo       *string `json:"memo"`
}

type saveTransaction struct {
	AccountID       string               `json:"account_id"`
	Date            string               `json:"date"`
	Amount          int64                `json:"amount"`
	PayeeID         *string              `json:"payee_id"`
	CategoryID      *string              `json:"category_id"`
	Memo            *string              `json:"memo"`
	Cleared         string               `json:"cleared"`
	Approved        bool                 `json:"approved"`
	FlagColor       *string              `json:"flag_color"`
	ImportID        *string              `json:"import_id"`
	Subtransactions []saveSubtransaction `json:"subtransactions"`
}

type saveTransactionBody struct {
	Transaction *saveTransaction `json:"transaction"`
}

type saveMonthCategoryBody struct {
	Category *struct {
		Budgeted *int64 `json:"budgeted"`
	} `json:"category"`
}

func writeError(c *gin.Context, status int, name, detail string) {
	if name == "" {
		name = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
	if detail == "" {
		detail = http.StatusText(status)
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{"id": strconv.Itoa(status), "name": name, "detail": detail},
	})
}

func (s *Server) record(c *gin.Context) {
	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Method: c.Request.Method,
		Path:   c.Request.URL.Path,
		Query:  c.Request.URL.RawQuery,
	})
	s.mu.Unlock()
	c.Next()
}

func (s *Server) authenticate(c *gin.Context) {
	if s.opts.AccessToken == "" || c.Request.Method == http.MethodOptions {
		c.Next()
		return
	}
	if c.GetHeader("Authorization") != "Bearer "+s.opts.AccessToken {
		writeError(c, http.StatusUnauthorized, "unauthorized", "Unauthorized")
		return
	}
	c.Next()
}

func (s *Server) injectFailure(c *gin.Context) {
	s.mu.Lock()
	var hit *failure
	for i, f := range s.failures {
		if f.method == c.Request.Method && strings.Contains(c.Request.URL.Path, f.path) {
			hit = &f
			s.failures = append(s.failures[:i], s.failures[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if hit == nil {
		c.Next()
		return
	}
	if hit.status == 0 {
		if conn, _, err := c.Writer.Hijack(); err == nil {
			_ = conn.Close()
		}
		c.Abort()
		return
	}
	writeError(c, hit.status, hit.name, "")
}

func (s *Server) listBudgets(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	budgets := make([]gin.H, 0, len(s.order))
	for _, id := range s.order {
		budgets = append(budgets, budgetSummary(s.budgets[id].info))
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"budgets": budgets, "default_budget": nil}})
}

func (s *Server) getBudget(c *gin.Context) {
	var cursor int64
	if raw := c.Query("last_knowledge_of_server"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(c, http.StatusBadRequest, "bad_request", "invalid last_knowledge_of_server")
			return
		}
		cursor = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fb, ok := s.budgets[c.Param("budget_id")]
	if !ok {
		writeError(c, http.StatusNotFound, "resource_not_found", "Budget not found")
		return
	}
	if cursor > 0 && (cursor < fb.expiredLT || cursor > fb.knowledge) {
		writeError(c, http.StatusConflict, "knowledge_out_of_date", "The server knowledge supplied is no longer valid")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"budget":           fb.detail(cursor),
		"server_knowledge": fb.knowledge,
	}})
}

func (s *Server) createTransaction(c *gin.Context) {
	var body saveTransactionBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Transaction == nil {
		writeError(c, http.StatusBadRequest, "bad_request", "transaction is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fb, ok := s.budgets[c.Param("budget_id")]
	if !ok {
		writeError(c, http.StatusNotFound, "resource_not_found", "Budget not found")
		return
	}
	t, problem := fb.decode(body.Transaction)
	if problem != "" {
		writeError(c, http.StatusBadRequest, "bad_request", problem)
		return
	}
	t.ID = budget.ServerID(uuid.NewString())
	rec := fb.put(t.ID.Server, t)

	c.JSON(http.StatusCreated, gin.H{"data": gin.H{
		"transaction_ids":  []string{t.ID.Server},
		"transaction":      fb.transactionDetail(rec),
		"server_knowledge": fb.knowledge,
	}})
}

func (s *Server) updateTransaction(c *gin.Context) {
	var body saveTransactionBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Transaction == nil {
		writeError(c, http.StatusBadRequest, "bad_request", "transaction is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fb, rec, ok := s.lookupTransaction(c)
	if !ok {
		return
	}
	t, problem := fb.decode(body.Transaction)
	if problem != "" {
		writeError(c, http.StatusBadRequest, "bad_request", problem)
		return
	}
	t.ID = rec.txn.ID
	if t.ImportID == "" {
		t.ImportID = rec.txn.ImportID
	}
	rec = fb.put(t.ID.Server, t)

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"transaction":      fb.transactionDetail(rec),
		"server_knowledge": fb.knowledge,
	}})
}

func (s *Server) deleteTransaction(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fb, rec, ok := s.lookupTransaction(c)
	if !ok {
		return
	}
	t := rec.txn.Clone()
	t.Deleted = true
	rec = fb.put(t.ID.Server, t)

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"transaction":      fb.transactionDetail(rec),
		"server_knowledge": fb.knowledge,
	}})
}

func (s *Server) patchMonthCategory(c *gin.Context) {
	var body saveMonthCategoryBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Category == nil || body.Category.Budgeted == nil {
		writeError(c, http.StatusBadRequest, "bad_request", "category.budgeted is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fb, ok := s.budgets[c.Param("budget_id")]
	if !ok {
		writeError(c, http.StatusNotFound, "resource_not_found", "Budget not found")
		return
	}
	month := c.Param("month")
	if month == "current" {
		month = time.Now().Format("2006-01")
	} else {
		m, err := budget.NormalizeMonth(month)
		if err != nil {
			writeError(c, http.StatusBadRequest, "bad_request", "invalid month")
			return
		}
		month = m
	}
	cat, ok := fb.categories[c.Param("category_id")]
	if !ok || cat.value.Deleted {
		writeError(c, http.StatusNotFound, "resource_not_found", "Category not found")
		return
	}

	key := budget.AllocationKey{CategoryID: cat.value.ID, Month: month}
	k := fb.bump()
	fb.budgeted[key] = budget.Milliunits(*body.Category.Budgeted)
	fb.touchAllocation(key, k)

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"category":         fb.monthCategory(cat.value, month),
		"server_knowledge": fb.knowledge,
	}})
}

func (s *Server) lookupTransaction(c *gin.Context) (*fakeBudget, *txnRecord, bool) {
	fb, ok := s.budgets[c.Param("budget_id")]
	if !ok {
		writeError(c, http.StatusNotFound, "resource_not_found", "Budget not found")
		return nil, nil, false
	}
	rec, ok := fb.txns[c.Param("transaction_id")]
	if !ok || rec.txn.Deleted {
		writeError(c, http.StatusNotFound, "resource_not_found", "Transaction not found")
		return nil, nil, false
	}
	return fb, rec, true
}

// decode validates a transaction payload the way the service does and
// returns a description of the first problem found.
func (fb *fakeBudget) decode(in *saveTransaction) (budget.Transaction, string) {
	t := budget.Transaction{
		AccountID: in.AccountID,
		Date:      in.Date,
		Amount:    budget.Milliunits(in.Amount),
		PayeeID:   deref(in.PayeeID),
		Memo:      deref(in.Memo),
		Cleared:   budget.ClearedStatus(in.Cleared),
		Approved:  in.Approved,
		FlagColor: budget.FlagColor(deref(in.FlagColor)),
		ImportID:  deref(in.ImportID),
	}
	if acct, ok := fb.accounts[t.AccountID]; !ok || acct.value.Deleted {
		return t, "account_id does not exist"
	}
	if _, err := time.Parse("2006-01-02", t.Date); err != nil {
		return t, "date is invalid"
	}
	switch t.Cleared {
	case "":
		t.Cleared = budget.Uncleared
	case budget.Uncleared, budget.Cleared, budget.Reconciled:
	default:
		return t, "cleared is invalid"
	}
	if t.PayeeID != "" {
		if _, ok := fb.payees[t.PayeeID]; !ok {
			return t, "payee_id does not exist"
		}
	}

	if len(in.Subtransactions) == 0 {
		t.CategoryID = deref(in.CategoryID)
		if t.CategoryID != "" && !fb.hasCategory(t.CategoryID) {
			return t, "category_id does not exist"
		}
		return t, ""
	}

	var sum int64
	for _, sub := range in.Subtransactions {
		cat := deref(sub.CategoryID)
		if cat != "" && !fb.hasCategory(cat) {
			return t, "subtransaction category_id does not exist"
		}
		sum += sub.Amount
		t.Subtransactions = append(t.Subtransactions, budget.Subtransaction{
			Amount:     budget.Milliunits(sub.Amount),
			CategoryID: cat,
			PayeeID:    deref(sub.PayeeID),
			Memo:       deref(sub.Memo),
		})
	}
	if sum != in.Amount {
		return t, "amount of subtransactions must equal amount of parent transaction"
	}
	return t, ""
}

func (fb *fakeBudget) hasCategory(id string) bool {
	c, ok := fb.categories[id]
	return ok && !c.value.Deleted
}

// detail renders the budget for a full fetch (cursor 0) or the entities
// changed after cursor.
func (fb *fakeBudget) detail(cursor int64) gin.H {
	include := func(changedAt int64, deleted bool) bool {
		if cursor == 0 {
			return !deleted
		}
		return changedAt > cursor
	}

	accounts := []gin.H{}
	for _, id := range sortedKeys(fb.accounts) {
		rec := fb.accounts[id]
		if include(rec.changedAt, rec.value.Deleted) {
			accounts = append(accounts, fb.account(rec.value))
		}
	}
	payees := []gin.H{}
	for _, id := range sortedKeys(fb.payees) {
		rec := fb.payees[id]
		if include(rec.changedAt, rec.value.Deleted) {
			payees = append(payees, gin.H{
				"id":                  rec.value.ID,
				"name":                rec.value.Name,
				"transfer_account_id": nullable(rec.value.TransferAccountID),
				"deleted":             rec.value.Deleted,
			})
		}
	}
	groups := []gin.H{}
	for _, id := range sortedKeys(fb.groups) {
		rec := fb.groups[id]
		if include(rec.changedAt, rec.value.Deleted) {
			groups = append(groups, gin.H{
				"id":      rec.value.ID,
				"name":    rec.value.Name,
				"hidden":  rec.value.Hidden,
				"deleted": rec.value.Deleted,
			})
		}
	}
	categories := []gin.H{}
	for _, id := range sortedKeys(fb.categories) {
		rec := fb.categories[id]
		if include(rec.changedAt, rec.value.Deleted) {
			categories = append(categories, fb.categoryJSON(rec.value))
		}
	}

	months := []gin.H{}
	for _, month := range fb.months() {
		cats := []gin.H{}
		for _, id := range sortedKeys(fb.categories) {
			cat := fb.categories[id].value
			key := budget.AllocationKey{CategoryID: id, Month: month}
			if cursor == 0 {
				if cat.Deleted {
					continue
				}
			} else if fb.allocAt[key] <= cursor {
				continue
			}
			cats = append(cats, fb.monthCategory(cat, month))
		}
		if len(cats) > 0 {
			months = append(months, gin.H{"month": month + "-01", "categories": cats})
		}
	}

	transactions := []gin.H{}
	subtransactions := []gin.H{}
	for _, id := range sortedKeys(fb.txns) {
		rec := fb.txns[id]
		if !include(rec.changedAt, rec.txn.Deleted) {
			continue
		}
		transactions = append(transactions, transactionSummary(rec.txn))
		subtransactions = append(subtransactions, subtransactionsJSON(rec)...)
	}

	out := budgetSummary(fb.info)
	out["accounts"] = accounts
	out["payees"] = payees
	out["category_groups"] = groups
	out["categories"] = categories
	out["months"] = months
	out["transactions"] = transactions
	out["subtransactions"] = subtransactions
	return out
}

func (fb *fakeBudget) account(a budget.Account) gin.H {
	var cleared, uncleared budget.Milliunits
	for _, rec := range fb.txns {
		if rec.txn.Deleted || rec.txn.AccountID != a.ID {
			continue
		}
		if rec.txn.Cleared.IsCleared() {
			cleared += rec.txn.Amount
		} else {
			uncleared += rec.txn.Amount
		}
	}
	return gin.H{
		"id":                a.ID,
		"name":              a.Name,
		"type":              string(a.Type),
		"on_budget":         a.OnBudget,
		"closed":            a.Closed,
		"note":              nullable(a.Note),
		"balance":           cleared + uncleared,
		"cleared_balance":   cleared,
		"uncleared_balance": uncleared,
		"transfer_payee_id": a.TransferPayeeID,
		"deleted":           a.Deleted,
	}
}

func (fb *fakeBudget) categoryJSON(c budget.Category) gin.H {
	out := gin.H{
		"id":                c.ID,
		"category_group_id": c.GroupID,
		"name":              c.Name,
		"hidden":            c.Hidden,
		"goal_type":         nullable(c.GoalType),
		"goal_target":       c.GoalTarget,
		"goal_snoozed_at":   nil,
		"deleted":           c.Deleted,
	}
	if c.GoalSnoozed {
		out["goal_snoozed_at"] = "2024-01-01T00:00:00Z"
	}
	return out
}

func (fb *fakeBudget) monthCategory(c budget.Category, month string) gin.H {
	budgeted, activity, balance := fb.figures(c.ID, month)
	out := fb.categoryJSON(c)
	out["budgeted"] = budgeted
	out["activity"] = activity
	out["balance"] = balance
	out["goal_under_funded"] = nil
	if c.GoalType != "" {
		under := c.GoalTarget - budgeted
		if under < 0 {
			under = 0
		}
		out["goal_under_funded"] = under
	}
	return out
}

// figures returns budgeted, activity and balance of a category in month.
// Positive balances carry into the next month.
func (fb *fakeBudget) figures(categoryID, month string) (budget.Milliunits, budget.Milliunits, budget.Milliunits) {
	var carry, budgeted, activity, balance budget.Milliunits
	for _, m := range fb.months() {
		if m > month {
			break
		}
		key := budget.AllocationKey{CategoryID: categoryID, Month: m}
		budgeted = fb.budgeted[key]
		activity = fb.activity(key)
		balance = carry + budgeted + activity
		carry = max(balance, 0)
	}
	return budgeted, activity, balance
}

func (fb *fakeBudget) activity(key budget.AllocationKey) budget.Milliunits {
	var total budget.Milliunits
	for _, rec := range fb.txns {
		t := rec.txn
		if t.Deleted || t.Month() != key.Month {
			continue
		}
		if !t.IsSplit() {
			if t.CategoryID == key.CategoryID {
				total += t.Amount
			}
			continue
		}
		for _, sub := range t.Subtransactions {
			if sub.CategoryID == key.CategoryID {
				total += sub.Amount
			}
		}
	}
	return total
}

func (fb *fakeBudget) months() []string {
	seen := make(map[string]bool)
	for key := range fb.allocAt {
		seen[key.Month] = true
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (fb *fakeBudget) transactionDetail(rec *txnRecord) gin.H {
	out := transactionSummary(rec.txn)
	out["subtransactions"] = subtransactionsJSON(rec)
	return out
}

func transactionSummary(t budget.Transaction) gin.H {
	return gin.H{
		"id":                  t.ID.Server,
		"date":                t.Date,
		"amount":              t.Amount,
		"memo":                nullable(t.Memo),
		"cleared":             string(t.Cleared),
		"approved":            t.Approved,
		"flag_color":          nullable(string(t.FlagColor)),
		"account_id":          t.AccountID,
		"payee_id":            nullable(t.PayeeID),
		"category_id":         nullable(t.CategoryID),
		"transfer_account_id": nullable(t.TransferAccountID),
		"import_id":           nullable(t.ImportID),
		"deleted":             t.Deleted,
	}
}

func subtransactionsJSON(rec *txnRecord) []gin.H {
	out := make([]gin.H, 0, len(rec.txn.Subtransactions))
	for i, sub := range rec.txn.Subtransactions {
		out = append(out, gin.H{
			"id":             rec.subIDs[i],
			"transaction_id": rec.txn.ID.Server,
			"amount":         sub.Amount,
			"memo":           nullable(sub.Memo),
			"payee_id":       nullable(sub.PayeeID),
			"category_id":    nullable(sub.CategoryID),
			"deleted":        rec.txn.Deleted,
		})
	}
	return out
}

func budgetSummary(b budget.Budget) gin.H {
	return gin.H{
		"id":               b.ID,
		"name":             b.Name,
		"last_modified_on": b.LastModifiedOn.Format(time.RFC3339),
		"currency_format":  gin.H{"iso_code": b.CurrencyISOCode},
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
