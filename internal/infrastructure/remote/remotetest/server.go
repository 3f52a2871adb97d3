// Package remotetest provides an in-memory implementation of the budgeting
// service's REST API. It tracks server knowledge the way the real service
// does, so delta fetches, cursor expiry and mutation responses behave
// realistically in tests and in local development.
package remotetest

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
)

// Options configures a fake server.
type Options struct {
	// AccessToken, when set, is required as a bearer token on every request.
	AccessToken string

	// AllowedOrigins enables CORS for browser clients when non-empty.
	AllowedOrigins []string

	// RequestLog receives one line per request when set.
	RequestLog io.Writer
}

// Request is a request the server received.
type Request struct {
	Method string
	Path   string
	Query  string
}

type failure struct {
	method string
	path   string
	status int
	name   string
}

type record[T any] struct {
	value     T
	changedAt int64
}

type txnRecord struct {
	txn       budget.Transaction
	subIDs    []string
	changedAt int64
}

type fakeBudget struct {
	info       budget.Budget
	knowledge  int64
	expiredLT  int64
	accounts   map[string]*record[budget.Account]
	groups     map[string]*record[budget.CategoryGroup]
	categories map[string]*record[budget.Category]
	payees     map[string]*record[budget.Payee]
	budgeted   map[budget.AllocationKey]budget.Milliunits
	allocAt    map[budget.AllocationKey]int64
	txns       map[string]*txnRecord
}

// Server is a fake remote budgeting service.
type Server struct {
	mu       sync.Mutex
	opts     Options
	budgets  map[string]*fakeBudget
	order    []string
	failures []failure
	requests []Request
	handler  *gin.Engine
	ts       *httptest.Server
	now      func() time.Time
}

// New creates a server that is not listening yet. Use Handler to mount it
// or Start to serve it on a loopback port.
func New(opts Options) *Server {
	s := &Server{
		opts:    opts,
		budgets: make(map[string]*fakeBudget),
		now:     time.Now,
	}
	s.handler = s.routes()
	return s
}

// NewServer creates and starts a server on a loopback port.
func NewServer(opts Options) *Server {
	s := New(opts)
	s.Start()
	return s
}

// Start serves the fake on a loopback port.
func (s *Server) Start() {
	s.ts = httptest.NewServer(s.handler)
}

// URL returns the API base URL of a started server.
func (s *Server) URL() string {
	if s.ts == nil {
		return ""
	}
	return s.ts.URL + "/v1"
}

// Handler returns the HTTP handler of the fake.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Close stops a started server.
func (s *Server) Close() {
	if s.ts != nil {
		s.ts.Close()
	}
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if s.opts.RequestLog != nil {
		router.Use(gin.LoggerWithConfig(gin.LoggerConfig{Output: s.opts.RequestLog}))
	}
	if len(s.opts.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     s.opts.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	router.Use(s.record, s.authenticate, s.injectFailure)

	v1 := router.Group("/v1")
	{
		v1.GET("/budgets", s.listBudgets)
		v1.GET("/budgets/:budget_id", s.getBudget)
		v1.POST("/budgets/:budget_id/transactions", s.createTransaction)
		v1.PUT("/budgets/:budget_id/transactions/:transaction_id", s.updateTransaction)
		v1.DELETE("/budgets/:budget_id/transactions/:transaction_id", s.deleteTransaction)
		v1.PATCH("/budgets/:budget_id/months/:month/categories/:category_id", s.patchMonthCategory)
	}
	router.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "resource_not_found", "Resource not found")
	})
	return router
}

// AddBudget registers a budget and returns its id. An id is generated when
// b.ID is empty.
func (s *Server) AddBudget(b budget.Budget) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CurrencyISOCode == "" {
		b.CurrencyISOCode = "USD"
	}
	if b.LastModifiedOn.IsZero() {
		b.LastModifiedOn = s.now().UTC()
	}
	s.budgets[b.ID] = &fakeBudget{
		info:       b,
		accounts:   make(map[string]*record[budget.Account]),
		groups:     make(map[string]*record[budget.CategoryGroup]),
		categories: make(map[string]*record[budget.Category]),
		payees:     make(map[string]*record[budget.Payee]),
		budgeted:   make(map[budget.AllocationKey]budget.Milliunits),
		allocAt:    make(map[budget.AllocationKey]int64),
		txns:       make(map[string]*txnRecord),
	}
	s.order = append(s.order, b.ID)
	return b.ID
}

// AddAccount registers an account and its transfer payee.
func (s *Server) AddAccount(budgetID string, a budget.Account) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	fb := s.mustBudget(budgetID)
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Type == "" {
		a.Type = budget.AccountChecking
	}
	k := fb.bump()
	payee := budget.Payee{ID: uuid.NewString(), Name: "Transfer : " + a.Name, TransferAccountID: a.ID}
	a.TransferPayeeID = payee.ID
	fb.accounts[a.ID] = &record[budget.Account]{value: a, changedAt: k}
	fb.payees[payee.ID] = &record[budget.Payee]{value: payee, changedAt: k}
	return a.ID
}

// AddCategoryGroup registers a category group.
func (s *Server) AddCategoryGroup(budgetID string, g budget.CategoryGroup) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	fb := s.mustBudget(budgetID)
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	fb.groups[g.ID] = &record[budget.CategoryGroup]{value: g, changedAt: fb.bump()}
	return g.ID
}

// AddCategory registers a category.
func (s *Server) AddCategory(budgetID string, c budget.Category) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	fb := s.mustBudget(budgetID)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	fb.categories[c.ID] = &record[budget.Category]{value: c, changedAt: fb.bump()}
	return c.ID
}

// AddPayee registers a payee.
func (s *Server) AddPayee(budgetID string, p budget.Payee) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	fb := s.mustBudget(budgetID)
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	fb.payees[p.ID] = &record[budget.Payee]{value: p, changedAt: fb.bump()}
	return p.ID
}

// SetAllocation sets the budgeted amount of a category for a YYYY-MM month,
// as if edited in another client.
func (s *Server) SetAllocation(budgetID, categoryID, month string, budgeted budget.Milliunits) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fb := s.mustBudget(budgetID)
	key := budget.AllocationKey{CategoryID: categoryID, Month: month}
	k := fb.bump()
	fb.budgeted[key] = budgeted
	fb.touchAllocation(key, k)
}

// AddTransaction stores a transaction as if entered in another client and
// returns it with its server id.
func (s *Server) AddTransaction(budgetID string, t budget.Transaction) budget.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	fb := s.mustBudget(budgetID)
	if t.ID.IsZero() {
		t.ID = budget.ServerID(uuid.NewString())
	}
	if t.Cleared == "" {
		t.Cleared = budget.Uncleared
	}
	return fb.put(t.ID.Server, t).txn.Clone()
}

// EditTransaction changes a transaction as if edited in another client.
func (s *Server) EditTransaction(budgetID, id string, edit func(*budget.Transaction)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fb := s.mustBudget(budgetID)
	rec, ok := fb.txns[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, budget.ErrNotFound)
	}
	next := rec.txn.Clone()
	edit(&next)
	next.ID = rec.txn.ID
	fb.put(id, next)
	return nil
}

// DeleteTransaction deletes a transaction as if deleted in another client.
func (s *Server) DeleteTransaction(budgetID, id string) error {
	return s.EditTransaction(budgetID, id, func(t *budget.Transaction) { t.Deleted = true })
}

// Transaction returns the server copy of a transaction.
func (s *Server) Transaction(budgetID, id string) (budget.Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.mustBudget(budgetID).txns[id]
	if !ok {
		return budget.Transaction{}, false
	}
	return rec.txn.Clone(), true
}

// Transactions returns the non-deleted transactions of a budget ordered by
// date and id.
func (s *Server) Transactions(budgetID string) []budget.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []budget.Transaction
	for _, rec := range s.mustBudget(budgetID).txns {
		if !rec.txn.Deleted {
			out = append(out, rec.txn.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].ID.Server < out[j].ID.Server
	})
	return out
}

// Budgeted returns the budgeted amount of a category for a YYYY-MM month.
func (s *Server) Budgeted(budgetID, categoryID, month string) budget.Milliunits {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mustBudget(budgetID).budgeted[budget.AllocationKey{CategoryID: categoryID, Month: month}]
}

// Knowledge returns the current server knowledge of a budget.
func (s *Server) Knowledge(budgetID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mustBudget(budgetID).knowledge
}

// ExpireCursorsBelow makes delta requests with an older cursor fail as out
// of date.
func (s *Server) ExpireCursorsBelow(budgetID string, knowledge int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mustBudget(budgetID).expiredLT = knowledge
}

// FailNext makes the next request matching method and containing pathPart
// fail with status and error name. Status 0 drops the connection instead
// of answering. Calls queue up.
func (s *Server) FailNext(method, pathPart string, status int, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures = append(s.failures, failure{method: method, path: pathPart, status: status, name: name})
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// CountRequests returns how many received requests match method and
// contain pathPart.
func (s *Server) CountRequests(method, pathPart string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && strings.Contains(r.Path, pathPart) {
			n++
		}
	}
	return n
}

func (s *Server) mustBudget(id string) *fakeBudget {
	fb, ok := s.budgets[id]
	if !ok {
		panic("remotetest: unknown budget " + id)
	}
	return fb
}

func (fb *fakeBudget) bump() int64 {
	fb.knowledge++
	return fb.knowledge
}

// put stores t under id at a new knowledge value and marks every
// allocation whose activity changed.
func (fb *fakeBudget) put(id string, t budget.Transaction) *txnRecord {
	k := fb.bump()
	rec, ok := fb.txns[id]
	if ok {
		fb.touchTransaction(rec.txn, k)
	} else {
		rec = &txnRecord{}
		fb.txns[id] = rec
	}
	if payee, ok := fb.payees[t.PayeeID]; ok {
		t.TransferAccountID = payee.value.TransferAccountID
	}
	rec.txn = t.Clone()
	rec.changedAt = k
	rec.subIDs = rec.subIDs[:0]
	for range t.Subtransactions {
		rec.subIDs = append(rec.subIDs, uuid.NewString())
	}
	fb.touchTransaction(t, k)
	return rec
}

func (fb *fakeBudget) touchTransaction(t budget.Transaction, k int64) {
	month := t.Month()
	if month == "" {
		return
	}
	if t.CategoryID != "" {
		fb.touchAllocation(budget.AllocationKey{CategoryID: t.CategoryID, Month: month}, k)
	}
	for _, sub := range t.Subtransactions {
		if sub.CategoryID != "" {
			fb.touchAllocation(budget.AllocationKey{CategoryID: sub.CategoryID, Month: month}, k)
		}
	}
}

// touchAllocation marks key and the same category in every later known
// month as changed, since carried balances move with it.
func (fb *fakeBudget) touchAllocation(key budget.AllocationKey, k int64) {
	fb.allocAt[key] = k
	for other := range fb.allocAt {
		if other.CategoryID == key.CategoryID && other.Month > key.Month {
			fb.allocAt[other] = k
		}
	}
}
