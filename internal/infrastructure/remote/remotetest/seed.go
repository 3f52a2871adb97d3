package remotetest

import (
	"time"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
)

// Seed fills the server with a small demo budget for the current month and
// returns its id.
func (s *Server) Seed() string {
	month := s.now().Format("2006-01")
	day := func(d int) string { return month + "-" + time.Date(2000, 1, d, 0, 0, 0, 0, time.UTC).Format("02") }

	budgetID := s.AddBudget(budget.Budget{ID: "demo-budget", Name: "Demo Budget"})

	checking := s.AddAccount(budgetID, budget.Account{ID: "acct-checking", Name: "Checking", Type: budget.AccountChecking, OnBudget: true})
	card := s.AddAccount(budgetID, budget.Account{ID: "acct-card", Name: "Visa", Type: budget.AccountCreditCard, OnBudget: true})

	bills := s.AddCategoryGroup(budgetID, budget.CategoryGroup{ID: "grp-bills", Name: "Bills"})
	everyday := s.AddCategoryGroup(budgetID, budget.CategoryGroup{ID: "grp-everyday", Name: "Everyday"})

	rent := s.AddCategory(budgetID, budget.Category{ID: "cat-rent", GroupID: bills, Name: "Rent", GoalType: "NEED", GoalTarget: 1500000})
	utilities := s.AddCategory(budgetID, budget.Category{ID: "cat-utilities", GroupID: bills, Name: "Utilities"})
	groceries := s.AddCategory(budgetID, budget.Category{ID: "cat-groceries", GroupID: everyday, Name: "Groceries", GoalType: "MF", GoalTarget: 600000})
	dining := s.AddCategory(budgetID, budget.Category{ID: "cat-dining", GroupID: everyday, Name: "Dining Out"})

	landlord := s.AddPayee(budgetID, budget.Payee{ID: "payee-landlord", Name: "Landlord"})
	market := s.AddPayee(budgetID, budget.Payee{ID: "payee-market", Name: "Corner Market"})
	power := s.AddPayee(budgetID, budget.Payee{ID: "payee-power", Name: "City Power"})

	s.SetAllocation(budgetID, rent, month, 1500000)
	s.SetAllocation(budgetID, utilities, month, 150000)
	s.SetAllocation(budgetID, groceries, month, 500000)
	s.SetAllocation(budgetID, dining, month, 100000)

	s.AddTransaction(budgetID, budget.Transaction{AccountID: checking, Date: day(1), Amount: 4000000, Memo: "Paycheck", Cleared: budget.Cleared, Approved: true})
	s.AddTransaction(budgetID, budget.Transaction{AccountID: checking, Date: day(1), Amount: -1500000, PayeeID: landlord, CategoryID: rent, Cleared: budget.Reconciled, Approved: true})
	s.AddTransaction(budgetID, budget.Transaction{AccountID: checking, Date: day(5), Amount: -95250, PayeeID: power, CategoryID: utilities, Cleared: budget.Cleared, Approved: true})
	s.AddTransaction(budgetID, budget.Transaction{AccountID: card, Date: day(6), Amount: -84370, PayeeID: market, Cleared: budget.Uncleared, Approved: true,
		Subtransactions: []budget.Subtransaction{
			{Amount: -64370, CategoryID: groceries},
			{Amount: -20000, CategoryID: dining, Memo: "deli lunch"},
		}})
	s.AddTransaction(budgetID, budget.Transaction{AccountID: card, Date: day(7), Amount: -42000, PayeeID: market, CategoryID: groceries, FlagColor: budget.FlagBlue})

	return budgetID
}
