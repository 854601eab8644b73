package domain

import "github.com/shopspring/decimal"

// OperationType is the sign a category gives to its operations.
type OperationType string

const (
	OperationTypeIncome  OperationType = "Income"
	OperationTypeExpense OperationType = "Expense"
)

// Signed applies the operation type to an unsigned amount.
func (o OperationType) Signed(amount decimal.Decimal) decimal.Decimal {
	if o == OperationTypeExpense {
		return amount.Abs().Neg()
	}
	return amount.Abs()
}

// Valid reports whether o is one of the known operation types.
func (o OperationType) Valid() bool {
	return o == OperationTypeIncome || o == OperationTypeExpense
}

// PaymentOperationHistoryRecord is one row of the balance projection: the
// operation and the running balance right after applying it.
type PaymentOperationHistoryRecord struct {
	Record  FinancialTransaction `json:"record"`
	Balance decimal.Decimal      `json:"balance"`
}
