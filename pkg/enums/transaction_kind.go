package enums

import "slices"

// TransactionKind classifies the money movement recorded by a payment transaction.
type TransactionKind string

const (
	TransactionKindCharge  TransactionKind = "charge"
	TransactionKindRenewal TransactionKind = "renewal"
	TransactionKindInvoice TransactionKind = "invoice"
)

var validTransactionKinds = []TransactionKind{
	TransactionKindCharge,
	TransactionKindRenewal,
	TransactionKindInvoice,
}

func (t TransactionKind) String() string { return string(t) }

func (t TransactionKind) IsValid() bool { return slices.Contains(validTransactionKinds, t) }

func ParseTransactionKind(value string) (TransactionKind, error) { return parse(validTransactionKinds, "transaction kind", value) }
