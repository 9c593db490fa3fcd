// Package lightning abstracts the payment backend the mint settles
// over.
package lightning

import "context"

type State int

const (
	// Unknown means the backend could not say anything about the
	// payment. Callers must treat it like Pending until a re-check
	// resolves it. Deliberately the zero value.
	Unknown State = iota
	Succeeded
	Failed
	Pending
)

func (s State) String() string {
	switch s {
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	case Pending:
		return "Pending"
	}
	return "Unknown"
}

type PaymentStatus struct {
	Preimage      string
	PaymentStatus State
	// TotalSpent is the invoice amount plus the routing fee the
	// payment actually cost. Only set on a succeeded payment.
	TotalSpent uint64
}

// Client interface to interact with a Lightning backend
type Client interface {
	ConnectionStatus() error
	CreateInvoice(amount uint64) (Invoice, error)
	InvoiceStatus(hash string) (Invoice, error)
	SendPayment(ctx context.Context, request string, amount uint64) (PaymentStatus, error)
	// OutgoingPaymentStatus reports the current state of a payment
	// previously attempted with SendPayment. It is the authoritative
	// answer when SendPayment itself errored or returned an
	// ambiguous state.
	OutgoingPaymentStatus(ctx context.Context, hash string) (PaymentStatus, error)
	FeeReserve(amount uint64) uint64
}

type Invoice struct {
	PaymentRequest string
	PaymentHash    string
	Preimage       string
	Settled        bool
	Amount         uint64
	Expiry         uint64
}
