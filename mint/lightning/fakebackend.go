package lightning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

const FakePreimage = "0000000000000000"

// FakeBackend settles everything instantly by default. Tests can
// script outcomes per payment through the Set* knobs to drive the
// melt saga into its failure and recovery branches.
type FakeBackend struct {
	mu       sync.Mutex
	invoices []Invoice

	// PaymentDelay holds SendPayment for the duration, to widen race
	// windows in concurrency tests.
	PaymentDelay time.Duration

	// FeeEstimate is what FeeReserve quotes and PaymentFee is the
	// routing fee SendPayment actually charges on top of the invoice
	// amount. Both default to zero.
	FeeEstimate uint64
	PaymentFee  uint64

	sendOutcomes   map[string]scriptedOutcome
	statusOutcomes map[string]scriptedOutcome
}

type scriptedOutcome struct {
	status PaymentStatus
	err    error
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{}
}

// SetSendOutcome scripts what SendPayment reports for the payment hash.
func (fb *FakeBackend) SetSendOutcome(hash string, status PaymentStatus, err error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.sendOutcomes == nil {
		fb.sendOutcomes = make(map[string]scriptedOutcome)
	}
	fb.sendOutcomes[hash] = scriptedOutcome{status: status, err: err}
}

// SetStatusOutcome scripts what OutgoingPaymentStatus reports for the
// payment hash.
func (fb *FakeBackend) SetStatusOutcome(hash string, status PaymentStatus, err error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.statusOutcomes == nil {
		fb.statusOutcomes = make(map[string]scriptedOutcome)
	}
	fb.statusOutcomes[hash] = scriptedOutcome{status: status, err: err}
}

func (fb *FakeBackend) ConnectionStatus() error { return nil }

func (fb *FakeBackend) CreateInvoice(amount uint64) (Invoice, error) {
	req, preimage, paymentHash, err := createFakeInvoice(amount)
	if err != nil {
		return Invoice{}, err
	}

	invoice := Invoice{
		PaymentRequest: req,
		PaymentHash:    paymentHash,
		Preimage:       preimage,
		Settled:        true,
		Amount:         amount,
		Expiry:         uint64(time.Now().Add(time.Minute * 10).Unix()),
	}
	fb.mu.Lock()
	fb.invoices = append(fb.invoices, invoice)
	fb.mu.Unlock()

	return invoice, nil
}

func (fb *FakeBackend) InvoiceStatus(hash string) (Invoice, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	invoiceIdx := slices.IndexFunc(fb.invoices, func(i Invoice) bool {
		return i.PaymentHash == hash
	})
	if invoiceIdx == -1 {
		return Invoice{}, errors.New("invoice does not exist")
	}
	return fb.invoices[invoiceIdx], nil
}

func (fb *FakeBackend) SendPayment(ctx context.Context, request string, amount uint64) (PaymentStatus, error) {
	invoice, err := decodepay.Decodepay(request)
	if err != nil {
		return PaymentStatus{PaymentStatus: Unknown}, fmt.Errorf("error decoding invoice: %v", err)
	}

	if fb.PaymentDelay > 0 {
		select {
		case <-time.After(fb.PaymentDelay):
		case <-ctx.Done():
			return PaymentStatus{PaymentStatus: Unknown}, ctx.Err()
		}
	}

	fb.mu.Lock()
	if outcome, ok := fb.sendOutcomes[invoice.PaymentHash]; ok {
		fb.mu.Unlock()
		return outcome.status, outcome.err
	}

	fb.invoices = append(fb.invoices, Invoice{
		PaymentRequest: request,
		PaymentHash:    invoice.PaymentHash,
		Preimage:       FakePreimage,
		Settled:        true,
		Amount:         amount,
	})
	fb.mu.Unlock()

	return PaymentStatus{
		Preimage:      FakePreimage,
		PaymentStatus: Succeeded,
		TotalSpent:    amount + fb.PaymentFee,
	}, nil
}

func (fb *FakeBackend) OutgoingPaymentStatus(ctx context.Context, hash string) (PaymentStatus, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if outcome, ok := fb.statusOutcomes[hash]; ok {
		return outcome.status, outcome.err
	}

	invoiceIdx := slices.IndexFunc(fb.invoices, func(i Invoice) bool {
		return i.PaymentHash == hash
	})
	if invoiceIdx == -1 {
		return PaymentStatus{PaymentStatus: Unknown}, errors.New("payment does not exist")
	}

	return PaymentStatus{
		Preimage:      fb.invoices[invoiceIdx].Preimage,
		PaymentStatus: Succeeded,
		TotalSpent:    fb.invoices[invoiceIdx].Amount + fb.PaymentFee,
	}, nil
}

func (fb *FakeBackend) FeeReserve(amount uint64) uint64 {
	return fb.FeeEstimate
}

func createFakeInvoice(amount uint64) (string, string, string, error) {
	var random [32]byte
	_, err := rand.Read(random[:])
	if err != nil {
		return "", "", "", err
	}
	preimage := hex.EncodeToString(random[:])
	paymentHash := sha256.Sum256(random[:])
	hash := hex.EncodeToString(paymentHash[:])

	invoice, err := zpay32.NewInvoice(
		&chaincfg.SigNetParams,
		paymentHash,
		time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(amount*1000)),
		zpay32.Description("test"),
	)
	if err != nil {
		return "", "", "", err
	}

	invoiceStr, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				return []byte{}, err
			}
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
	if err != nil {
		return "", "", "", err
	}

	return invoiceStr, preimage, hash, nil
}
