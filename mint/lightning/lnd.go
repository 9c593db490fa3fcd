package lightning

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	macaroon "gopkg.in/macaroon.v2"
)

const (
	InvoiceExpirySeconds = 600
	SendPaymentTimeout   = 60
	feePercent           = 1
	minFeeReserve        = uint64(2)
)

type LndConfig struct {
	GRPCHost     string
	CertPath     string
	MacaroonPath string
}

type LndClient struct {
	grpcClient   lnrpc.LightningClient
	routerClient routerrpc.RouterClient
}

func SetupLndClient(config LndConfig) (*LndClient, error) {
	creds, err := credentials.NewClientTLSFromFile(config.CertPath, "")
	if err != nil {
		return nil, fmt.Errorf("error reading tls cert: %v", err)
	}

	macaroonBytes, err := os.ReadFile(config.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("error reading macaroon: %v", err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macaroonBytes); err != nil {
		return nil, fmt.Errorf("error parsing macaroon: %v", err)
	}
	macarooncreds, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("error setting macaroon creds: %v", err)
	}

	conn, err := grpc.NewClient(
		config.GRPCHost,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macarooncreds),
	)
	if err != nil {
		return nil, err
	}

	return &LndClient{
		grpcClient:   lnrpc.NewLightningClient(conn),
		routerClient: routerrpc.NewRouterClient(conn),
	}, nil
}

func (lnd *LndClient) ConnectionStatus() error {
	_, err := lnd.grpcClient.GetInfo(context.Background(), &lnrpc.GetInfoRequest{})
	return err
}

func (lnd *LndClient) CreateInvoice(amount uint64) (Invoice, error) {
	invoiceRequest := lnrpc.Invoice{
		Value:  int64(amount),
		Expiry: InvoiceExpirySeconds,
	}
	addInvoiceResponse, err := lnd.grpcClient.AddInvoice(context.Background(), &invoiceRequest)
	if err != nil {
		return Invoice{}, err
	}

	hash := hex.EncodeToString(addInvoiceResponse.RHash)
	lookupInvoice, err := lnd.lookupInvoice(hash)
	if err != nil {
		return Invoice{}, err
	}

	return Invoice{
		PaymentRequest: addInvoiceResponse.PaymentRequest,
		PaymentHash:    hash,
		Amount:         amount,
		Expiry:         uint64(lookupInvoice.CreationDate + lookupInvoice.Expiry),
	}, nil
}

func (lnd *LndClient) InvoiceStatus(hash string) (Invoice, error) {
	lookupInvoice, err := lnd.lookupInvoice(hash)
	if err != nil {
		return Invoice{}, err
	}

	return Invoice{
		PaymentRequest: lookupInvoice.PaymentRequest,
		PaymentHash:    hash,
		Preimage:       hex.EncodeToString(lookupInvoice.RPreimage),
		Settled:        lookupInvoice.State == lnrpc.Invoice_SETTLED,
		Amount:         uint64(lookupInvoice.Value),
		Expiry:         uint64(lookupInvoice.CreationDate + lookupInvoice.Expiry),
	}, nil
}

func (lnd *LndClient) lookupInvoice(hash string) (*lnrpc.Invoice, error) {
	hashBytes, err := hex.DecodeString(hash)
	if err != nil {
		return nil, fmt.Errorf("invalid payment hash: %v", err)
	}
	return lnd.grpcClient.LookupInvoice(context.Background(), &lnrpc.PaymentHash{RHash: hashBytes})
}

func (lnd *LndClient) SendPayment(ctx context.Context, request string, amount uint64) (PaymentStatus, error) {
	sendPaymentRequest := routerrpc.SendPaymentRequest{
		PaymentRequest: request,
		TimeoutSeconds: SendPaymentTimeout,
		FeeLimitSat:    int64(lnd.FeeReserve(amount)),
	}

	stream, err := lnd.routerClient.SendPaymentV2(ctx, &sendPaymentRequest)
	if err != nil {
		return PaymentStatus{PaymentStatus: Unknown}, err
	}

	for {
		payment, err := stream.Recv()
		if err != nil {
			return PaymentStatus{PaymentStatus: Unknown}, err
		}

		switch payment.Status {
		case lnrpc.Payment_SUCCEEDED:
			return PaymentStatus{
				Preimage:      payment.PaymentPreimage,
				PaymentStatus: Succeeded,
				TotalSpent:    uint64(payment.ValueSat + payment.FeeSat),
			}, nil
		case lnrpc.Payment_FAILED:
			return PaymentStatus{PaymentStatus: Failed},
				fmt.Errorf("payment failed: %v", payment.FailureReason)
		case lnrpc.Payment_IN_FLIGHT:
			continue
		default:
			return PaymentStatus{PaymentStatus: Unknown}, nil
		}
	}
}

func (lnd *LndClient) OutgoingPaymentStatus(ctx context.Context, hash string) (PaymentStatus, error) {
	hashBytes, err := hex.DecodeString(hash)
	if err != nil {
		return PaymentStatus{PaymentStatus: Unknown}, fmt.Errorf("invalid payment hash: %v", err)
	}

	trackPaymentRequest := routerrpc.TrackPaymentRequest{
		PaymentHash:       hashBytes,
		NoInflightUpdates: true,
	}
	stream, err := lnd.routerClient.TrackPaymentV2(ctx, &trackPaymentRequest)
	if err != nil {
		return PaymentStatus{PaymentStatus: Unknown}, err
	}

	// NoInflightUpdates means the next message is a terminal state
	payment, err := stream.Recv()
	if err != nil {
		return PaymentStatus{PaymentStatus: Unknown}, err
	}

	switch payment.Status {
	case lnrpc.Payment_SUCCEEDED:
		return PaymentStatus{
			Preimage:      payment.PaymentPreimage,
			PaymentStatus: Succeeded,
			TotalSpent:    uint64(payment.ValueSat + payment.FeeSat),
		}, nil
	case lnrpc.Payment_FAILED:
		return PaymentStatus{PaymentStatus: Failed}, errors.New(payment.FailureReason.String())
	case lnrpc.Payment_IN_FLIGHT:
		return PaymentStatus{PaymentStatus: Pending}, nil
	}
	return PaymentStatus{PaymentStatus: Unknown}, nil
}

func (lnd *LndClient) FeeReserve(amount uint64) uint64 {
	fee := amount * feePercent / 100
	if fee < minFeeReserve {
		return minFeeReserve
	}
	return fee
}
