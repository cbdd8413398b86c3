package app

import (
	"context"
	"errors"
	"net"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/pkg/ledgerclient"
	"github.com/transfa/escrow-service/pkg/paymentclient"
)

// AuthorizeInput describes the funds to authorize for a new transfer.
type AuthorizeInput struct {
	TransferID       uuid.UUID
	AmountMinorUnits int64
	Currency         string
	PayerID          string
	PayerEmail       string
	Description      string
}

// Authorization is the gateway's answer to AuthorizeInput.
type Authorization struct {
	PaymentReference string
	ClientSecret     string
}

// PaymentGateway authorizes, refunds and voids card payments.
type PaymentGateway interface {
	Authorize(ctx context.Context, in AuthorizeInput) (*Authorization, error)
	Refund(ctx context.Context, paymentReference string, amountMinorUnits int64, idempotencyKey string) (string, error)
	VoidAuthorization(ctx context.Context, paymentReference string) error
}

// SettlementInstruction moves net funds to a payee destination.
type SettlementInstruction struct {
	DestinationRef   string
	AmountMinorUnits int64
	Currency         string
	IdempotencyKey   string
	Metadata         map[string]string
}

// LedgerGateway settles released transfers. Settle must be idempotent by key.
type LedgerGateway interface {
	Settle(ctx context.Context, in SettlementInstruction) (string, error)
	FindSettlement(ctx context.Context, idempotencyKey string) (reference string, found bool, err error)
}

// PaymentGatewayClient adapts pkg/paymentclient to PaymentGateway.
type PaymentGatewayClient struct {
	client *paymentclient.Client
}

func NewPaymentGateway(client *paymentclient.Client) *PaymentGatewayClient {
	return &PaymentGatewayClient{client: client}
}

func (g *PaymentGatewayClient) Authorize(ctx context.Context, in AuthorizeInput) (*Authorization, error) {
	resp, err := g.client.Authorize(ctx, paymentclient.AuthorizeRequest{
		AmountMinorUnits: in.AmountMinorUnits,
		Currency:         in.Currency,
		Description:      in.Description,
		CustomerRef:      in.PayerID,
		ReceiptEmail:     in.PayerEmail,
		Metadata:         map[string]string{"transfer_id": in.TransferID.String(), "type": "escrow"},
		IdempotencyKey:   "escrow-create-" + in.TransferID.String(),
	})
	if err != nil {
		return nil, classifyUpstream("payment", err)
	}
	return &Authorization{PaymentReference: resp.PaymentReference, ClientSecret: resp.ClientSecret}, nil
}

func (g *PaymentGatewayClient) Refund(ctx context.Context, paymentReference string, amountMinorUnits int64, idempotencyKey string) (string, error) {
	resp, err := g.client.Refund(ctx, paymentclient.RefundRequest{
		PaymentReference: paymentReference,
		AmountMinorUnits: amountMinorUnits,
		IdempotencyKey:   idempotencyKey,
	})
	if err != nil {
		return "", classifyUpstream("payment", err)
	}
	return resp.RefundReference, nil
}

func (g *PaymentGatewayClient) VoidAuthorization(ctx context.Context, paymentReference string) error {
	if err := g.client.VoidAuthorization(ctx, paymentReference); err != nil {
		return classifyUpstream("payment", err)
	}
	return nil
}

// LedgerGatewayClient adapts pkg/ledgerclient to LedgerGateway.
type LedgerGatewayClient struct {
	client *ledgerclient.Client
}

func NewLedgerGateway(client *ledgerclient.Client) *LedgerGatewayClient {
	return &LedgerGatewayClient{client: client}
}

func (g *LedgerGatewayClient) Settle(ctx context.Context, in SettlementInstruction) (string, error) {
	settlement, err := g.client.Settle(ctx, ledgerclient.SettleRequest{
		DestinationRef:   in.DestinationRef,
		AmountMinorUnits: in.AmountMinorUnits,
		Currency:         in.Currency,
		Metadata:         in.Metadata,
		IdempotencyKey:   in.IdempotencyKey,
	})
	if err != nil {
		return "", classifyUpstream("ledger", err)
	}
	return settlement.Reference, nil
}

func (g *LedgerGatewayClient) FindSettlement(ctx context.Context, idempotencyKey string) (string, bool, error) {
	settlement, err := g.client.FindSettlement(ctx, idempotencyKey)
	if errors.Is(err, ledgerclient.ErrSettlementNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classifyUpstream("ledger", err)
	}
	return settlement.Reference, true, nil
}

// gatewayError is implemented by the *ErrorResponse types of the gateway clients.
type gatewayError interface {
	error
	Code() string
	Transient() bool
}

// classifyUpstream maps a gateway client error into an UpstreamError.
func classifyUpstream(service string, err error) error {
	var upstream *domain.UpstreamError
	if errors.As(err, &upstream) {
		return err
	}

	var gwErr gatewayError
	if errors.As(err, &gwErr) {
		code := gwErr.Code()
		switch {
		case code == ledgerclient.CodeInsufficientSourceFunds:
			code = domain.UpstreamCodeInsufficientFunds
		case code == ledgerclient.CodeUnresolvedDestination:
			code = domain.UpstreamCodeUnresolvedDestination
		case gwErr.Transient():
			code = domain.UpstreamCodeUnavailable
		case code == "" || service == "ledger":
			code = domain.UpstreamCodeRejected
		}
		return &domain.UpstreamError{Service: service, Code: code, Transient: gwErr.Transient(), Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.UpstreamError{Service: service, Code: domain.UpstreamCodeTimeout, Transient: true, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &domain.UpstreamError{Service: service, Code: domain.UpstreamCodeTimeout, Transient: true, Err: err}
	}
	return &domain.UpstreamError{Service: service, Code: domain.UpstreamCodeUnavailable, Transient: true, Err: err}
}

// failureCode names err in audit metadata.
func failureCode(err error) string {
	var upstream *domain.UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Code
	}
	return "internal"
}
