package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
	"github.com/transfa/escrow-service/pkg/destinationclient"
)

// ErrDestinationNotFound means the payee has no active settlement destination.
var ErrDestinationNotFound = errors.New("payee settlement destination not configured")

// DestinationResolver maps a transfer's payee to a ledger destination.
type DestinationResolver interface {
	Resolve(ctx context.Context, transfer *domain.Transfer) (string, error)
}

// DirectoryClient is the remote payee directory.
type DirectoryClient interface {
	Resolve(ctx context.Context, payeeID, email string) (*destinationclient.Destination, error)
}

// PayeeDestinationResolver consults destinations learned from payee activation
// events first, then the remote directory when one is configured.
type PayeeDestinationResolver struct {
	local     store.PayeeDirectory
	directory DirectoryClient
}

// NewPayeeDestinationResolver creates a resolver. directory may be nil.
func NewPayeeDestinationResolver(local store.PayeeDirectory, directory DirectoryClient) *PayeeDestinationResolver {
	return &PayeeDestinationResolver{local: local, directory: directory}
}

func (r *PayeeDestinationResolver) Resolve(ctx context.Context, transfer *domain.Transfer) (string, error) {
	payeeID := ""
	if transfer.PayeeID != nil {
		payeeID = strings.TrimSpace(*transfer.PayeeID)
	}
	email := transfer.PayeeEmail()

	dest, err := r.local.FindPayeeDestination(ctx, payeeID, email)
	switch {
	case err == nil:
		return dest.DestinationRef, nil
	case !errors.Is(err, store.ErrDestinationNotFound):
		return "", fmt.Errorf("local destination lookup: %w", err)
	}

	if r.directory == nil {
		return "", ErrDestinationNotFound
	}
	remote, err := r.directory.Resolve(ctx, payeeID, email)
	if err != nil {
		if errors.Is(err, destinationclient.ErrDestinationNotFound) {
			return "", ErrDestinationNotFound
		}
		return "", fmt.Errorf("directory destination lookup: %w", err)
	}
	return remote.DestinationRef, nil
}
