// Package tenant maps a customer at a bar to the tenant that will be paid.
package tenant

import (
	"context"
	"errors"
	"strings"

	"github.com/punchamoorthee/tabpay/internal/domain"
	"github.com/punchamoorthee/tabpay/internal/models"
	"github.com/punchamoorthee/tabpay/internal/store"
)

// Store is the read-only slice of persistence the resolver needs.
type Store interface {
	FindOpenTab(ctx context.Context, barID, customerIdentifier string) (*models.Tab, error)
	GetBar(ctx context.Context, id string) (*models.Bar, error)
}

type Resolver struct {
	store Store
}

func NewResolver(s Store) *Resolver {
	return &Resolver{store: s}
}

// ResolveCustomerTabToTenant finds the customer's payable tab at barID and
// the active tenant that owns it. It performs no writes.
func (r *Resolver) ResolveCustomerTabToTenant(ctx context.Context, barID, customerIdentifier string) (models.TenantInfo, error) {
	barID = strings.TrimSpace(barID)
	customerIdentifier = strings.TrimSpace(customerIdentifier)
	if barID == "" || customerIdentifier == "" {
		return models.TenantInfo{}, domain.ErrInvalidRequest.Withf("bar ID and customer identifier are required")
	}

	tab, err := r.store.FindOpenTab(ctx, barID, customerIdentifier)
	if errors.Is(err, store.ErrNotFound) {
		return models.TenantInfo{}, domain.ErrTabNotFound.Withf("no open tab for customer %s at bar %s", customerIdentifier, barID)
	}
	if err != nil {
		return models.TenantInfo{}, domain.ErrInternal.With("tab lookup failed", err)
	}

	bar, err := r.store.GetBar(ctx, tab.BarID)
	if errors.Is(err, store.ErrNotFound) {
		return models.TenantInfo{}, domain.ErrOrphanedTab.Withf("tab %s references missing bar %s", tab.ID, tab.BarID)
	}
	if err != nil {
		return models.TenantInfo{}, domain.ErrInternal.With("bar lookup failed", err)
	}
	if !bar.IsActive {
		return models.TenantInfo{}, domain.ErrOrphanedTab.Withf("tab %s belongs to inactive bar %s", tab.ID, bar.ID)
	}

	return models.TenantInfo{
		TenantID:           bar.ID,
		TenantName:         bar.Name,
		TabID:              tab.ID,
		TabNumber:          tab.TabNumber,
		CustomerIdentifier: tab.CustomerIdentifier,
	}, nil
}
