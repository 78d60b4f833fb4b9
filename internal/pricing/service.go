package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// Service resolves what a checkout sells and through which provider.
//
// Contract:
// - Prices are looked up per currency; there is no conversion.
// - Provider-specific product ids are returned only to the checkout layer.
// - Pure lookups; no provider SDK calls and no writes.
type Service struct {
	repo ProductRepository
	// providers are the configured provider keys; def is the fallback.
	providers []string
	def       string
}

// ProductRepository abstracts the product catalog.
type ProductRepository interface {
	FindProduct(ctx context.Context, id string) (Product, bool, error)
	ListProducts(ctx context.Context) ([]Product, error)
}

func NewService(repo ProductRepository, providers []string, defaultProvider string) *Service {
	return &Service{repo: repo, providers: providers, def: defaultProvider}
}

var (
	ErrProductNotFound     = errors.New("pricing: product not found")
	ErrPriceNotFound       = errors.New("pricing: no price for currency")
	ErrProviderNotAllowed  = errors.New("pricing: provider not allowed for product")
	ErrInvalidQuoteRequest = errors.New("pricing: invalid quote request")
)

type QuoteRequest struct {
	ProductID string
	Currency  string
	// Provider is optional; empty selects one.
	Provider string
}

// Quote is everything needed to open an order and a checkout session.
type Quote struct {
	Product           Product
	Price             Price
	Provider          string
	ProviderProductID string
}

// Quote resolves the product, its price and the provider.
//
// Provider priority:
//  1. Explicit request (must be configured and allowed by the product)
//  2. Configured default, when the product allows it
//  3. First configured provider the product allows
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	if req.ProductID == "" || req.Currency == "" {
		return Quote{}, ErrInvalidQuoteRequest
	}
	p, ok, err := s.repo.FindProduct(ctx, req.ProductID)
	if err != nil {
		return Quote{}, err
	}
	if !ok || p.Status != StatusActive {
		return Quote{}, fmt.Errorf("%w: %s", ErrProductNotFound, req.ProductID)
	}

	currency := strings.ToUpper(req.Currency)
	price, ok := lo.Find(p.Prices, func(pr Price) bool { return pr.Currency == currency })
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s %s", ErrPriceNotFound, p.ID, currency)
	}

	provider, err := s.pickProvider(p, strings.ToLower(req.Provider))
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		Product:           p,
		Price:             price,
		Provider:          provider,
		ProviderProductID: p.ProviderProductIDs[provider],
	}, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) pickProvider(p Product, requested string) (string, error) {
	allowed := func(name string) bool {
		return lo.Contains(s.providers, name) && (len(p.Providers) == 0 || lo.Contains(p.Providers, name))
	}
	if requested != "" {
		if !allowed(requested) {
			return "", fmt.Errorf("%w: %s for %s", ErrProviderNotAllowed, requested, p.ID)
		}
		return requested, nil
	}
	if s.def != "" && allowed(s.def) {
		return s.def, nil
	}
	if name, ok := lo.Find(s.providers, allowed); ok {
		return name, nil
	}
	return "", fmt.Errorf("%w: no configured provider sells %s", ErrProviderNotAllowed, p.ID)
}
