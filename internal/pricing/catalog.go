package pricing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// Catalog is an in-memory, read-only product repository loaded at startup.
type Catalog struct {
	products map[string]Product
}

type catalogFile struct {
	Products []Product `yaml:"products"`
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(b)
}

// ParseCatalog decodes and validates a YAML catalog. Every problem is reported.
func ParseCatalog(b []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return NewCatalog(f.Products...)
}

func NewCatalog(products ...Product) (*Catalog, error) {
	c := &Catalog{products: make(map[string]Product, len(products))}
	var errs []error
	for i, p := range products {
		p = normalize(p)
		if err := validateProduct(p); err != nil {
			errs = append(errs, fmt.Errorf("product[%d] %q: %w", i, p.ID, err))
			continue
		}
		if _, dup := c.products[p.ID]; dup {
			errs = append(errs, fmt.Errorf("product[%d]: duplicate id %q", i, p.ID))
			continue
		}
		c.products[p.ID] = p
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

func (c *Catalog) FindProduct(ctx context.Context, id string) (Product, bool, error) {
	p, ok := c.products[id]
	return p, ok, nil
}

// ListProducts returns active products sorted by id.
func (c *Catalog) ListProducts(ctx context.Context) ([]Product, error) {
	out := lo.Filter(lo.Values(c.products), func(p Product, _ int) bool { return p.Status == StatusActive })
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func normalize(p Product) Product {
	p.ID = strings.TrimSpace(p.ID)
	if p.Status == "" {
		p.Status = StatusActive
	}
	if p.Type == "" {
		p.Type = ProductOneTime
	}
	if p.IsSubscription() && p.IntervalCount <= 0 {
		p.IntervalCount = 1
	}
	p.Prices = lo.Map(p.Prices, func(pr Price, _ int) Price {
		pr.Currency = strings.ToUpper(strings.TrimSpace(pr.Currency))
		return pr
	})
	p.Providers = lo.Uniq(lo.Map(p.Providers, func(s string, _ int) string {
		return strings.ToLower(strings.TrimSpace(s))
	}))
	return p
}

func validateProduct(p Product) error {
	var errs []error
	if p.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	switch p.Type {
	case ProductOneTime:
	case ProductSubscription:
		if p.Interval != "month" && p.Interval != "year" {
			errs = append(errs, fmt.Errorf("interval must be month or year, got %q", p.Interval))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown type %q", p.Type))
	}
	if p.Credits <= 0 {
		errs = append(errs, errors.New("credits must be > 0"))
	}
	if len(p.Prices) == 0 {
		errs = append(errs, errors.New("at least one price is required"))
	}
	for _, pr := range p.Prices {
		if pr.Currency == "" || pr.Amount < 0 {
			errs = append(errs, fmt.Errorf("invalid price %+v", pr))
		}
	}
	if len(lo.UniqBy(p.Prices, func(pr Price) string { return pr.Currency })) != len(p.Prices) {
		errs = append(errs, errors.New("duplicate currency"))
	}
	return errors.Join(errs...)
}
