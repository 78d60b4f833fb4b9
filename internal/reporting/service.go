package reporting

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"credits-platform/internal/billing"
	"credits-platform/internal/credits"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// EntrySource and OrderSource abstract the data reporting reads.
//
// IMPORTANT:
// - Credit reports are per user; implementations must filter by user.
// - Both sources are immutable history (ledger rows, settled orders).
type EntrySource interface {
	ListEntries(ctx context.Context, userID string, q credits.ListQuery) ([]credits.Entry, error)
	GetBalance(ctx context.Context, userID string) (int64, error)
}

type OrderSource interface {
	ListPaidOrders(ctx context.Context, from, to time.Time) ([]billing.Order, error)
}

type Service struct {
	entries EntrySource
	orders  OrderSource
}

func NewService(entries EntrySource, orders OrderSource) *Service {
	return &Service{entries: entries, orders: orders}
}

const entryPage = 500

func (s *Service) CreditUsage(ctx context.Context, req CreditUsageRequest) (CreditUsage, error) {
	if req.UserID == "" || !req.Range.valid() {
		return CreditUsage{}, ErrInvalidRequest
	}
	if s.entries == nil {
		return CreditUsage{}, errors.New("reporting: entry source not configured")
	}

	scenes := map[string]*SceneTotal{}
	out := CreditUsage{UserID: req.UserID, Range: req.Range}
	for offset := 0; ; offset += entryPage {
		rows, err := s.entries.ListEntries(ctx, req.UserID, credits.ListQuery{
			From: req.Range.From, To: req.Range.To, Limit: entryPage, Offset: offset,
		})
		if err != nil {
			return CreditUsage{}, err
		}
		for _, e := range rows {
			st, ok := scenes[string(e.Scene)]
			if !ok {
				st = &SceneTotal{Scene: string(e.Scene)}
				scenes[string(e.Scene)] = st
			}
			switch e.Kind {
			case credits.KindGrant:
				out.Granted += e.Amount
				st.Granted += e.Amount
			case credits.KindConsume:
				out.Consumed += -e.Amount
				st.Consumed += -e.Amount
			}
		}
		if len(rows) < entryPage {
			break
		}
	}
	out.Net = out.Granted - out.Consumed

	bal, err := s.entries.GetBalance(ctx, req.UserID)
	if err != nil {
		return CreditUsage{}, err
	}
	out.Balance = bal

	out.ByScene = lo.Map(lo.Values(scenes), func(st *SceneTotal, _ int) SceneTotal { return *st })
	sort.Slice(out.ByScene, func(i, j int) bool { return out.ByScene[i].Scene < out.ByScene[j].Scene })
	return out, nil
}

func (s *Service) Revenue(ctx context.Context, req RevenueRequest) (RevenueReport, error) {
	if !req.Range.valid() {
		return RevenueReport{}, ErrInvalidRequest
	}
	if s.orders == nil {
		return RevenueReport{}, errors.New("reporting: order source not configured")
	}

	orders, err := s.orders.ListPaidOrders(ctx, req.Range.From, req.Range.To)
	if err != nil {
		return RevenueReport{}, err
	}

	want := strings.ToUpper(req.Currency)
	byCurrency := lo.GroupBy(orders, func(o billing.Order) string { return chargedCurrency(o) })

	out := RevenueReport{Range: req.Range, Totals: []CurrencyRevenue{}}
	for currency, rows := range byCurrency {
		if want != "" && currency != want {
			continue
		}
		cr := CurrencyRevenue{
			Currency:   currency,
			Orders:     len(rows),
			ByProvider: map[string]decimal.Decimal{},
			ByType:     map[string]decimal.Decimal{},
		}
		for _, o := range rows {
			minor := chargedAmount(o)
			major := toMajor(minor, currency)
			cr.AmountMinor += minor
			cr.ByProvider[o.Provider] = cr.ByProvider[o.Provider].Add(major)
			cr.ByType[string(o.PaymentType)] = cr.ByType[string(o.PaymentType)].Add(major)
			cr.CreditsSold += o.CreditsAmount
		}
		cr.Amount = toMajor(cr.AmountMinor, currency)
		out.Totals = append(out.Totals, cr)
	}
	sort.Slice(out.Totals, func(i, j int) bool { return out.Totals[i].Currency < out.Totals[j].Currency })
	return out, nil
}

// chargedAmount prefers what the provider reported over the catalog price.
func chargedAmount(o billing.Order) int64 {
	if o.PaymentAmount > 0 {
		return o.PaymentAmount
	}
	return o.Amount
}

func chargedCurrency(o billing.Order) string {
	if o.PaymentCurrency != "" {
		return strings.ToUpper(o.PaymentCurrency)
	}
	return strings.ToUpper(o.Currency)
}

var zeroDecimalCurrencies = map[string]bool{
	"JPY": true, "KRW": true, "VND": true, "CLP": true, "ISK": true, "UGX": true,
}

func toMajor(minor int64, currency string) decimal.Decimal {
	if zeroDecimalCurrencies[currency] {
		return decimal.NewFromInt(minor)
	}
	return decimal.New(minor, -2)
}
