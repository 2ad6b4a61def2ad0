package statement

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Money is the price calculator's answer for one usage line, in minor units.
// Amount may be negative for credit lines (revenue share, refunds).
type Money struct {
	Price  int64 `json:"price"`
	Amount int64 `json:"amount"`
}

// PriceCalculator is the external component that turns metered usage into
// money. Its internals are out of scope here.
type PriceCalculator interface {
	CalculateMoney(ctx context.Context, productID, currency, month string, quantity int64) (Money, error)
}

// UsageRecord is one metered product quantity for a month.
type UsageRecord struct {
	ProductID   string
	Description string
	Quantity    int64
}

// AccountUsage bundles an account's usage for a month.
type AccountUsage struct {
	AccountID string
	Currency  string
	Records   []UsageRecord
}

// UsageSource lists the usage to bill for a month.
type UsageSource interface {
	ListAccountUsage(ctx context.Context, month string) ([]AccountUsage, error)
}

// Builder prices a month of usage and ingests the resulting statements. It
// runs from the monthly sweep.
type Builder struct {
	calc  PriceCalculator
	usage UsageSource
	svc   *Service
	log   zerolog.Logger
}

func NewBuilder(calc PriceCalculator, usage UsageSource, svc *Service, log zerolog.Logger) *Builder {
	return &Builder{
		calc:  calc,
		usage: usage,
		svc:   svc,
		log:   log.With().Str("component", "statement_builder").Logger(),
	}
}

// BuildMonth prices every account's usage for month (format "2006-01") and
// ingests one statement per account with a non-zero total. A positive sum is
// a DEBIT, a negative sum a CREDIT of the absolute value.
func (b *Builder) BuildMonth(ctx context.Context, month string) error {
	usages, err := b.usage.ListAccountUsage(ctx, month)
	if err != nil {
		return fmt.Errorf("statement: list usage for %s: %w", month, err)
	}

	for _, u := range usages {
		st, err := b.buildOne(ctx, month, u)
		if err != nil {
			return err
		}
		if st.TotalAmount == 0 && len(st.Items) == 0 {
			continue
		}
		if err := b.svc.Ingest(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) buildOne(ctx context.Context, month string, u AccountUsage) (Statement, error) {
	var (
		items []Item
		total int64
	)
	for _, rec := range u.Records {
		m, err := b.calc.CalculateMoney(ctx, rec.ProductID, u.Currency, month, rec.Quantity)
		if err != nil {
			return Statement{}, fmt.Errorf("statement: price %s for %s: %w", rec.ProductID, u.AccountID, err)
		}
		items = append(items, Item{
			ProductID:   rec.ProductID,
			Description: rec.Description,
			Quantity:    rec.Quantity,
			Price:       m.Price,
			Amount:      m.Amount,
		})
		total += m.Amount
	}

	st := Statement{
		AccountID: u.AccountID,
		Month:     month,
		Currency:  u.Currency,
		Items:     items,
	}
	switch {
	case total >= 0:
		st.TotalAmount = total
		st.TotalAmountType = Debit
	default:
		st.TotalAmount = -total
		st.TotalAmountType = Credit
	}
	return st, nil
}

// PreviousMonth formats the month before now, the one a sweep at a month
// boundary should bill. Anchored to the first of the month so late-month
// dates don't normalize across the boundary.
func PreviousMonth(now time.Time) string {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	return first.AddDate(0, -1, 0).Format("2006-01")
}
