package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

var hundred = decimal.NewFromInt(100)

func parseDate(s string) (time.Time, error) {
	return time.Parse(dateLayout, s)
}

// lineAmount computes qty × rate × (1 − discount%), rounded to 2 decimal
// places. Quantities and money are fixed-point decimals throughout.
func lineAmount(qty, rate, discountPct decimal.Decimal) decimal.Decimal {
	return qty.Mul(rate).Mul(hundred.Sub(discountPct)).Div(hundred).Round(2)
}

// validateOrderHeader checks the header-level fields of a create request.
// Currency existence is checked against the reference table inside the
// transaction, not here.
func validateOrderHeader(in CreateOrderInput) error {
	if _, err := parseDate(in.OrderDate); err != nil {
		return Invalidf("order_date must be a valid YYYY-MM-DD date, got %q", in.OrderDate)
	}
	if in.ClientID <= 0 {
		return Invalidf("client_id is required")
	}
	if in.CompanyID <= 0 {
		return Invalidf("company_id is required")
	}
	if strings.TrimSpace(in.Currency) == "" {
		return Invalidf("currency is required")
	}
	if len(in.Lines) == 0 {
		return Invalidf("order must have at least one line")
	}
	return nil
}

// validateOrderLines checks every line and rejects duplicate line numbers.
// Error messages carry the 1-based position in the submitted list.
func validateOrderLines(lines []OrderLineInput) error {
	seen := make(map[int]bool, len(lines))
	for i, l := range lines {
		pos := i + 1
		if l.LineNo <= 0 {
			return InvalidLinef(pos, "line_no must be positive")
		}
		if seen[l.LineNo] {
			return InvalidLinef(pos, "duplicate line_no %d", l.LineNo)
		}
		seen[l.LineNo] = true
		if strings.TrimSpace(l.ProductNo) == "" {
			return InvalidLinef(pos, "product_no is required")
		}
		if strings.TrimSpace(l.PartNo) == "" {
			return InvalidLinef(pos, "part_no must not be blank")
		}
		if !l.Qty.IsPositive() {
			return InvalidLinef(pos, "qty must be greater than zero, got %s", l.Qty)
		}
		if !l.Rate.IsPositive() {
			return InvalidLinef(pos, "rate must be greater than zero, got %s", l.Rate)
		}
		if l.DiscountPct.IsNegative() || l.DiscountPct.GreaterThan(hundred) {
			return InvalidLinef(pos, "discount_pct must be between 0 and 100, got %s", l.DiscountPct)
		}
		if _, err := parseDate(l.DueDate); err != nil {
			return InvalidLinef(pos, "due_date must be a valid YYYY-MM-DD date, got %q", l.DueDate)
		}
		if strings.TrimSpace(l.Unit) == "" {
			return InvalidLinef(pos, "unit is required")
		}
	}
	return nil
}

// validatePostingShape checks the intrinsic fields of one candidate posting;
// capacity and date-ordering rules need storage state and live in the
// fulfillment engine.
func validatePostingShape(pos int, p PostingInput) error {
	if strings.TrimSpace(p.ProductNo) == "" {
		return InvalidLinef(pos, "product_no is required")
	}
	if strings.TrimSpace(p.PartNo) == "" {
		return InvalidLinef(pos, "part_no must not be blank")
	}
	if !p.Qty.IsPositive() {
		return InvalidLinef(pos, "qty must be greater than zero, got %s", p.Qty)
	}
	if _, err := parseDate(p.PostingDate); err != nil {
		return InvalidLinef(pos, "posting_date must be a valid YYYY-MM-DD date, got %q", p.PostingDate)
	}
	if p.PrevQty != nil && p.PrevQty.IsNegative() {
		return InvalidLinef(pos, "previous qty hint must not be negative")
	}
	return nil
}
