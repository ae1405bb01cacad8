package schema

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount parses a monetary amount as it appears on an invoice.
// Both European ("1.234,56") and US ("1,234.56") digit grouping are
// accepted, along with plain decimal strings and leading currency
// symbols. The result is an exact decimal; binary floating point never
// enters the parse path.
func ParseAmount(s string) (decimal.Decimal, error) {
	orig := s
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "$€£R$ ")
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("schema: empty amount")
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	if strings.ContainsAny(s, "-+") {
		return decimal.Zero, fmt.Errorf("schema: invalid amount %q: stray sign", orig)
	}

	normalized, err := normalizeSeparators(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("schema: invalid amount %q: %w", orig, err)
	}

	d, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Zero, fmt.Errorf("schema: invalid amount %q: %w", orig, err)
	}
	if neg {
		d = d.Neg()
	}
	return d, nil
}

// normalizeSeparators rewrites a grouped amount into plain decimal form.
// The rightmost separator is the decimal point when it is followed by
// one or two digits, or when the other separator also appears; a lone
// separator followed by exactly three digits is treated as grouping.
func normalizeSeparators(s string) (string, error) {
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	switch {
	case lastDot < 0 && lastComma < 0:
		// Plain integer.
		return s, nil
	case lastDot >= 0 && lastComma >= 0:
		// Both present: the rightmost is the decimal separator.
		if lastDot > lastComma {
			return strings.ReplaceAll(s, ",", ""), nil
		}
		s = strings.ReplaceAll(s, ".", "")
		return strings.Replace(s, ",", ".", 1), nil
	case lastComma >= 0:
		return resolveSingle(s, ",", lastComma), nil
	default:
		return resolveSingle(s, ".", lastDot), nil
	}
}

// resolveSingle handles an amount with only one separator kind present.
func resolveSingle(s, sep string, lastIdx int) string {
	frac := s[lastIdx+1:]
	// Multiple occurrences can only be grouping ("1,234,567").
	if strings.Count(s, sep) > 1 {
		return strings.ReplaceAll(s, sep, "")
	}
	// Exactly three trailing digits reads as grouping ("1,234"); one or
	// two reads as cents. Anything else is taken literally.
	if len(frac) == 3 {
		return strings.ReplaceAll(s, sep, "")
	}
	if sep == "," {
		return strings.Replace(s, ",", ".", 1)
	}
	return s
}

// AmountFromJSON coerces a JSON value (string or number) into an exact
// decimal. LLM output is inconsistent about quoting money fields.
func AmountFromJSON(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case string:
		return ParseAmount(x)
	case float64:
		// json.Unmarshal produces float64 for unquoted numbers. Render
		// through the string form so the decimal carries the printed
		// digits, not the binary approximation.
		return decimal.NewFromString(strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.6f", x), "0"), "."))
	case nil:
		return decimal.Zero, fmt.Errorf("schema: missing amount")
	default:
		return decimal.Zero, fmt.Errorf("schema: amount has type %T", v)
	}
}
