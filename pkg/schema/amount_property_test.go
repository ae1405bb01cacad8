//go:build property
// +build property

// Property-based tests for amount parsing and invoice serialization.
package schema_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"github.com/recibo-labs/recibo/pkg/schema"
)

// Property: for any cent amount, the US and Brazilian printed forms
// parse to the same exact decimal.
func TestParseAmount_LocaleAgreement(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("US and BR renderings parse identically", prop.ForAll(
		func(cents int64) bool {
			d := decimal.New(cents, -2)
			us := d.StringFixed(2) // 1234.56
			intPart, fracPart := splitFixed(us)
			br := groupThousands(intPart, ".") + "," + fracPart
			usGrouped := groupThousands(intPart, ",") + "." + fracPart

			a, err1 := schema.ParseAmount(br)
			b, err2 := schema.ParseAmount(usGrouped)
			if err1 != nil || err2 != nil {
				return false
			}
			return a.Equal(d) && b.Equal(d)
		},
		gen.Int64Range(0, 999_999_999),
	))

	properties.TestingRun(t)
}

// Property: parsing the decimal's own string form is the identity.
func TestParseAmount_RoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("ParseAmount(d.String()) == d", prop.ForAll(
		func(units int64, exp int8) bool {
			e := int32(exp % 4)
			d := decimal.New(units, -e)
			got, err := schema.ParseAmount(d.String())
			if err != nil {
				return false
			}
			return got.Equal(d)
		},
		gen.Int64Range(-999_999_999, 999_999_999),
		gen.Int8Range(0, 2),
	))

	properties.TestingRun(t)
}

func splitFixed(s string) (string, string) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return s[:i], s[i+1:]
		}
	}
	return s, "00"
}

func groupThousands(intPart, sep string) string {
	neg := false
	if len(intPart) > 0 && intPart[0] == '-' {
		neg = true
		intPart = intPart[1:]
	}
	out := ""
	for i, c := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			out += sep
		}
		out += string(c)
	}
	if neg {
		out = "-" + out
	}
	return out
}
