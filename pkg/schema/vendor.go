package schema

import (
	"fmt"
	"strings"
)

// VendorType identifies the delivery platform that issued an invoice.
type VendorType string

const (
	VendorUberEats VendorType = "ubereats"
	VendorDoorDash VendorType = "doordash"
	VendorGrubhub  VendorType = "grubhub"
	VendorIFood    VendorType = "ifood"
	VendorRappi    VendorType = "rappi"
	VendorOther    VendorType = "other"
)

// KnownVendors lists the five named platforms, excluding VendorOther.
var KnownVendors = []VendorType{
	VendorUberEats, VendorDoorDash, VendorGrubhub, VendorIFood, VendorRappi,
}

// ParseVendorType parses a vendor string. The empty string and unknown
// values are rejected; callers wanting a lenient fallback use VendorOther
// explicitly.
func ParseVendorType(s string) (VendorType, error) {
	switch v := VendorType(strings.ToLower(strings.TrimSpace(s))); v {
	case VendorUberEats, VendorDoorDash, VendorGrubhub, VendorIFood, VendorRappi, VendorOther:
		return v, nil
	default:
		return "", fmt.Errorf("schema: unknown vendor type %q", s)
	}
}

// Valid reports whether v is one of the six recognized values.
func (v VendorType) Valid() bool {
	_, err := ParseVendorType(string(v))
	return err == nil
}

// DayFirstDates reports whether the vendor's locale writes dates
// day-first. iFood invoices are Brazilian Portuguese and Rappi invoices
// are Latin American Spanish; both use DD/MM/YYYY.
func (v VendorType) DayFirstDates() bool {
	return v == VendorIFood || v == VendorRappi
}

// DefaultCurrency returns the ISO-4217 currency for the vendor's home
// locale, used when the invoice does not state one.
func (v VendorType) DefaultCurrency() string {
	switch v {
	case VendorIFood:
		return "BRL"
	case VendorRappi:
		return "COP"
	default:
		return "USD"
	}
}
