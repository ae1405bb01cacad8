// Package schema defines the invoice entity, the inter-stage message
// envelopes, and the validation rules enforced at every stage boundary.
package schema

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
)

//go:embed invoice.schema.json
var invoiceSchemaJSON string

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// invoiceIDPattern constrains invoice identifiers per the warehouse key
// contract: uppercase alphanumerics and hyphens.
var invoiceIDPattern = regexp.MustCompile(`^[A-Z0-9\-]+$`)

// currencyPattern matches ISO-4217 3-letter codes.
var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Money tolerances for cross-field arithmetic checks. Scanned invoices
// routinely round at line level, so exact equality is not achievable.
var (
	centTolerance = decimal.New(2, -2) // 0.02
	lineTolerance = decimal.New(1, -2) // 0.01
)

// LineItem is one billed line of an invoice.
type LineItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Amount      decimal.Decimal `json:"amount"`
}

// Invoice is the validated extraction target. Money fields are exact
// decimals and serialize as JSON strings.
type Invoice struct {
	InvoiceID        string          `json:"invoice_id"`
	VendorName       string          `json:"vendor_name"`
	VendorType       VendorType      `json:"vendor_type"`
	InvoiceDate      Date            `json:"invoice_date"`
	DueDate          Date            `json:"due_date"`
	Currency         string          `json:"currency"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	TaxAmount        decimal.Decimal `json:"tax_amount"`
	CommissionRate   decimal.Decimal `json:"commission_rate"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	LineItems        []LineItem      `json:"line_items"`
}

// CompiledSchema returns the compiled JSON Schema for raw extraction
// output. Compilation happens once; the embedded schema is trusted.
func CompiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://recibo.schemas.local/invoice.schema.json"
		if err := c.AddResource(url, strings.NewReader(invoiceSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("schema: load invoice schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(url)
	})
	return compiledSchema, schemaErr
}

// ValidateRaw checks a decoded JSON document against the invoice schema.
// This is the structural gate; DecodeExtraction and Validate apply the
// exact-decimal and business-rule checks afterwards.
func ValidateRaw(doc map[string]any) error {
	s, err := CompiledSchema()
	if err != nil {
		return err
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("schema: structural validation failed: %w", err)
	}
	return nil
}

// DecodeExtraction converts a schema-valid raw document into an Invoice,
// normalizing locale-formatted amounts and dates. The vendor steers date
// disambiguation and supplies the default currency.
func DecodeExtraction(doc map[string]any, vendor VendorType) (*Invoice, error) {
	inv := &Invoice{
		InvoiceID:  strings.TrimSpace(str(doc["invoice_id"])),
		VendorName: strings.TrimSpace(str(doc["vendor_name"])),
		Currency:   strings.ToUpper(strings.TrimSpace(str(doc["currency"]))),
	}

	vt, err := ParseVendorType(str(doc["vendor_type"]))
	if err != nil {
		return nil, err
	}
	inv.VendorType = vt

	if inv.Currency == "" {
		inv.Currency = vendor.DefaultCurrency()
	}

	if inv.InvoiceDate, err = ParseVendorDate(str(doc["invoice_date"]), vendor); err != nil {
		return nil, fmt.Errorf("schema: invoice_date: %w", err)
	}
	if inv.DueDate, err = ParseVendorDate(str(doc["due_date"]), vendor); err != nil {
		return nil, fmt.Errorf("schema: due_date: %w", err)
	}

	for field, dst := range map[string]*decimal.Decimal{
		"subtotal":          &inv.Subtotal,
		"tax_amount":        &inv.TaxAmount,
		"commission_rate":   &inv.CommissionRate,
		"commission_amount": &inv.CommissionAmount,
		"total_amount":      &inv.TotalAmount,
	} {
		d, err := AmountFromJSON(doc[field])
		if err != nil {
			return nil, fmt.Errorf("schema: %s: %w", field, err)
		}
		*dst = d
	}

	rawItems, _ := doc["line_items"].([]any)
	for i, ri := range rawItems {
		m, ok := ri.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("schema: line_items[%d] is not an object", i)
		}
		item := LineItem{Description: strings.TrimSpace(str(m["description"]))}
		if item.Quantity, err = AmountFromJSON(m["quantity"]); err != nil {
			return nil, fmt.Errorf("schema: line_items[%d].quantity: %w", i, err)
		}
		if item.UnitPrice, err = AmountFromJSON(m["unit_price"]); err != nil {
			return nil, fmt.Errorf("schema: line_items[%d].unit_price: %w", i, err)
		}
		if m["amount"] == nil {
			// Amount may be computed when the template omits it.
			item.Amount = item.Quantity.Mul(item.UnitPrice).Round(2)
		} else if item.Amount, err = AmountFromJSON(m["amount"]); err != nil {
			return nil, fmt.Errorf("schema: line_items[%d].amount: %w", i, err)
		}
		inv.LineItems = append(inv.LineItems, item)
	}

	return inv, nil
}

// Validate applies the business rules. expectedVendor is the
// classifier-assigned vendor; a mismatch with the extracted value is a
// validation failure, not a silent overwrite.
func (inv *Invoice) Validate(expectedVendor VendorType) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if inv.InvoiceID == "" || !invoiceIDPattern.MatchString(inv.InvoiceID) {
		add("invoice_id %q does not match [A-Z0-9-]+", inv.InvoiceID)
	}
	if inv.VendorName == "" {
		add("vendor_name is empty")
	}
	if !inv.VendorType.Valid() {
		add("vendor_type %q is not recognized", inv.VendorType)
	} else if expectedVendor != "" && inv.VendorType != expectedVendor {
		add("vendor_type %q does not match classified vendor %q", inv.VendorType, expectedVendor)
	}
	if !currencyPattern.MatchString(inv.Currency) {
		add("currency %q is not an ISO-4217 code", inv.Currency)
	}
	if inv.InvoiceDate.IsZero() || inv.DueDate.IsZero() {
		add("invoice_date and due_date are required")
	} else if inv.InvoiceDate.After(inv.DueDate) {
		add("invoice_date %s is after due_date %s", inv.InvoiceDate, inv.DueDate)
	}
	if inv.Subtotal.IsNegative() {
		add("subtotal %s is negative", inv.Subtotal)
	}
	if inv.TaxAmount.IsNegative() {
		add("tax_amount %s is negative", inv.TaxAmount)
	}
	if inv.CommissionRate.IsNegative() || inv.CommissionRate.GreaterThan(decimal.New(1, 0)) {
		add("commission_rate %s is outside [0,1]", inv.CommissionRate)
	}
	if inv.CommissionAmount.IsNegative() {
		add("commission_amount %s is negative", inv.CommissionAmount)
	}
	if !inv.TotalAmount.IsPositive() {
		add("total_amount %s is not positive", inv.TotalAmount)
	}
	if len(inv.LineItems) == 0 {
		add("line_items is empty")
	}

	lineSum := decimal.Zero
	for i, item := range inv.LineItems {
		if item.Quantity.IsNegative() {
			add("line_items[%d].quantity %s is negative", i, item.Quantity)
		}
		if item.UnitPrice.IsNegative() {
			add("line_items[%d].unit_price %s is negative", i, item.UnitPrice)
		}
		expected := item.Quantity.Mul(item.UnitPrice)
		if item.Amount.Sub(expected).Abs().GreaterThan(lineTolerance) {
			add("line_items[%d].amount %s != quantity*unit_price %s", i, item.Amount, expected.Round(2))
		}
		lineSum = lineSum.Add(item.Amount)
	}

	if len(inv.LineItems) > 0 && !inv.Subtotal.IsZero() {
		if lineSum.Sub(inv.Subtotal).Abs().GreaterThan(centTolerance) {
			add("line item sum %s does not match subtotal %s", lineSum, inv.Subtotal)
		}
	}

	expectedCommission := inv.Subtotal.Mul(inv.CommissionRate)
	if inv.CommissionAmount.Sub(expectedCommission).Abs().GreaterThan(centTolerance) {
		add("commission_amount %s does not match subtotal*rate %s", inv.CommissionAmount, expectedCommission.Round(2))
	}

	if len(problems) > 0 {
		return fmt.Errorf("schema: invoice validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Key returns the warehouse primary key.
func (inv *Invoice) Key() string {
	return inv.InvoiceID + "/" + string(inv.VendorType)
}

// Marshal serializes the invoice to canonical snake_case JSON.
func (inv *Invoice) Marshal() ([]byte, error) {
	return json.Marshal(inv)
}

// UnmarshalInvoice parses canonical invoice JSON as produced by Marshal.
func UnmarshalInvoice(data []byte) (*Invoice, error) {
	var inv Invoice
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("schema: unmarshal invoice: %w", err)
	}
	return &inv, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
