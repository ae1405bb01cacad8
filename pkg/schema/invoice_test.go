package schema

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDoc() map[string]any {
	return map[string]any{
		"invoice_id":        "UE-2024-001847",
		"vendor_name":       "Uber Eats",
		"vendor_type":       "ubereats",
		"invoice_date":      "2024-03-01",
		"due_date":          "2024-03-15",
		"currency":          "USD",
		"subtotal":          "2449.50",
		"tax_amount":        "196.00",
		"commission_rate":   "0.30",
		"commission_amount": "734.85",
		"total_amount":      "1910.65",
		"line_items": []any{
			map[string]any{
				"description": "Order deliveries",
				"quantity":    "142",
				"unit_price":  "17.25",
				"amount":      "2449.50",
			},
		},
	}
}

func TestValidateRaw_AcceptsValidDoc(t *testing.T) {
	require.NoError(t, ValidateRaw(validDoc()))
}

func TestValidateRaw_RejectsMissingRequired(t *testing.T) {
	doc := validDoc()
	delete(doc, "invoice_id")
	assert.Error(t, ValidateRaw(doc))

	doc = validDoc()
	doc["line_items"] = []any{}
	assert.Error(t, ValidateRaw(doc))
}

func TestDecodeExtraction_ValidInvoice(t *testing.T) {
	inv, err := DecodeExtraction(validDoc(), VendorUberEats)
	require.NoError(t, err)
	require.NoError(t, inv.Validate(VendorUberEats))

	assert.Equal(t, "UE-2024-001847", inv.InvoiceID)
	assert.Equal(t, VendorUberEats, inv.VendorType)
	assert.Equal(t, "2449.5", inv.Subtotal.String())
	assert.Equal(t, "UE-2024-001847/ubereats", inv.Key())
}

// iFood prints Brazilian number and date formats; decoding normalizes
// both and defaults the currency to BRL.
func TestDecodeExtraction_BrazilianLocale(t *testing.T) {
	doc := validDoc()
	doc["invoice_id"] = "IF-2024-031502"
	doc["vendor_type"] = "ifood"
	doc["vendor_name"] = "iFood"
	doc["currency"] = ""
	doc["invoice_date"] = "01/03/2024"
	doc["due_date"] = "15/03/2024"
	doc["subtotal"] = "2.450,00"
	doc["tax_amount"] = "196,00"
	doc["commission_rate"] = "0,30"
	doc["commission_amount"] = "735,00"
	doc["total_amount"] = "1.911,00"
	doc["line_items"] = []any{
		map[string]any{
			"description": "Pedidos entregues",
			"quantity":    "100",
			"unit_price":  "24,50",
			"amount":      "2.450,00",
		},
	}

	inv, err := DecodeExtraction(doc, VendorIFood)
	require.NoError(t, err)
	assert.Equal(t, "BRL", inv.Currency)
	assert.Equal(t, "2024-03-01", inv.InvoiceDate.String())
	assert.Equal(t, "2450", inv.Subtotal.String())
	require.NoError(t, inv.Validate(VendorIFood))
}

func TestDecodeExtraction_ComputesMissingLineAmount(t *testing.T) {
	doc := validDoc()
	doc["line_items"] = []any{
		map[string]any{
			"description": "Orders",
			"quantity":    "10",
			"unit_price":  "24.50",
		},
	}
	doc["subtotal"] = "245.00"
	doc["commission_amount"] = "73.50"
	doc["total_amount"] = "191.10"

	inv, err := DecodeExtraction(doc, VendorUberEats)
	require.NoError(t, err)
	assert.Equal(t, "245", inv.LineItems[0].Amount.String())
}

func TestValidate_VendorMismatch(t *testing.T) {
	inv, err := DecodeExtraction(validDoc(), VendorUberEats)
	require.NoError(t, err)
	err = inv.Validate(VendorDoorDash)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match classified vendor")
}

func TestValidate_CommissionArithmetic(t *testing.T) {
	inv, err := DecodeExtraction(validDoc(), VendorUberEats)
	require.NoError(t, err)

	// Within the cent tolerance.
	inv.CommissionAmount = decimal.RequireFromString("734.86")
	assert.NoError(t, inv.Validate(VendorUberEats))

	// Outside it.
	inv.CommissionAmount = decimal.RequireFromString("740.00")
	err = inv.Validate(VendorUberEats)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commission_amount")
}

func TestValidate_LineSumMismatch(t *testing.T) {
	inv, err := DecodeExtraction(validDoc(), VendorUberEats)
	require.NoError(t, err)
	inv.LineItems[0].Amount = decimal.RequireFromString("2000.00")
	inv.LineItems[0].UnitPrice = decimal.RequireFromString("14.08")
	err = inv.Validate(VendorUberEats)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match subtotal")
}

func TestValidate_DateOrderAndIDPattern(t *testing.T) {
	inv, err := DecodeExtraction(validDoc(), VendorUberEats)
	require.NoError(t, err)

	inv.InvoiceDate, inv.DueDate = inv.DueDate, inv.InvoiceDate
	assert.Error(t, inv.Validate(VendorUberEats))

	inv, _ = DecodeExtraction(validDoc(), VendorUberEats)
	inv.InvoiceID = "lowercase id"
	assert.Error(t, inv.Validate(VendorUberEats))
}

// Money fields must serialize as quoted JSON strings.
func TestInvoiceMarshal_MoneyAsStrings(t *testing.T) {
	inv, err := DecodeExtraction(validDoc(), VendorUberEats)
	require.NoError(t, err)

	b, err := inv.Marshal()
	require.NoError(t, err)
	s := string(b)
	assert.True(t, strings.Contains(s, `"subtotal":"2449.5"`), s)
	assert.True(t, strings.Contains(s, `"invoice_date":"2024-03-01"`), s)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	_, isString := raw["total_amount"].(string)
	assert.True(t, isString, "total_amount must be a JSON string")

	back, err := UnmarshalInvoice(b)
	require.NoError(t, err)
	assert.True(t, back.TotalAmount.Equal(inv.TotalAmount))
	require.NoError(t, back.Validate(VendorUberEats))
}
