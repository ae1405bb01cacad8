package extract

import "encoding/json"

// responseSchema is the provider-facing output schema, written in the
// OpenAPI subset Gemini accepts for constrained decoding. It is looser
// than the internal validation schema on purpose: money fields come
// back as strings and the exact-decimal checks happen after parsing.
var responseSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "invoice_id": {"type": "string"},
    "vendor_name": {"type": "string"},
    "vendor_type": {"type": "string"},
    "invoice_date": {"type": "string"},
    "due_date": {"type": "string"},
    "currency": {"type": "string"},
    "subtotal": {"type": "string"},
    "tax_amount": {"type": "string"},
    "commission_rate": {"type": "string"},
    "commission_amount": {"type": "string"},
    "total_amount": {"type": "string"},
    "line_items": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "description": {"type": "string"},
          "quantity": {"type": "string"},
          "unit_price": {"type": "string"},
          "amount": {"type": "string"}
        },
        "required": ["description", "quantity", "unit_price"]
      }
    }
  },
  "required": [
    "invoice_id", "vendor_name", "vendor_type", "invoice_date",
    "due_date", "currency", "subtotal", "commission_rate",
    "commission_amount", "total_amount", "line_items"
  ]
}`)
