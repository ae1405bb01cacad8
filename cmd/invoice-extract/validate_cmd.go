package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/recibo-labs/recibo/pkg/schema"
)

// runValidate checks an extraction JSON file against the structural
// schema and the business rules without calling any provider.
func runValidate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("validate", stderr)
	if err := fs.Parse(args); err != nil {
		return exitValidation
	}
	if fs.NArg() != 1 {
		usage(stderr)
		return exitValidation
	}
	path := fs.Arg(0)

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitValidation
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		fmt.Fprintf(stderr, "%s: not a json object: %v\n", path, err)
		return exitValidation
	}
	if err := schema.ValidateRaw(doc); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", path, err)
		return exitValidation
	}

	// The declared vendor steers date and currency normalization. A bad
	// vendor value is itself a validation failure.
	vendor, err := schema.ParseVendorType(fmt.Sprint(doc["vendor_type"]))
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", path, err)
		return exitValidation
	}
	inv, err := schema.DecodeExtraction(doc, vendor)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", path, err)
		return exitValidation
	}
	if err := inv.Validate(vendor); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", path, err)
		return exitValidation
	}

	fmt.Fprintf(stdout, "%s: valid (%s, %s %s)\n", path, inv.Key(), inv.TotalAmount, inv.Currency)
	return exitOK
}
