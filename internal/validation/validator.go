package validation

import (
	"fmt"

	validatorv10 "github.com/go-playground/validator/v10"
)

// New returns a configured validator with custom struct-level validation
// registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// The client-claimed subtotal must match the sum of the lines exactly.
	// Amounts are integer cents, so no rounding tolerance applies.
	v.RegisterStructValidation(commitRequestStructValidation, CommitRequest{})

	return v
}

func commitRequestStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CommitRequest)

	var sum int64
	for _, line := range req.Lines {
		sum += int64(line.Quantity) * line.UnitPriceCents
	}
	if sum != req.SubtotalCents {
		sl.ReportError(req.SubtotalCents, "subtotal_cents", "SubtotalCents", "subtotal_match_lines",
			fmt.Sprintf("lines sum %d != subtotal %d", sum, req.SubtotalCents))
	}
}
