package address

import (
	"context"
	"fmt"
	"strings"
)

// BasicNormalizer is the default Validator used when no external provider is
// configured. It normalizes casing and whitespace and rejects addresses that
// are structurally unusable. It never calls out over the network.
type BasicNormalizer struct{}

// ErrUnusableAddress is returned when an address is missing required parts.
type ErrUnusableAddress struct {
	Field string
}

func (e *ErrUnusableAddress) Error() string {
	return fmt.Sprintf("address missing or invalid field: %s", e.Field)
}

// Validate normalizes addr in place and assigns a fixed confidence.
func (BasicNormalizer) Validate(_ context.Context, addr Address) (Normalized, error) {
	if strings.TrimSpace(addr.Line1) == "" {
		return Normalized{}, &ErrUnusableAddress{Field: "line1"}
	}
	if strings.TrimSpace(addr.City) == "" {
		return Normalized{}, &ErrUnusableAddress{Field: "city"}
	}
	if strings.TrimSpace(addr.PostalCode) == "" {
		return Normalized{}, &ErrUnusableAddress{Field: "postal_code"}
	}
	if len(strings.TrimSpace(addr.Country)) != 2 {
		return Normalized{}, &ErrUnusableAddress{Field: "country"}
	}

	out := Address{
		Name:       collapse(addr.Name),
		Line1:      collapse(addr.Line1),
		Line2:      collapse(addr.Line2),
		City:       collapse(addr.City),
		Region:     strings.ToUpper(collapse(addr.Region)),
		PostalCode: strings.ToUpper(collapse(addr.PostalCode)),
		Country:    strings.ToUpper(collapse(addr.Country)),
	}
	return Normalized{Address: out, Confidence: 0.5}, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
