package address

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Address is a shipping address as submitted by the client.
type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"` // ISO 3166-1 alpha-2
}

// Normalized is the provider-corrected form of an address together with the
// provider's confidence in the match.
type Normalized struct {
	Address    Address
	Confidence float64
}

// Validator is the consumed address-validation interface. Implementations
// wrap an external service; the orchestrator applies timeouts and retries.
type Validator interface {
	Validate(ctx context.Context, addr Address) (Normalized, error)
}

// Fingerprint returns a stable digest of the address fields. The commit stage
// compares it against the fingerprint captured at preview time to detect
// tampering between preview and commit.
func (a Address) Fingerprint() string {
	canon := strings.Join([]string{
		norm(a.Line1),
		norm(a.Line2),
		norm(a.City),
		norm(a.Region),
		norm(a.PostalCode),
		norm(a.Country),
	}, "|")
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:])
}

func norm(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}
