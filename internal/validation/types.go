package validation

// CartLine is a single purchased variant in the commit payload.
type CartLine struct {
	VariantID      string `json:"variant_id" validate:"required"`
	Quantity       int    `json:"quantity" validate:"required,min=1"`
	UnitPriceCents int64  `json:"unit_price_cents" validate:"required,gt=0"` // price per unit, minor units
}

// AddressPayload is the shipping destination as submitted by the client.
type AddressPayload struct {
	Name       string `json:"name"`
	Line1      string `json:"line1" validate:"required"`
	Line2      string `json:"line2"`
	City       string `json:"city" validate:"required"`
	Region     string `json:"region"`
	PostalCode string `json:"postal_code" validate:"required"`
	Country    string `json:"country" validate:"required,len=2"` // ISO 3166-1 alpha-2
}

// CommitRequest is the payload for POST /checkout/commit.
// AddressFingerprint is the digest issued by the quote call; when present the
// commit re-checks the submitted address against it to catch tampering
// between preview and commit.
type CommitRequest struct {
	Lines              []CartLine     `json:"lines" validate:"required,min=1,dive"`
	ShippingAddress    AddressPayload `json:"shipping_address" validate:"required"`
	ServiceLevel       string         `json:"service_level"`
	AddressFingerprint string         `json:"address_fingerprint"`
	PaymentMethodRef   string         `json:"payment_method_ref" validate:"required"`
	SubtotalCents      int64          `json:"subtotal_cents" validate:"required,gt=0"` // client-claimed cart total
	Currency           string         `json:"currency" validate:"required,len=3"`      // ISO 4217
}

// QuoteRequest is the payload for POST /checkout/quote.
type QuoteRequest struct {
	Lines           []CartLine     `json:"lines" validate:"required,min=1,dive"`
	ShippingAddress AddressPayload `json:"shipping_address" validate:"required"`
	ServiceLevel    string         `json:"service_level"`
}
