package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureTolerance bounds how far a webhook timestamp may drift from the
// receiver's clock before the delivery is rejected as a possible replay.
const SignatureTolerance = 5 * time.Minute

var (
	ErrSignatureMalformed = errors.New("webhook signature header malformed")
	ErrSignatureExpired   = errors.New("webhook signature timestamp outside tolerance")
	ErrSignatureMismatch  = errors.New("webhook signature mismatch")
)

// VerifySignature checks a provider webhook signature header of the form
// "t=<unix>,v1=<hex hmac-sha256>", where the MAC covers "<t>.<payload>".
// Comparison is constant-time.
func VerifySignature(payload []byte, header, secret string, now time.Time) error {
	var tsPart, sigPart string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			tsPart = v
		case "v1":
			sigPart = v
		}
	}
	if tsPart == "" || sigPart == "" {
		return ErrSignatureMalformed
	}

	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return ErrSignatureMalformed
	}
	drift := now.Sub(time.Unix(ts, 0))
	if drift > SignatureTolerance || drift < -SignatureTolerance {
		return ErrSignatureExpired
	}

	want := computeMAC(payload, tsPart, secret)
	got, err := hex.DecodeString(sigPart)
	if err != nil {
		return ErrSignatureMalformed
	}
	if !hmac.Equal(got, want) {
		return ErrSignatureMismatch
	}
	return nil
}

// SignPayload produces the signature header for a payload, used by tests and
// the local webhook simulator.
func SignPayload(payload []byte, secret string, now time.Time) string {
	ts := strconv.FormatInt(now.Unix(), 10)
	mac := computeMAC(payload, ts, secret)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac))
}

func computeMAC(payload []byte, ts, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}
