package domain

import (
	"errors"
	"strings"
)

var nipWeights = [9]int{6, 5, 7, 2, 3, 4, 5, 6, 7}

// NormalizeNIP strips separators and an optional PL prefix.
func NormalizeNIP(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "PL")
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidateNIP checks the 10-digit format and the modulo-11 checksum.
func ValidateNIP(raw string) error {
	nip := NormalizeNIP(raw)
	if len(nip) != 10 {
		return errors.New("nip must be 10 digits")
	}
	sum := 0
	for i, w := range nipWeights {
		sum += int(nip[i]-'0') * w
	}
	check := sum % 11
	if check == 10 {
		return errors.New("nip checksum invalid")
	}
	if check != int(nip[9]-'0') {
		return errors.New("nip checksum mismatch")
	}
	return nil
}

// SameNIP compares two tax ids after normalization.
func SameNIP(a, b string) bool {
	na, nb := NormalizeNIP(a), NormalizeNIP(b)
	return na != "" && na == nb
}

// ClassifyDirection labels the invoice against the tenant's own tax id.
// A NIP match is certain; no match yields UNKNOWN at half confidence and the
// review gate takes over.
func ClassifyDirection(tenantNIP, sellerNIP, buyerNIP string) (Direction, float64) {
	switch {
	case SameNIP(tenantNIP, sellerNIP):
		return DirectionOutgoing, 1.0
	case SameNIP(tenantNIP, buyerNIP):
		return DirectionIncoming, 1.0
	default:
		return DirectionUnknown, 0.5
	}
}
