package entities

import "strings"

// DefaultCountryCode is prepended to national numbers (10 or 11 digits).
const DefaultCountryCode = "55"

// NormalizePhone keeps digits only and adds the default country code to
// national numbers. JID suffixes such as "@s.whatsapp.net" are dropped.
func NormalizePhone(raw string) string {
	if at := strings.IndexByte(raw, '@'); at >= 0 {
		raw = raw[:at]
	}
	if colon := strings.IndexByte(raw, ':'); colon >= 0 {
		raw = raw[:colon]
	}

	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if len(digits) == 10 || len(digits) == 11 {
		return DefaultCountryCode + digits
	}
	return digits
}
