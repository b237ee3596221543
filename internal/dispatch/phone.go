package dispatch

import (
	"fmt"
	"strings"

	apperrors "github.com/acme/voice-campaign-engine/pkg/errors"
)

// NormalizeE164 converts a stored phone number to E.164. Numbers already
// starting with + are kept. Numbers starting with the default country code
// digits get a + prefix. Anything else loses a national trunk 0 and gets the
// default country code.
func NormalizeE164(raw, defaultCountryCode string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	international := strings.HasPrefix(trimmed, "+")

	var b strings.Builder
	for _, r := range trimmed {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	cc := strings.TrimPrefix(strings.TrimSpace(defaultCountryCode), "+")

	var number string
	switch {
	case digits == "":
		return "", fmt.Errorf("%w: phone number %q has no digits", apperrors.ErrValidation, raw)
	case international:
		number = digits
	case cc != "" && strings.HasPrefix(digits, cc):
		number = digits
	default:
		number = cc + strings.TrimPrefix(digits, "0")
	}

	if len(number) < 8 || len(number) > 15 {
		return "", fmt.Errorf("%w: phone number %q is not a valid E.164 number", apperrors.ErrValidation, raw)
	}
	return "+" + number, nil
}
