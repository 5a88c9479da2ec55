package paymentgateway

import (
	"regexp"
	"strings"

	"github.com/frahmantamala/mpesa-payments/internal"
)

var msisdnPattern = regexp.MustCompile(`^254[17]\d{8}$`)

// NormalizePhone converts the local (07.., 01..), short (7..) and international
// (+254..) forms of a Kenyan mobile number into the 2547XXXXXXXX form Daraja expects.
func NormalizePhone(raw string) (string, error) {
	p := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(raw))
	p = strings.TrimPrefix(p, "+")

	switch {
	case len(p) == 10 && strings.HasPrefix(p, "0"):
		p = "254" + p[1:]
	case len(p) == 9 && (p[0] == '7' || p[0] == '1'):
		p = "254" + p
	}

	if !msisdnPattern.MatchString(p) {
		return "", internal.NewValidationFieldError("phone", "phone must be a valid Safaricom number", internal.ErrCodeInvalidPhone)
	}
	return p, nil
}

// MaskPhone keeps the prefix and the last four digits, for logs.
func MaskPhone(phone string) string {
	if len(phone) < 8 {
		return "****"
	}
	return phone[:4] + strings.Repeat("*", len(phone)-8) + phone[len(phone)-4:]
}
