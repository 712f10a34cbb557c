package mpesa

import (
	"strings"

	"github.com/ariefcatur/bizhub-orders/internal/apperr"
)

// NormalizePhone turns 07XXXXXXXX, 01XXXXXXXX, +2547XXXXXXXX and
// 2547XXXXXXXX into the 2547XXXXXXXX form Daraja expects.
func NormalizePhone(raw string) (string, error) {
	s := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "+")
	switch {
	case len(s) == 10 && s[0] == '0':
		s = "254" + s[1:]
	case len(s) == 9 && (s[0] == '7' || s[0] == '1'):
		s = "254" + s
	}
	if len(s) != 12 || !strings.HasPrefix(s, "254") || !digits(s) {
		return "", apperr.Newf(apperr.CodeValidation, "invalid phone number %q", raw)
	}
	return s, nil
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
