// Package phone canonicalizes North American phone numbers into the single
// 10-digit join key used by every identity and appointment lookup.
//
// Upstream channels store phones as "832-607-3630", "(832) 607-3630",
// "18326073630" or "+18326073630". All of them normalize to "8326073630".
package phone

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// ErrInvalidPhone is returned when a value cannot be reduced to 10 digits.
var ErrInvalidPhone = errors.New("invalid phone number")

const (
	countryCode    = "1"
	defaultRegion  = "US"
	nationalDigits = 10
)

// ValidationError carries the rejected input. It unwraps to ErrInvalidPhone.
type ValidationError struct {
	Raw    string
	Digits int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid phone number: %d digits after normalization, want %d", e.Digits, nationalDigits)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPhone }

// Canonical is a 10-digit national-format phone number.
type Canonical string

func (c Canonical) String() string { return string(c) }

// Masked returns the number with all but the last four digits hidden, for logs.
func (c Canonical) Masked() string {
	if len(c) < 4 {
		return strings.Repeat("*", len(c))
	}
	return strings.Repeat("*", len(c)-4) + string(c[len(c)-4:])
}

// Normalize strips every non-digit, drops a leading country code from 11-digit
// input and requires exactly 10 digits.
func Normalize(raw string) (Canonical, error) {
	digits := extractDigits(raw)
	if len(digits) == nationalDigits+1 && strings.HasPrefix(digits, countryCode) {
		digits = digits[1:]
	}
	if len(digits) != nationalDigits {
		return "", &ValidationError{Raw: raw, Digits: len(digits)}
	}
	return Canonical(digits), nil
}

// ToE164 formats a canonical number as "+1XXXXXXXXXX".
func ToE164(c Canonical) string {
	if num, err := phonenumbers.Parse(string(c), defaultRegion); err == nil {
		if formatted := phonenumbers.Format(num, phonenumbers.E164); formatted != "" {
			return formatted
		}
	}
	return "+" + countryCode + string(c)
}

// Assignable reports whether the number belongs to an assigned North
// American numbering plan range. Normalize accepts any ten digits because
// legacy records hold placeholders; this is the stricter check used to
// flag them.
func Assignable(c Canonical) bool {
	num, err := phonenumbers.Parse(string(c), defaultRegion)
	if err != nil {
		return false
	}
	return phonenumbers.IsValidNumberForRegion(num, defaultRegion)
}

// National formats the number for display, e.g. "(832) 607-3630".
func National(c Canonical) string {
	if num, err := phonenumbers.Parse(string(c), defaultRegion); err == nil && phonenumbers.IsValidNumber(num) {
		return phonenumbers.Format(num, phonenumbers.NATIONAL)
	}
	s := string(c)
	if len(s) != nationalDigits {
		return s
	}
	return "(" + s[:3] + ") " + s[3:6] + "-" + s[6:]
}

// AllFormats returns the representations legacy tables are known to hold:
// 10-digit, E.164 and 11-digit with leading 1.
func AllFormats(raw string) ([]string, error) {
	c, err := Normalize(raw)
	if err != nil {
		return nil, err
	}
	return []string{string(c), ToE164(c), countryCode + string(c)}, nil
}

// IsValid reports whether raw normalizes.
func IsValid(raw string) bool {
	_, err := Normalize(raw)
	return err == nil
}

func extractDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
