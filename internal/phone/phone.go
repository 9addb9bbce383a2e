// Package phone canonicalizes contact phone numbers.
//
// The canonical form is a bare digit string with a country code prefix,
// e.g. "905321234567". Input may carry spaces, separators, a leading "+"
// or the "00" international prefix; all of that is stripped before the
// home-country rules apply.
package phone

import (
	"errors"
	"strings"
)

// Home-country dialing policy (Türkiye).
const (
	CountryCode = "90"

	nationalDigits = 10
	minIntl        = 10
	maxIntl        = 15
)

var ErrInvalid = errors.New("invalid phone number")

// Normalize converts raw textual input into a canonical phone identifier.
// It returns ErrInvalid when no plausible number can be extracted.
func Normalize(raw string) (string, error) {
	cleaned := stripNonDigits(raw)
	if cleaned == "" {
		return "", ErrInvalid
	}

	// "00" international prefix. Strip it until none remains so a
	// canonical output fed back in normalizes to itself.
	for strings.HasPrefix(cleaned, "00") {
		cleaned = cleaned[2:]
	}

	// National format with trunk zero: 0 + 10 digits.
	if len(cleaned) == nationalDigits+1 && cleaned[0] == '0' {
		cleaned = CountryCode + cleaned[1:]
	}

	// Bare national number: 10 digits starting with a mobile (5) or
	// landline (2-4) prefix gets the country code prepended.
	if len(cleaned) == nationalDigits && cleaned[0] >= '2' && cleaned[0] <= '5' {
		cleaned = CountryCode + cleaned
	}

	// Home-country canonical form: country code + 10 digits.
	if strings.HasPrefix(cleaned, CountryCode) && len(cleaned) == len(CountryCode)+nationalDigits {
		return cleaned, nil
	}

	// Anything else passes as international if the length is plausible.
	if len(cleaned) >= minIntl && len(cleaned) <= maxIntl {
		return cleaned, nil
	}

	return "", ErrInvalid
}

// Valid reports whether raw normalizes successfully.
func Valid(raw string) bool {
	_, err := Normalize(raw)
	return err == nil
}

// SplitList splits bulk text input into candidate numbers. Newlines, commas,
// semicolons, pipes and tabs all act as separators.
func SplitList(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		switch r {
		case '\n', '\r', ',', ';', '|', '\t':
			return true
		}
		return false
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func stripNonDigits(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
