// Package privacy masks customer contact details before they reach logs.
package privacy

import (
	"strings"
	"unicode/utf8"
)

// MaskPhoneNumber keeps only the last 4 characters.
// Example: "090-1234-5678" -> "*********5678"
func MaskPhoneNumber(phone string) string {
	n := utf8.RuneCountInString(phone)
	if n <= 4 {
		return strings.Repeat("*", n)
	}
	runes := []rune(phone)
	return strings.Repeat("*", n-4) + string(runes[n-4:])
}

// MaskEmail keeps the first character of the local part and the domain.
// Example: "test@gmail.com" -> "t***@gmail.com"
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 1 {
		return strings.Repeat("*", utf8.RuneCountInString(email))
	}
	first, _ := utf8.DecodeRuneInString(email)
	return string(first) + "***" + email[at:]
}
