package content

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"meeshy/internal/models"
)

var (
	policy       = bluemonday.UGCPolicy()
	languageCode = regexp.MustCompile(`^[a-z]{2,3}(-[A-Za-z0-9]{2,8})?$`)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is used for sanitizing user inputs like display names and messages.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// PrepareMessage sanitizes and trims message content and checks its length in runes.
func PrepareMessage(input string, maxLength int) (string, error) {
	out := strings.TrimSpace(Sanitize(input))
	if out == "" {
		return "", fmt.Errorf("%w: message content cannot be empty", models.ErrValidation)
	}
	if n := utf8.RuneCountInString(out); maxLength > 0 && n > maxLength {
		return "", fmt.Errorf("%w: message is %d characters, maximum is %d", models.ErrValidation, n, maxLength)
	}
	return out, nil
}

// ValidateLanguage checks a BCP 47 style language code such as "fr" or "pt-BR".
func ValidateLanguage(code string) error {
	if !languageCode.MatchString(code) {
		return fmt.Errorf("%w: invalid language code %q", models.ErrValidation, code)
	}
	return nil
}

// Truncate shortens s to at most n runes, adding an ellipsis when cut.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
