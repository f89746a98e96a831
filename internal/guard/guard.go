// Package guard checks generated responses before they reach a customer.
package guard

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Length limits applied by the length policy, in characters.
const (
	MaxLength      = 4000
	TruncateLength = 3950
	TruncateSuffix = "\n\n[Response truncated for length.]"
)

var (
	ErrForbiddenPhrase = errors.New("forbidden phrase")
	ErrPII             = errors.New("PII")
)

// Policy names one check. Checks run in the order Forbidden, PII, Length
// regardless of argument order.
type Policy string

const (
	Forbidden Policy = "forbidden"
	PII       Policy = "pii"
	Length    Policy = "length"
)

// DefaultPolicies is applied when Check is called without policies.
var DefaultPolicies = []Policy{Forbidden, PII, Length}

// ForbiddenPhrases are matched case-insensitively anywhere in the text.
var ForbiddenPhrases = []string{
	"I am not a lawyer",
	"I am not a doctor",
	"this is legal advice",
	"guaranteed approval",
	"100% refund",
}

var piiPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{"card number", regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`)},
	{"SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
}

// Violation reports why a response was rejected. It matches ErrForbiddenPhrase
// or ErrPII with errors.Is.
type Violation struct {
	Kind   error
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("response contains %s: %s", v.Kind, v.Detail)
}

func (v *Violation) Unwrap() error { return v.Kind }

// Check trims text and applies the given policies. It returns the possibly
// truncated text, or a *Violation. Content checks always see the untruncated text.
func Check(text string, policies ...Policy) (string, error) {
	if len(policies) == 0 {
		policies = DefaultPolicies
	}
	enabled := make(map[Policy]bool, len(policies))
	for _, p := range policies {
		enabled[p] = true
	}

	out := strings.TrimSpace(text)

	if enabled[Forbidden] {
		lower := strings.ToLower(out)
		for _, phrase := range ForbiddenPhrases {
			if strings.Contains(lower, strings.ToLower(phrase)) {
				return "", &Violation{Kind: ErrForbiddenPhrase, Detail: phrase}
			}
		}
	}

	if enabled[PII] {
		for _, p := range piiPatterns {
			if p.re.MatchString(out) {
				return "", &Violation{Kind: ErrPII, Detail: p.kind}
			}
		}
	}

	if enabled[Length] {
		out = truncate(out)
	}
	return out, nil
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= MaxLength {
		return s
	}
	return string(r[:TruncateLength]) + TruncateSuffix
}
