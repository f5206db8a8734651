// Package pii masks personal data in the transcript excerpts that end up in
// exported reports.
package pii

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"
)

// Type names a category of personal data.
type Type string

const (
	TypeSSN        Type = "ssn"
	TypeCreditCard Type = "credit_card"
	TypePhone      Type = "phone"
	TypeEmail      Type = "email"
	TypeBirthDate  Type = "birth_date"
)

// AllTypes lists every supported category in detection order. Card numbers
// come before phone numbers so a card is not half-masked as a phone.
var AllTypes = []Type{TypeCreditCard, TypeSSN, TypePhone, TypeEmail, TypeBirthDate}

// Match is one masked span of the input.
type Match struct {
	Type     Type   `json:"type"`
	Redacted string `json:"redacted"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
}

// Config controls which categories are masked and how.
type Config struct {
	EnabledTypes   []Type
	RedactionChar  string
	PreserveFormat bool
}

// DefaultConfig masks every category and keeps separators and trailing
// digits visible.
func DefaultConfig() Config {
	return Config{
		EnabledTypes:   AllTypes,
		RedactionChar:  "*",
		PreserveFormat: true,
	}
}

type detector struct {
	typ      Type
	re       *regexp.Regexp
	valid    func(string) bool
	mask     func(r *Redactor, s string) string
	fallback string
}

// Redactor finds and masks personal data. It holds no mutable state after
// construction and may be shared.
type Redactor struct {
	logger         *logrus.Entry
	detectors      []detector
	redactionChar  string
	preserveFormat bool
}

var (
	ssnRegex        = regexp.MustCompile(`\b\d{3}[-\s]?\d{2}[-\s]?\d{4}\b`)
	creditCardRegex = regexp.MustCompile(`\b(?:4\d{3}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}|5\d{3}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}|3\d{3}[-\s]?\d{6}[-\s]?\d{5}|6\d{3}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4})\b`)
	phoneRegex      = regexp.MustCompile(`(?:\+?1[-.\s]?)?(?:\(\d{3}\)\s?|\b\d{3}[-.\s]?)\d{3}[-.\s]?\d{4}\b`)
	emailRegex      = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	birthDateRegex  = regexp.MustCompile(`\b(?:0?[1-9]|1[0-2])[/.-](?:0?[1-9]|[12]\d|3[01])[/.-](?:19|20)\d{2}\b`)
)

// NewRedactor builds a redactor for the configured categories.
func NewRedactor(logger *logrus.Logger, cfg Config) *Redactor {
	if cfg.RedactionChar == "" {
		cfg.RedactionChar = "*"
	}
	r := &Redactor{
		logger:         logger.WithField("component", "pii_redactor"),
		redactionChar:  cfg.RedactionChar,
		preserveFormat: cfg.PreserveFormat,
	}

	enabled := make(map[Type]bool, len(cfg.EnabledTypes))
	for _, t := range cfg.EnabledTypes {
		enabled[t] = true
	}

	all := []detector{
		{typ: TypeCreditCard, re: creditCardRegex, valid: isValidCreditCard, mask: keepLast(4), fallback: "[CARD-REDACTED]"},
		{typ: TypeSSN, re: ssnRegex, valid: isValidSSN, mask: keepLast(4), fallback: "[SSN-REDACTED]"},
		{typ: TypePhone, re: phoneRegex, mask: keepLast(4), fallback: "[PHONE-REDACTED]"},
		{typ: TypeEmail, re: emailRegex, mask: (*Redactor).maskEmail, fallback: "[EMAIL-REDACTED]"},
		{typ: TypeBirthDate, re: birthDateRegex, mask: keepLast(0), fallback: "[DOB-REDACTED]"},
	}
	for _, d := range all {
		if enabled[d.typ] {
			r.detectors = append(r.detectors, d)
		}
	}
	return r
}

// Redact masks every enabled category in text and reports what it masked.
// Spans already masked by an earlier category are not matched again.
func (r *Redactor) Redact(text string) (string, []Match) {
	if text == "" || len(r.detectors) == 0 {
		return text, nil
	}

	var matches []Match
	taken := make([]bool, len(text))
	for _, d := range r.detectors {
		for _, loc := range d.re.FindAllStringIndex(text, -1) {
			start, end := loc[0], loc[1]
			if overlaps(taken, start, end) {
				continue
			}
			original := text[start:end]
			if d.valid != nil && !d.valid(original) {
				continue
			}
			redacted := d.fallback
			if r.preserveFormat {
				redacted = d.mask(r, original)
			}
			for i := start; i < end; i++ {
				taken[i] = true
			}
			matches = append(matches, Match{Type: d.typ, Redacted: redacted, Start: start, End: end})
		}
	}
	if len(matches) == 0 {
		return text, nil
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Start < matches[j].Start })

	var b strings.Builder
	prev := 0
	for _, m := range matches {
		b.WriteString(text[prev:m.Start])
		b.WriteString(m.Redacted)
		prev = m.End
	}
	b.WriteString(text[prev:])

	r.logger.WithField("pii_matches", len(matches)).Debug("Personal data redacted")
	return b.String(), matches
}

// RedactText is Redact without the match details.
func (r *Redactor) RedactText(text string) string {
	out, _ := r.Redact(text)
	return out
}

func overlaps(taken []bool, start, end int) bool {
	for i := start; i < end; i++ {
		if taken[i] {
			return true
		}
	}
	return false
}

// keepLast masks every digit except the final n, leaving separators alone.
func keepLast(n int) func(*Redactor, string) string {
	return func(r *Redactor, s string) string {
		total := 0
		for _, c := range s {
			if unicode.IsDigit(c) {
				total++
			}
		}
		var b strings.Builder
		seen := 0
		for _, c := range s {
			if !unicode.IsDigit(c) {
				b.WriteRune(c)
				continue
			}
			seen++
			if seen > total-n {
				b.WriteRune(c)
			} else {
				b.WriteString(r.redactionChar)
			}
		}
		return b.String()
	}
}

// maskEmail keeps the domain and the first and last character of the local
// part.
func (r *Redactor) maskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok {
		return "[EMAIL-REDACTED]"
	}
	if len(local) <= 2 {
		return strings.Repeat(r.redactionChar, len(local)) + "@" + domain
	}
	return local[:1] + strings.Repeat(r.redactionChar, len(local)-2) + local[len(local)-1:] + "@" + domain
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

func isValidSSN(ssn string) bool {
	digits := digitsOnly(ssn)
	if len(digits) != 9 {
		return false
	}
	switch digits {
	case "123456789", "987654321":
		return false
	}
	if strings.Count(digits, digits[:1]) == 9 {
		return false
	}
	area := digits[:3]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return digits[3:5] != "00" && digits[5:] != "0000"
}

// isValidCreditCard applies the Luhn checksum.
func isValidCreditCard(card string) bool {
	digits := digitsOnly(card)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	if strings.Count(digits, digits[:1]) == len(digits) {
		return false
	}

	sum := 0
	alternate := false
	for i := len(digits) - 1; i >= 0; i-- {
		digit := int(digits[i] - '0')
		if alternate {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		alternate = !alternate
	}
	return sum%10 == 0
}
