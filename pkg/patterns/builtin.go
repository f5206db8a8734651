package patterns

// Built-in rules. They run against normalized text, so punctuation such as
// the dots in "d.o.b." has already become spaces.
var (
	verificationExprs = []string{
		`\b(date of birth|dob|d\.o\.b\.?)\b`,
		`\b(verify|confirm).*(identity|dob|address|ssn|social security)`,
		`\b(please confirm|can you confirm|for security reasons|for verification)\b`,
		`\b(address|mailing address|street|apt|unit)\b`,
		`\b(last four|last 4|(social security|ssn))\b`,
	}

	disclosureExprs = []string{
		`\b(balance|outstanding|amount owed|total due|due amount|current balance)\b`,
		`\b(account (number|no|id)|acct\.?\s*no\.?)\b`,
		`\b(credit card|card number|cvv|expiration date)\b`,
		`\b(transaction id|txn id|payment of|payment has been processed)\b`,
	}
)

const (
	SetProfanity    = "profanity"
	SetVerification = "verification"
	SetDisclosure   = "disclosure"
)

// DefaultVerification returns the built-in identity verification rules.
func DefaultVerification() *PatternSet {
	return New(SetVerification, verificationExprs...)
}

// DefaultDisclosure returns the built-in sensitive disclosure rules.
func DefaultDisclosure() *PatternSet {
	return New(SetDisclosure, disclosureExprs...)
}
