package patterns

import (
	"github.com/sirupsen/logrus"
)

// Sources names the rule files of a Library. Empty verification or
// disclosure paths select the built-in rules.
type Sources struct {
	ProfanityFile    string
	VerificationFile string
	DisclosureFile   string
}

// Library bundles the three sets the analyzer needs. It is loaded once at
// startup and shared read-only afterwards.
type Library struct {
	Profanity    *PatternSet
	Verification *PatternSet
	Disclosure   *PatternSet
}

// DefaultLibrary returns the built-in verification and disclosure rules with
// an empty profanity set.
func DefaultLibrary() *Library {
	return &Library{
		Profanity:    Empty(SetProfanity),
		Verification: DefaultVerification(),
		Disclosure:   DefaultDisclosure(),
	}
}

// LoadLibrary loads the configured rule files. A configured verification or
// disclosure file that does not exist leaves the built-in set in place.
func LoadLibrary(src Sources, logger *logrus.Logger) (*Library, error) {
	lib := DefaultLibrary()

	if src.ProfanityFile != "" {
		ps, err := LoadFile(SetProfanity, src.ProfanityFile, logger)
		if err != nil {
			return nil, err
		}
		lib.Profanity = ps
	}

	overrides := []struct {
		name   string
		path   string
		target **PatternSet
	}{
		{SetVerification, src.VerificationFile, &lib.Verification},
		{SetDisclosure, src.DisclosureFile, &lib.Disclosure},
	}
	for _, o := range overrides {
		if o.path == "" {
			continue
		}
		ps, err := LoadFile(o.name, o.path, logger)
		if err != nil {
			return nil, err
		}
		if ps.Len() > 0 {
			*o.target = ps
		}
	}

	logger.WithFields(logrus.Fields{
		"component":          "patterns",
		"profanity_rules":    lib.Profanity.Len(),
		"verification_rules": lib.Verification.Len(),
		"disclosure_rules":   lib.Disclosure.Len(),
	}).Info("Pattern library loaded")
	return lib, nil
}
