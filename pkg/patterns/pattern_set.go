// Package patterns compiles line-oriented rule files into immutable sets of
// case-insensitive expressions and evaluates them against normalized
// utterance text.
package patterns

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"callaudit/pkg/errors"
	"callaudit/pkg/textnorm"
	"callaudit/pkg/transcript"
)

// Rule is one compiled expression. ID is the source line it came from.
type Rule struct {
	ID      string
	Literal bool
	expr    *regexp.Regexp
}

// Match reports whether the rule matches already-normalized text.
func (r Rule) Match(normalized string) bool {
	return r.expr.MatchString(normalized)
}

// PatternSet is a named, ordered set of rules. It is never modified after
// construction and may be shared between goroutines.
type PatternSet struct {
	name  string
	rules []Rule
}

// MatchEvent records the rules one utterance matched.
type MatchEvent struct {
	Speaker transcript.Speaker `json:"speaker"`
	Start   float64            `json:"stime"`
	End     float64            `json:"etime"`
	Text    string             `json:"text"`
	RuleIDs []string           `json:"matches"`
}

// compileRule compiles expr case-insensitively. Expressions the regexp
// engine rejects are matched as escaped literals instead.
func compileRule(expr string) Rule {
	if re, err := regexp.Compile("(?i)" + expr); err == nil {
		return Rule{ID: expr, expr: re}
	}
	return Rule{
		ID:      expr,
		Literal: true,
		expr:    regexp.MustCompile("(?i)" + regexp.QuoteMeta(expr)),
	}
}

// New builds a set from expressions in order. Empty expressions are skipped.
func New(name string, exprs ...string) *PatternSet {
	ps := &PatternSet{name: name, rules: make([]Rule, 0, len(exprs))}
	for _, expr := range exprs {
		expr = strings.TrimSpace(expr)
		if expr == "" {
			continue
		}
		ps.rules = append(ps.rules, compileRule(expr))
	}
	return ps
}

// Empty returns a set that matches nothing.
func Empty(name string) *PatternSet {
	return &PatternSet{name: name}
}

// Parse reads one rule per line. Blank lines and lines starting with '#' are
// skipped and surrounding whitespace is trimmed.
func Parse(name string, r io.Reader) (*PatternSet, error) {
	var exprs []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		exprs = append(exprs, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrRuleSource, "failed to read rules", map[string]interface{}{
			"set":   name,
			"error": err.Error(),
		})
	}
	return New(name, exprs...), nil
}

// LoadFile parses the rule file at path. A missing file yields an empty set
// and a warning rather than an error.
func LoadFile(name, path string, logger *logrus.Logger) (*PatternSet, error) {
	entry := logger.WithFields(logrus.Fields{
		"component": "patterns",
		"set":       name,
		"path":      path,
	})

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		entry.Warn("Rule file not found, using empty pattern set")
		return Empty(name), nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrRuleSource, "failed to open rule file", map[string]interface{}{
			"set":   name,
			"path":  path,
			"error": err.Error(),
		})
	}
	defer f.Close()

	ps, err := Parse(name, f)
	if err != nil {
		return nil, err
	}
	entry.WithField("rules", ps.Len()).Debug("Loaded pattern set")
	return ps, nil
}

// Name returns the set's name.
func (ps *PatternSet) Name() string {
	return ps.name
}

// Len returns the number of rules.
func (ps *PatternSet) Len() int {
	return len(ps.rules)
}

// Rules returns a copy of the rules in source order.
func (ps *PatternSet) Rules() []Rule {
	out := make([]Rule, len(ps.rules))
	copy(out, ps.rules)
	return out
}

// MatchText returns the IDs of every rule matching text after normalization.
func (ps *PatternSet) MatchText(text string) []string {
	normalized := textnorm.Normalize(text)
	var ids []string
	for _, rule := range ps.rules {
		if rule.Match(normalized) {
			ids = append(ids, rule.ID)
		}
	}
	return ids
}

func (ps *PatternSet) matchesAny(text string) bool {
	normalized := textnorm.Normalize(text)
	for _, rule := range ps.rules {
		if rule.Match(normalized) {
			return true
		}
	}
	return false
}

// Evaluate emits one event per utterance that passes filter and matches at
// least one rule, in input order.
func (ps *PatternSet) Evaluate(utterances []transcript.Utterance, filter transcript.Speaker) []MatchEvent {
	events := make([]MatchEvent, 0)
	if ps.Len() == 0 {
		return events
	}
	for _, u := range utterances {
		if !u.Speaker.Matches(filter) {
			continue
		}
		ids := ps.MatchText(u.Text)
		if len(ids) == 0 {
			continue
		}
		events = append(events, MatchEvent{
			Speaker: u.Speaker,
			Start:   u.Start,
			End:     u.End,
			Text:    u.Text,
			RuleIDs: ids,
		})
	}
	return events
}

// FirstTime returns the earliest start among utterances that pass filter
// and match any rule.
func (ps *PatternSet) FirstTime(utterances []transcript.Utterance, filter transcript.Speaker) (float64, bool) {
	var first float64
	found := false
	for _, u := range utterances {
		if !u.Speaker.Matches(filter) {
			continue
		}
		if found && u.Start >= first {
			continue
		}
		if ps.matchesAny(u.Text) {
			first = u.Start
			found = true
		}
	}
	return first, found
}
