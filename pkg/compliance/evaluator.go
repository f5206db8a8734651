// Package compliance decides whether an agent disclosed sensitive account
// information before the borrower's identity was verified, and keeps a
// tamper-evident record of those decisions.
package compliance

import (
	"fmt"
	"math"
	"strings"

	"callaudit/pkg/errors"
	"callaudit/pkg/patterns"
	"callaudit/pkg/transcript"
)

// Mode selects what counts as identity verification.
type Mode string

const (
	// ModeNormal accepts the first agent verification request, or failing
	// that the first borrower verification phrase.
	ModeNormal Mode = "normal"
	// ModeStrict requires a borrower confirmation at or after the agent's
	// first request.
	ModeStrict Mode = "strict"
)

// ParseMode accepts "normal" or "strict" in any case. Empty means normal.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ModeNormal):
		return ModeNormal, nil
	case string(ModeStrict):
		return ModeStrict, nil
	default:
		return "", errors.NewInvalidInput(fmt.Sprintf("unknown compliance mode %q", s))
	}
}

// ModeFor maps the strict flag used by the CLI and HTTP API to a mode.
func ModeFor(strict bool) Mode {
	if strict {
		return ModeStrict
	}
	return ModeNormal
}

const (
	ExampleDisclose = "disclose"
	ExampleVerify   = "verify"

	reasonNoVerification = "Disclosure occurred and no prior verification detected."
	reasonOrderFormat    = "Disclosure at %.2fs before verification at %.2fs."

	// timeTolerance is how close an utterance start must be to a chosen
	// event time to be quoted as an example.
	timeTolerance = 1e-6
)

// Example quotes an utterance that produced a disclosure or verification
// time.
type Example struct {
	Type    string             `json:"type"`
	Speaker transcript.Speaker `json:"speaker"`
	Text    string             `json:"text"`
	Start   float64            `json:"stime"`
}

// Verdict is the outcome of a compliance check on one call.
type Verdict struct {
	Violation          bool      `json:"violation"`
	Mode               Mode      `json:"mode"`
	DiscloseTime       *float64  `json:"disclose_time"`
	VerifyTime         *float64  `json:"verify_time"`
	VerifyAgentTime    *float64  `json:"verify_agent_time,omitempty"`
	VerifyBorrowerTime *float64  `json:"verify_borrower_time,omitempty"`
	Reason             string    `json:"reason,omitempty"`
	Examples           []Example `json:"examples"`
}

// Evaluator checks disclosure ordering with a pair of pattern sets. Both sets
// are read-only, so one Evaluator may serve many goroutines.
type Evaluator struct {
	Verification *patterns.PatternSet
	Disclosure   *patterns.PatternSet
}

// NewEvaluator builds an evaluator from a pattern library.
func NewEvaluator(lib *patterns.Library) *Evaluator {
	return &Evaluator{
		Verification: lib.Verification,
		Disclosure:   lib.Disclosure,
	}
}

func firstTime(ps *patterns.PatternSet, utterances []transcript.Utterance, who transcript.Speaker) *float64 {
	if ps == nil {
		return nil
	}
	if t, ok := ps.FirstTime(utterances, who); ok {
		return &t
	}
	return nil
}

// Evaluate reports a violation when an agent disclosure exists and either no
// verification was found or the disclosure came first.
func (e *Evaluator) Evaluate(utterances []transcript.Utterance, mode Mode) Verdict {
	disclose := firstTime(e.Disclosure, utterances, transcript.SpeakerAgent)
	verifyAgent := firstTime(e.Verification, utterances, transcript.SpeakerAgent)
	verifyBorrower := firstTime(e.Verification, utterances, transcript.SpeakerBorrower)

	var verify *float64
	switch mode {
	case ModeStrict:
		if verifyAgent != nil && verifyBorrower != nil && *verifyBorrower >= *verifyAgent {
			verify = verifyBorrower
		}
	default:
		mode = ModeNormal
		verify = verifyAgent
		if verify == nil {
			verify = verifyBorrower
		}
	}

	verdict := Verdict{
		Mode:               mode,
		DiscloseTime:       disclose,
		VerifyTime:         verify,
		VerifyAgentTime:    verifyAgent,
		VerifyBorrowerTime: verifyBorrower,
	}

	if disclose != nil {
		switch {
		case verify == nil:
			verdict.Violation = true
			verdict.Reason = reasonNoVerification
		case *disclose < *verify:
			verdict.Violation = true
			verdict.Reason = fmt.Sprintf(reasonOrderFormat, *disclose, *verify)
		}
	}

	verdict.Examples = examples(utterances, disclose, verify)
	return verdict
}

// examples quotes every utterance starting at the disclosure or verification
// time, in input order. An utterance at both times yields the disclose
// example first.
func examples(utterances []transcript.Utterance, disclose, verify *float64) []Example {
	out := make([]Example, 0)
	for _, u := range utterances {
		if disclose != nil && math.Abs(u.Start-*disclose) < timeTolerance {
			out = append(out, Example{Type: ExampleDisclose, Speaker: u.Speaker, Text: u.Text, Start: u.Start})
		}
		if verify != nil && math.Abs(u.Start-*verify) < timeTolerance {
			out = append(out, Example{Type: ExampleVerify, Speaker: u.Speaker, Text: u.Text, Start: u.Start})
		}
	}
	return out
}
