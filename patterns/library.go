// Package patterns compiles the declarative signal tables the classifier,
// slot extractor and flow engine consult: intent tiers, symptoms, urgency,
// temperature mentions and the yes/no/cancel/correction vocabulary.
package patterns

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/room4-2/frontdesk/tenant"
)

// ErrBadPattern is returned when a table entry does not compile.
var ErrBadPattern = errors.New("invalid pattern")

// IntentTable is one intent's compiled strong and moderate tiers.
type IntentTable struct {
	Intent   string
	Strong   []*regexp.Regexp
	Moderate []*regexp.Regexp
}

// Symptom maps a pattern to the phrase reported in the call reason.
type Symptom struct {
	Pattern *regexp.Regexp
	Phrase  string
}

// Library is an immutable, compiled set of tables. Safe for concurrent use.
type Library struct {
	Intents      []IntentTable
	Symptoms     []Symptom
	Emergency    []*regexp.Regexp
	Urgent       []*regexp.Regexp
	Temperature  []*regexp.Regexp
	WantsBooking []*regexp.Regexp
	DirectIntent []*regexp.Regexp
	Affirm       []*regexp.Regexp
	Deny         []*regexp.Regexp
	Cancel       []*regexp.Regexp
	Correction   []*regexp.Regexp
}

// Default compiles the built-in tables.
func Default() *Library {
	lib, err := Build(tenant.PatternOverrides{})
	if err != nil {
		panic(err)
	}
	return lib
}

// Build compiles the built-in tables merged with tenant overrides. Override
// intents with a known name replace that intent's tiers; unknown names are
// appended after the built-ins. Every other override list extends its table.
func Build(o tenant.PatternOverrides) (*Library, error) {
	c := &compiler{}
	lib := &Library{}

	seen := make(map[string]bool, len(defaultIntents))
	for _, src := range defaultIntents {
		seen[src.intent] = true
		strong, moderate := src.strong, src.moderate
		if ov, ok := o.Intents[src.intent]; ok {
			strong, moderate = ov.Strong, ov.Moderate
		}
		lib.Intents = append(lib.Intents, IntentTable{
			Intent:   src.intent,
			Strong:   c.all(strong),
			Moderate: c.all(moderate),
		})
	}
	for _, name := range sortedKeys(o.Intents) {
		if seen[name] {
			continue
		}
		ov := o.Intents[name]
		lib.Intents = append(lib.Intents, IntentTable{
			Intent:   name,
			Strong:   c.all(ov.Strong),
			Moderate: c.all(ov.Moderate),
		})
	}

	for _, s := range defaultSymptoms {
		lib.Symptoms = append(lib.Symptoms, Symptom{Pattern: c.one(s.pattern), Phrase: s.phrase})
	}
	for _, s := range o.Symptoms {
		if s.Phrase == "" {
			c.fail(fmt.Errorf("%w: symptom %q has no phrase", ErrBadPattern, s.Pattern))
			continue
		}
		lib.Symptoms = append(lib.Symptoms, Symptom{Pattern: c.one(s.Pattern), Phrase: s.Phrase})
	}

	lib.Emergency = c.all(append(append([]string{}, defaultEmergency...), o.Emergency...))
	lib.Urgent = c.all(append(append([]string{}, defaultUrgent...), o.Urgent...))
	lib.Temperature = c.all(defaultTemperature)
	lib.WantsBooking = c.all(append(append([]string{}, defaultWantsBooking...), o.WantsBooking...))
	lib.DirectIntent = c.all(append(append([]string{}, defaultDirectIntent...), o.DirectIntent...))
	lib.Affirm = c.all(defaultAffirm)
	lib.Deny = c.all(defaultDeny)
	lib.Cancel = c.all(defaultCancel)
	lib.Correction = c.all(defaultCorrection)

	if c.err != nil {
		return nil, c.err
	}
	return lib, nil
}

type compiler struct {
	err error
}

func (c *compiler) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

func (c *compiler) one(expr string) *regexp.Regexp {
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		c.fail(fmt.Errorf("%w: %q: %v", ErrBadPattern, expr, err))
		return nil
	}
	return re
}

func (c *compiler) all(exprs []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		if re := c.one(e); re != nil {
			out = append(out, re)
		}
	}
	return out
}

// Any reports whether any pattern matches s.
func Any(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Count returns how many patterns match s.
func Count(res []*regexp.Regexp, s string) int {
	n := 0
	for _, re := range res {
		if re.MatchString(s) {
			n++
		}
	}
	return n
}

// Temperatures returns every plausible temperature mentioned in s, in order.
func (l *Library) Temperatures(s string) []int {
	var out []int
	for _, re := range l.Temperature {
		for _, m := range re.FindAllStringSubmatch(s, -1) {
			if len(m) < 2 {
				continue
			}
			v, err := strconv.Atoi(m[1])
			if err != nil || v < 20 || v > 130 {
				continue
			}
			out = append(out, v)
		}
	}
	return out
}

// YesNo classifies a reply to a yes/no question. Denials win over
// affirmations so "no, that's not right" is never read as consent.
func (l *Library) YesNo(s string) (answered, yes bool) {
	if Any(l.Deny, s) {
		return true, false
	}
	if Any(l.Affirm, s) {
		return true, true
	}
	return false, false
}
