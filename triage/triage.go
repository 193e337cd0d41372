// Package triage scores a caller utterance into an intent guess, a call
// reason built from recognized symptoms, and an urgency level. Evaluation is
// deterministic and makes no network calls.
package triage

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/room4-2/frontdesk/cards"
	"github.com/room4-2/frontdesk/patterns"
	"github.com/room4-2/frontdesk/tenant"
)

// Urgency levels, highest first.
type Urgency string

const (
	UrgencyEmergency Urgency = "emergency"
	UrgencyUrgent    Urgency = "urgent"
	UrgencyNormal    Urgency = "normal"
)

// Signals are the raw measurements behind a result.
type Signals struct {
	Urgency      Urgency `json:"urgency"`
	SymptomCount int     `json:"symptom_count"`
	WordCount    int     `json:"word_count"`
	Temperature  *int    `json:"temperature"`
}

// IntentScore is one intent's pattern score.
type IntentScore struct {
	Intent string  `json:"intent"`
	Score  float64 `json:"score"`
}

// Result is produced once per turn.
type Result struct {
	IntentGuess      string        `json:"intent_guess"`
	Confidence       float64       `json:"confidence"`
	CallReasonDetail *string       `json:"call_reason_detail"`
	MatchedContentID *string       `json:"matched_content_id"`
	Signals          Signals       `json:"signals"`
	Symptoms         []string      `json:"symptoms,omitempty"`
	Scores           []IntentScore `json:"scores,omitempty"`
	FallbackApplied  bool          `json:"fallback_applied"`
	CardError        string        `json:"card_error,omitempty"`
}

// CardMatcher is the optional content-card lookup. Errors and panics are
// contained; they never affect the classification.
type CardMatcher interface {
	Match(utterance string) (cards.Hit, bool, error)
}

// Evaluate classifies utterance.
func Evaluate(utterance string, cfg tenant.TriageConfig, lib *patterns.Library, cm CardMatcher) Result {
	if lib == nil {
		lib = patterns.Default()
	}
	res := Result{IntentGuess: patterns.IntentOther}
	res.Signals.WordCount = countWords(utterance)

	best := 0.0
	for _, table := range lib.Intents {
		score := cfg.StrongWeight*float64(patterns.Count(table.Strong, utterance)) +
			cfg.ModerateWeight*float64(patterns.Count(table.Moderate, utterance))
		if score <= 0 {
			continue
		}
		score = round2(score)
		res.Scores = append(res.Scores, IntentScore{Intent: table.Intent, Score: score})
		if score > best {
			best = score
			res.IntentGuess = table.Intent
		}
	}

	res.Symptoms = symptoms(utterance, cfg, lib, &res.Signals)
	res.Signals.SymptomCount = len(res.Symptoms)
	if len(res.Symptoms) > 0 {
		detail := strings.Join(res.Symptoms, "; ")
		res.CallReasonDetail = &detail
	}

	cardHit := false
	if cm != nil {
		hit, ok, err := safeMatch(cm, utterance)
		switch {
		case err != nil:
			res.CardError = err.Error()
		case ok:
			id := hit.Card.ID
			res.MatchedContentID = &id
			cardHit = true
		}
	}

	switch {
	case res.Signals.WordCount > cfg.LongUtteranceWords && res.Signals.SymptomCount > 0 && best < cfg.MinConfidence:
		res.IntentGuess = patterns.IntentServiceRequest
		res.Confidence = cfg.FallbackConfidence
		res.FallbackApplied = true
	case best > 0:
		conf := best + cfg.SymptomBoost*float64(res.Signals.SymptomCount)
		if cardHit {
			conf += cfg.CardBoost
		}
		res.Confidence = round2(math.Min(conf, 1))
	}

	res.Signals.Urgency = urgency(utterance, cfg, lib, res.Signals.Temperature)
	return res
}

func symptoms(utterance string, cfg tenant.TriageConfig, lib *patterns.Library, sig *Signals) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range lib.Symptoms {
		if !seen[s.Phrase] && s.Pattern.MatchString(utterance) {
			seen[s.Phrase] = true
			out = append(out, s.Phrase)
		}
	}
	if temps := lib.Temperatures(utterance); len(temps) > 0 {
		t := temps[0]
		sig.Temperature = &t
		switch {
		case t >= cfg.HotThreshold:
			out = append(out, fmt.Sprintf("indoor temperature %d degrees (too hot)", t))
		case t <= cfg.ColdThreshold:
			out = append(out, fmt.Sprintf("indoor temperature %d degrees (too cold)", t))
		}
	}
	return out
}

func urgency(utterance string, cfg tenant.TriageConfig, lib *patterns.Library, temp *int) Urgency {
	switch {
	case patterns.Any(lib.Emergency, utterance):
		return UrgencyEmergency
	case patterns.Any(lib.Urgent, utterance):
		return UrgencyUrgent
	case temp != nil && *temp >= cfg.HotThreshold:
		return UrgencyUrgent
	}
	return UrgencyNormal
}

func safeMatch(cm CardMatcher, utterance string) (hit cards.Hit, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			hit, ok, err = cards.Hit{}, false, fmt.Errorf("card matcher panic: %v", r)
		}
	}()
	return cm.Match(utterance)
}

func countWords(s string) int {
	n := 0
	for _, f := range strings.Fields(s) {
		if strings.IndexFunc(f, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) >= 0 {
			n++
		}
	}
	return n
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
