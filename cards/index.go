// Package cards indexes tenant-curated short answers by phrase and keyword.
package cards

import (
	"strings"
	"unicode"

	"github.com/room4-2/frontdesk/tenant"
)

// Scores assigned by the index. A phrase hit is near certain; keyword hits
// build up from a low base so a single common word never clears tier 1.
const (
	PhraseScore     = 0.95
	KeywordBase     = 0.45
	KeywordStep     = 0.15
	KeywordScoreCap = 0.90
)

// Hit is the best card for an utterance.
type Hit struct {
	Card    tenant.ContentCard
	Score   float64
	Matched []string
}

type entry struct {
	card     tenant.ContentCard
	phrases  []string
	keywords []string
}

// Index is immutable after New and safe for concurrent use.
type Index struct {
	entries []entry
}

// New builds an index over cards. Cards without an answer are skipped.
func New(cards []tenant.ContentCard) *Index {
	ix := &Index{}
	for _, c := range cards {
		if strings.TrimSpace(c.Answer) == "" {
			continue
		}
		e := entry{card: c}
		for _, p := range c.Phrases {
			if n := Normalize(p); n != "" {
				e.phrases = append(e.phrases, n)
			}
		}
		for _, k := range c.Keywords {
			if n := Normalize(k); n != "" {
				e.keywords = append(e.keywords, n)
			}
		}
		ix.entries = append(ix.entries, e)
	}
	return ix
}

// Len returns the number of indexed cards.
func (ix *Index) Len() int { return len(ix.entries) }

// Cards returns the indexed cards in declaration order.
func (ix *Index) Cards() []tenant.ContentCard {
	out := make([]tenant.ContentCard, 0, len(ix.entries))
	for _, e := range ix.entries {
		out = append(out, e.card)
	}
	return out
}

// Match returns the highest scoring card. Earlier cards win ties. The error
// is always nil; it exists so Index satisfies matcher interfaces whose other
// implementations can fail.
func (ix *Index) Match(utterance string) (Hit, bool, error) {
	text := " " + Normalize(utterance) + " "
	var best Hit
	found := false
	for _, e := range ix.entries {
		hit := Hit{Card: e.card}
		for _, p := range e.phrases {
			if strings.Contains(text, " "+p+" ") {
				hit.Score = PhraseScore
				hit.Matched = append(hit.Matched, p)
				break
			}
		}
		if hit.Score == 0 {
			for _, k := range e.keywords {
				if strings.Contains(text, " "+k+" ") {
					hit.Matched = append(hit.Matched, k)
				}
			}
			if n := len(hit.Matched); n > 0 {
				hit.Score = min(KeywordBase+KeywordStep*float64(n), KeywordScoreCap)
			}
		}
		if hit.Score > best.Score {
			best = hit
			found = true
		}
	}
	return best, found, nil
}

// Normalize lowercases s, drops punctuation except apostrophes inside words,
// and collapses whitespace.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'':
			b.WriteRune(r)
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
