package cascade

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/room4-2/frontdesk/tenant"
)

func tier1(_ context.Context, req Request) (Candidate, bool, error) {
	if req.Cards == nil || req.Cards.Len() == 0 {
		return Candidate{}, false, nil
	}
	hit, ok, err := req.Cards.Match(req.Utterance)
	if err != nil || !ok {
		return Candidate{}, false, err
	}
	return Candidate{
		ContentID:    hit.Card.ID,
		ContentType:  hit.Card.Type,
		Confidence:   hit.Score,
		ResponseText: hit.Card.Answer,
	}, true, nil
}

// cardText is what tier 2 embeds for a card.
func cardText(c tenant.ContentCard) string {
	parts := make([]string, 0, len(c.Phrases)+2)
	parts = append(parts, c.Phrases...)
	if len(c.Keywords) > 0 {
		parts = append(parts, strings.Join(c.Keywords, " "))
	}
	parts = append(parts, c.Answer)
	return strings.Join(parts, ". ")
}

func (c *Cascade) tier2(ctx context.Context, req Request) (Candidate, bool, error) {
	if req.Cards == nil || req.Cards.Len() == 0 {
		return Candidate{}, false, nil
	}
	cs := req.Cards.Cards()

	texts := []string{req.Utterance}
	keys := make([]string, len(cs))
	missing := make([]int, 0, len(cs))
	for i, card := range cs {
		text := cardText(card)
		keys[i] = card.ID + "\x00" + text
		if _, ok := c.vectors.Get(keys[i]); !ok {
			missing = append(missing, i)
			texts = append(texts, text)
		}
	}

	vecs, err := c.embedder.Embed(ctx, texts)
	if err != nil {
		return Candidate{}, false, err
	}
	if len(vecs) != len(texts) {
		return Candidate{}, false, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
	}
	for j, i := range missing {
		c.vectors.Add(keys[i], vecs[j+1])
	}

	query := vecs[0]
	best, bestScore := -1, 0.0
	for i := range cs {
		v, ok := c.vectors.Get(keys[i])
		if !ok {
			continue
		}
		if s := cosine(query, v); s > bestScore {
			best, bestScore = i, s
		}
	}
	if best < 0 {
		return Candidate{}, false, nil
	}
	card := cs[best]
	return Candidate{
		ContentID:    card.ID,
		ContentType:  card.Type,
		Confidence:   bestScore,
		ResponseText: card.Answer,
	}, true, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

const tier3System = `You answer short questions for a home-services company phone line.
Only answer when the caller asks a general question that can be answered in one or two sentences.
Prefer one of the listed answers; set content_id to its id and copy nothing else.
If none fits and you are sure of a short factual answer, leave content_id empty and write it in answer.
If the caller is describing a problem, asking for a visit, or you are unsure, set confidence to 0.
Reply with JSON only: {"content_id": string, "answer": string, "confidence": number}.`

type generated struct {
	ContentID  string  `json:"content_id"`
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
}

func (c *Cascade) tier3(ctx context.Context, req Request) (Candidate, bool, error) {
	var b strings.Builder
	b.WriteString("Known answers:\n")
	byID := make(map[string]tenant.ContentCard)
	if req.Cards != nil {
		for _, card := range req.Cards.Cards() {
			byID[card.ID] = card
			fmt.Fprintf(&b, "- id=%s type=%s: %s\n", card.ID, card.Type, card.Answer)
		}
	}
	if req.Intent != "" {
		fmt.Fprintf(&b, "Caller intent guess: %s\n", req.Intent)
	}
	fmt.Fprintf(&b, "Caller said: %q\n", req.Utterance)

	raw, err := c.generator.Generate(ctx, tier3System, b.String())
	if err != nil {
		return Candidate{}, false, err
	}
	var g generated
	if err := sonic.UnmarshalString(stripFence(raw), &g); err != nil {
		return Candidate{}, false, fmt.Errorf("decode generated answer: %w", err)
	}
	if g.Confidence <= 0 {
		return Candidate{}, false, nil
	}

	conf := math.Min(g.Confidence, 1)
	if card, ok := byID[g.ContentID]; ok {
		return Candidate{
			ContentID:    card.ID,
			ContentType:  card.Type,
			Confidence:   conf,
			ResponseText: card.Answer,
		}, true, nil
	}
	// Ungrounded answers never score above the tenant's tier 3 ceiling.
	return Candidate{
		ContentType:  ContentTypeGenerated,
		Confidence:   math.Min(conf, req.Config.Tier3Confidence),
		ResponseText: strings.TrimSpace(g.Answer),
	}, true, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
