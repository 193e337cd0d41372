package slots

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/room4-2/frontdesk/tenant"
)

// candidate is one value a strategy found.
type candidate struct {
	value      string
	confidence float64
}

// strategy extracts a value for one slot definition. awaited is true when the
// flow just asked for this slot, which enables bare-answer parsing.
type strategy func(u *utterance, def tenant.SlotDefinition, awaited bool) (candidate, bool)

// strategies is resolved once per slot by type.
var strategies = map[tenant.SlotType]strategy{
	tenant.SlotName:     extractName,
	tenant.SlotPhone:    extractPhone,
	tenant.SlotAddress:  extractAddress,
	tenant.SlotFreeText: extractFreeText,
	tenant.SlotEnum:     extractEnum,
	tenant.SlotTime:     extractTime,
}

type utterance struct {
	raw   string
	lower string
	words []string

	// nameAwaited enables bare-answer name parsing for every name slot so
	// "John Smith" fills first and last name from one reply.
	nameAwaited bool
	names       *nameParts
}

func newUtterance(raw string) *utterance {
	raw = strings.TrimSpace(raw)
	return &utterance{
		raw:   raw,
		lower: strings.ToLower(raw),
		words: strings.Fields(raw),
	}
}

// ---- names ----

var (
	nameIntro = regexp.MustCompile(`(?i)\b(?:my name is|my name's|name is|this is|i am|i'm|you're speaking with|call me)\s+`)
	bareIntro = regexp.MustCompile(`(?i)^\W*(?:(?:yes|yeah|sure|okay|ok|um+|uh+|so)\W+)*(?:(?:my name is|my name's|name is|this is|it's|it is|i am|i'm)\s+)?`)
	nameTitle = regexp.MustCompile(`(?i)^(?:mr|mrs|ms|miss|dr)\.?$`)
	nameToken = regexp.MustCompile(`^[A-Za-z][A-Za-z'\-]*$`)
)

var nameStopwords = map[string]bool{
	"a": true, "about": true, "an": true, "and": true, "at": true, "calling": true, "having": true,
	"here": true, "in": true, "is": true, "just": true, "looking": true, "my": true, "not": true,
	"on": true, "our": true, "really": true, "regarding": true, "so": true, "the": true, "trying": true,
	"urgent": true, "very": true, "with": true, "your": true, "yes": true, "no": true, "yeah": true,
	"okay": true, "ok": true, "sure": true, "um": true, "uh": true, "hi": true, "hello": true,
	"from": true, "out": true, "going": true, "gonna": true, "wondering": true, "interested": true,
	"it": true, "it's": true, "this": true, "that": true, "there": true,
}

type nameParts struct {
	titled bool
	tokens []string
	bare   bool
}

// parseName finds a spoken name. Opportunistic matches need an introduction
// phrase and a capitalized or titled name; bare answers take the leading
// words of the reply.
func (u *utterance) parseName() (*nameParts, bool) {
	if u.names != nil {
		return u.names, len(u.names.tokens) > 0
	}
	parts := &nameParts{}
	u.names = parts

	if loc := nameIntro.FindStringIndex(u.raw); loc != nil {
		collectName(parts, strings.Fields(u.raw[loc[1]:]), true)
	}
	if len(parts.tokens) == 0 && u.nameAwaited {
		rest := bareIntro.ReplaceAllString(u.raw, "")
		collectName(parts, strings.Fields(rest), false)
		parts.bare = len(parts.tokens) > 0
	}
	return parts, len(parts.tokens) > 0
}

func collectName(parts *nameParts, fields []string, needCapital bool) {
	for i, f := range fields {
		word := strings.TrimRight(f, ",.;:!?")
		trailingPunct := word != f
		if i == 0 && nameTitle.MatchString(word) {
			parts.titled = true
			continue
		}
		if !nameToken.MatchString(word) || nameStopwords[strings.ToLower(word)] {
			break
		}
		if needCapital && !parts.titled && !unicode.IsUpper(rune(word[0])) {
			break
		}
		parts.tokens = append(parts.tokens, titleCase(word))
		if trailingPunct || len(parts.tokens) == 3 {
			break
		}
	}
}

func extractName(u *utterance, def tenant.SlotDefinition, awaited bool) (candidate, bool) {
	parts, ok := u.parseName()
	if !ok {
		return candidate{}, false
	}
	conf := 0.85
	if parts.bare {
		conf = 0.7
	}
	n := len(parts.tokens)
	switch def.NamePart {
	case tenant.NameFirst:
		if parts.titled {
			return candidate{}, false
		}
		if n == 1 && parts.bare && !awaited {
			return candidate{}, false
		}
		return candidate{value: parts.tokens[0], confidence: conf}, true
	case tenant.NameLast:
		switch {
		case n >= 2:
			return candidate{value: parts.tokens[n-1], confidence: conf}, true
		case parts.titled:
			return candidate{value: parts.tokens[0], confidence: 0.9}, true
		case awaited:
			// A single word in answer to "first and last name" is usually
			// the surname; confirmation catches the rest.
			return candidate{value: parts.tokens[0], confidence: 0.55}, true
		}
		return candidate{}, false
	default:
		return candidate{value: strings.Join(parts.tokens, " "), confidence: conf}, true
	}
}

func titleCase(w string) string {
	if w == "" {
		return w
	}
	r := []rune(strings.ToLower(w))
	r[0] = unicode.ToUpper(r[0])
	for i := 1; i < len(r); i++ {
		if r[i-1] == '-' || r[i-1] == '\'' {
			r[i] = unicode.ToUpper(r[i])
		}
	}
	return string(r)
}

// ---- phone ----

var phonePattern = regexp.MustCompile(`(?:\+?1[\s.\-]?)?\(?\b\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`)

var spokenDigits = map[string]byte{
	"zero": '0', "oh": '0', "o": '0', "one": '1', "two": '2', "three": '3', "four": '4',
	"five": '5', "six": '6', "seven": '7', "eight": '8', "nine": '9',
}

func extractPhone(u *utterance, _ tenant.SlotDefinition, awaited bool) (candidate, bool) {
	if m := phonePattern.FindString(u.raw); m != "" {
		if p, ok := NormalizePhone(m); ok {
			return candidate{value: p, confidence: 0.95}, true
		}
	}
	if !awaited {
		return candidate{}, false
	}
	var digits []byte
	for _, w := range strings.FieldsFunc(u.lower, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == '-' || r == '.'
	}) {
		if d, ok := spokenDigits[w]; ok {
			digits = append(digits, d)
			continue
		}
		if strings.IndexFunc(w, func(r rune) bool { return !unicode.IsDigit(r) }) == -1 {
			digits = append(digits, w...)
		}
	}
	if p, ok := NormalizePhone(string(digits)); ok {
		return candidate{value: p, confidence: 0.8}, true
	}
	return candidate{}, false
}

// NormalizePhone formats a North American number as 239-555-0100.
func NormalizePhone(s string) (string, bool) {
	var d []byte
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			d = append(d, s[i])
		}
	}
	if len(d) == 11 && d[0] == '1' {
		d = d[1:]
	}
	if len(d) != 10 {
		return "", false
	}
	return string(d[:3]) + "-" + string(d[3:6]) + "-" + string(d[6:]), true
}

// ---- address ----

var (
	streetPattern = regexp.MustCompile(`(?i)\b(\d{1,6}\s+(?:[A-Za-z0-9'\.]+\s+){0,4}?(?:street|st|avenue|ave|road|rd|boulevard|blvd|drive|dr|lane|ln|court|ct|way|place|pl|circle|cir|parkway|pkwy|terrace|ter|highway|hwy|trail|trl)\b\.?)`)
	unitPattern   = regexp.MustCompile(`(?i)^,?\s*((?:apt|apartment|unit|suite|ste|#)\.?\s*[\w\-]+)`)
	statePattern  = regexp.MustCompile(`^,?\s*([A-Z]{2})\b(?:\s+(\d{5}))?`)
	bareStreet    = regexp.MustCompile(`^\W*(\d{1,6}\s+[A-Za-z][A-Za-z' ]{2,40}?)\W*$`)
)

var cityStopwords = map[string]bool{
	"and": true, "the": true, "my": true, "our": true, "it": true, "is": true, "its": true,
	"it's": true, "but": true, "so": true, "i": true, "we": true, "near": true, "by": true,
}

func extractAddress(u *utterance, _ tenant.SlotDefinition, awaited bool) (candidate, bool) {
	loc := streetPattern.FindStringSubmatchIndex(u.raw)
	if loc == nil {
		if awaited {
			if m := bareStreet.FindStringSubmatch(u.raw); m != nil {
				return candidate{value: collapseSpaces(m[1]), confidence: 0.6}, true
			}
		}
		return candidate{}, false
	}
	street := collapseSpaces(strings.TrimSuffix(u.raw[loc[2]:loc[3]], "."))
	rest := u.raw[loc[1]:]

	parts := []string{street}
	if m := unitPattern.FindStringSubmatchIndex(rest); m != nil {
		parts[0] += " " + rest[m[2]:m[3]]
		rest = rest[m[1]:]
	}
	conf := 0.8
	if city, n := leadingCity(rest); city != "" {
		parts = append(parts, city)
		rest = rest[n:]
		conf = 0.9
		if m := statePattern.FindStringSubmatch(rest); m != nil {
			tail := m[1]
			if m[2] != "" {
				tail += " " + m[2]
			}
			parts = append(parts, tail)
		}
	}
	return candidate{value: strings.Join(parts, ", "), confidence: conf}, true
}

// leadingCity reads up to three capitalized words after an optional comma.
// It returns the city and how many bytes of s it consumed.
func leadingCity(s string) (string, int) {
	i := 0
	for i < len(s) && (s[i] == ',' || s[i] == ' ') {
		i++
	}
	if i == 0 || !strings.Contains(s[:i], ",") {
		return "", 0
	}
	var words []string
	end := i
	pos := i
	for len(words) < 3 {
		j := pos
		for j < len(s) && s[j] == ' ' {
			j++
		}
		k := j
		for k < len(s) && (isASCIILetter(s[k]) || s[k] == '.' || s[k] == '\'') {
			k++
		}
		if k == j {
			break
		}
		w := s[j:k]
		if w[0] < 'A' || w[0] > 'Z' || cityStopwords[strings.ToLower(w)] || isShoutedAcronym(w) {
			break
		}
		words = append(words, strings.TrimSuffix(w, "."))
		end = k
		pos = k
		if k < len(s) && s[k] != ' ' {
			break
		}
	}
	if len(words) == 0 {
		return "", 0
	}
	return strings.Join(words, " "), end
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// isShoutedAcronym catches "AC" or "HVAC" following a city, and state codes,
// which statePattern handles separately.
func isShoutedAcronym(w string) bool {
	return len(w) >= 2 && len(w) <= 4 && w == strings.ToUpper(w)
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ---- free text ----

func extractFreeText(u *utterance, _ tenant.SlotDefinition, awaited bool) (candidate, bool) {
	if !awaited || len(u.words) < 2 {
		return candidate{}, false
	}
	return candidate{value: strings.TrimRight(u.raw, ".!? "), confidence: 0.7}, true
}

// ---- enum ----

func extractEnum(u *utterance, def tenant.SlotDefinition, _ bool) (candidate, bool) {
	text := " " + wordsOnly(u.lower) + " "
	for _, opt := range def.Options {
		if o := wordsOnly(strings.ToLower(opt)); o != "" && strings.Contains(text, " "+o+" ") {
			return candidate{value: opt, confidence: 0.85}, true
		}
	}
	return candidate{}, false
}

func wordsOnly(s string) string {
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	}), " ")
}

// ---- time ----

var (
	dayPattern     = regexp.MustCompile(`(?i)\b(today|tonight|tomorrow|this (?:morning|afternoon|evening)|(?:next |this )?(?:monday|tuesday|wednesday|thursday|friday|saturday|sunday))\b`)
	partPattern    = regexp.MustCompile(`(?i)\b(morning|afternoon|evening)\b`)
	clockPattern   = regexp.MustCompile(`(?i)\b(?:at |around |by )?(\d{1,2}(?::\d{2})?\s*(?:am|pm|a\.m\.|p\.m\.)|noon)`)
	soonPattern    = regexp.MustCompile(`(?i)\b(?:as soon as possible|asap|first available|earliest|right away)\b`)
	anytimePattern = regexp.MustCompile(`(?i)\b(?:whenever|any ?time|doesn'?t matter)\b`)
)

// Same-day words mostly describe when a problem started, so they only count
// when the flow asked for a time.
var sameDay = map[string]bool{
	"today": true, "tonight": true, "this morning": true, "this afternoon": true, "this evening": true,
}

func extractTime(u *utterance, _ tenant.SlotDefinition, awaited bool) (candidate, bool) {
	var parts []string
	if day := strings.ToLower(dayPattern.FindString(u.raw)); day != "" && (awaited || !sameDay[day]) {
		parts = append(parts, day)
		if !sameDay[day] {
			if p := partPattern.FindString(u.raw); p != "" {
				parts = append(parts, strings.ToLower(p))
			}
		}
	}
	if m := clockPattern.FindStringSubmatch(u.raw); m != nil {
		parts = append(parts, "at "+strings.ToLower(strings.ReplaceAll(m[1], ".", "")))
	}
	if len(parts) > 0 {
		return candidate{value: strings.Join(parts, " "), confidence: 0.8}, true
	}
	if soonPattern.MatchString(u.raw) {
		return candidate{value: "as soon as possible", confidence: 0.75}, true
	}
	if awaited && anytimePattern.MatchString(u.raw) {
		return candidate{value: "any time", confidence: 0.7}, true
	}
	return candidate{}, false
}
