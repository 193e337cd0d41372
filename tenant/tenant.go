// Package tenant holds the read-only company configuration that drives a call:
// slot registry, discovery steps, pattern overrides, cascade gating and content
// cards. A CompanyConfig is treated as immutable once Normalize has run; the
// session layer fetches a fresh snapshot at every turn boundary.
package tenant

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SlotType is the closed set of slot kinds. Each kind has exactly one
// extraction strategy.
type SlotType string

const (
	SlotName     SlotType = "name"
	SlotPhone    SlotType = "phone"
	SlotAddress  SlotType = "address"
	SlotFreeText SlotType = "free_text"
	SlotEnum     SlotType = "enum"
	SlotTime     SlotType = "time"
)

// Valid reports whether t is one of the known slot types.
func (t SlotType) Valid() bool {
	switch t {
	case SlotName, SlotPhone, SlotAddress, SlotFreeText, SlotEnum, SlotTime:
		return true
	}
	return false
}

// Core slot ids. Configuration may change their prompts but cannot remove them.
const (
	SlotIDName     = "name"
	SlotIDLastName = "last_name"
	SlotIDPhone    = "phone"
	SlotIDAddress  = "address"
	SlotIDTime     = "time"
)

// CoreSlotIDs lists the non-deletable slots in registry order.
var CoreSlotIDs = []string{SlotIDName, SlotIDLastName, SlotIDPhone, SlotIDAddress, SlotIDTime}

// NamePart selects which part of a spoken name a name slot keeps.
type NamePart string

const (
	NameFull  NamePart = "full"
	NameFirst NamePart = "first"
	NameLast  NamePart = "last"
)

// SlotDefinition describes one piece of information the receptionist collects.
type SlotDefinition struct {
	ID                string   `yaml:"id"`
	Type              SlotType `yaml:"type"`
	Label             string   `yaml:"label"`
	Required          bool     `yaml:"required"`
	DiscoveryFillable bool     `yaml:"discovery_fillable"`
	BookingConfirm    bool     `yaml:"booking_confirm"`
	NamePart          NamePart `yaml:"name_part,omitempty"`
	Options           []string `yaml:"options,omitempty"`
	Ask               string   `yaml:"ask"`
	ConfirmPrompt     string   `yaml:"confirm_prompt"`
}

// ConfirmMode controls when the step engine reads a captured value back.
type ConfirmMode string

const (
	ConfirmAlways         ConfirmMode = "always"
	ConfirmNever          ConfirmMode = "never"
	ConfirmSmart          ConfirmMode = "smart_if_captured"
	ConfirmCallerSupplied ConfirmMode = "confirm_if_caller_supplied"
)

// Step is one entry of the ordered discovery flow.
type Step struct {
	ID            string      `yaml:"id"`
	SlotID        string      `yaml:"slot"`
	Ask           string      `yaml:"ask"`
	Reprompt      string      `yaml:"reprompt"`
	Rephrase      string      `yaml:"rephrase"`
	ConfirmPrompt string      `yaml:"confirm_prompt"`
	Confirm       ConfirmMode `yaml:"confirm"`
	Optional      bool        `yaml:"optional"`
}

// LoopAction is what the engine does once a slot has been re-asked too often.
type LoopAction string

const (
	LoopRephrase LoopAction = "rephrase"
	LoopSkip     LoopAction = "skip"
	LoopEscalate LoopAction = "escalate"
)

// LoopPolicy bounds re-asking.
type LoopPolicy struct {
	MaxReprompts      int        `yaml:"max_reprompts"`
	Action            LoopAction `yaml:"action"`
	EscalationMessage string     `yaml:"escalation_message"`
}

// TriageConfig carries the empirically tuned classifier constants.
type TriageConfig struct {
	StrongWeight       float64 `yaml:"strong_weight"`
	ModerateWeight     float64 `yaml:"moderate_weight"`
	MinConfidence      float64 `yaml:"min_confidence"`
	SymptomBoost       float64 `yaml:"symptom_boost"`
	CardBoost          float64 `yaml:"card_boost"`
	LongUtteranceWords int     `yaml:"long_utterance_words"`
	FallbackConfidence float64 `yaml:"fallback_confidence"`
	HotThreshold       int     `yaml:"hot_threshold"`
	ColdThreshold      int     `yaml:"cold_threshold"`
}

// CascadeConfig holds the thresholds and gates for automatic replies.
type CascadeConfig struct {
	DisableAutoReplies  bool          `yaml:"disable_auto_replies"`
	AllowedContentTypes []string      `yaml:"allowed_content_types"`
	Tier1Min            float64       `yaml:"tier1_min"`
	Tier2Min            float64       `yaml:"tier2_min"`
	Tier3Min            float64       `yaml:"tier3_min"`
	Tier2Enabled        bool          `yaml:"tier2_enabled"`
	Tier3Enabled        bool          `yaml:"tier3_enabled"`
	Tier3Confidence     float64       `yaml:"tier3_confidence"`
	Ceiling             time.Duration `yaml:"ceiling"`
}

// Allows reports whether contentType may be spoken without being asked for.
func (c CascadeConfig) Allows(contentType string) bool {
	for _, t := range c.AllowedContentTypes {
		if strings.EqualFold(t, contentType) {
			return true
		}
	}
	return false
}

// BookingConfig holds the prompts of the consent and booking lanes.
type BookingConfig struct {
	ConsentPrompt     string `yaml:"consent_prompt"`
	ConsentReprompt   string `yaml:"consent_reprompt"`
	DeclinedMessage   string `yaml:"declined_message"`
	CancelledMessage  string `yaml:"cancelled_message"`
	CompletionMessage string `yaml:"completion_message"`
	CompletedFollowUp string `yaml:"completed_follow_up"`
}

// IntentPatterns are the strong and moderate regular expressions of one intent.
type IntentPatterns struct {
	Strong   []string `yaml:"strong"`
	Moderate []string `yaml:"moderate"`
}

// SymptomPattern maps a regular expression to a canonical symptom phrase.
type SymptomPattern struct {
	Pattern string `yaml:"pattern"`
	Phrase  string `yaml:"phrase"`
}

// PatternOverrides extend the built-in signal library. Intent entries with a
// known name replace that intent's tables; new names are appended.
type PatternOverrides struct {
	Intents      map[string]IntentPatterns `yaml:"intents"`
	Symptoms     []SymptomPattern          `yaml:"symptoms"`
	Emergency    []string                  `yaml:"emergency"`
	Urgent       []string                  `yaml:"urgent"`
	WantsBooking []string                  `yaml:"wants_booking"`
	DirectIntent []string                  `yaml:"direct_intent"`
}

// ContentCard is a tenant-curated short answer.
type ContentCard struct {
	ID       string   `yaml:"id"`
	Type     string   `yaml:"type"`
	Keywords []string `yaml:"keywords"`
	Phrases  []string `yaml:"phrases"`
	Answer   string   `yaml:"answer"`
}

// CompanyConfig is one tenant's configuration snapshot.
type CompanyConfig struct {
	TenantID         string           `yaml:"tenant_id"`
	Version          int64            `yaml:"version"`
	CompanyName      string           `yaml:"company_name"`
	Greeting         string           `yaml:"greeting"`
	FallbackResponse string           `yaml:"fallback_response"`
	EmergencyMessage string           `yaml:"emergency_message"`
	ReasonSlot       string           `yaml:"reason_slot"`
	Slots            []SlotDefinition `yaml:"slots"`
	Steps            []Step           `yaml:"steps"`
	Loop             LoopPolicy       `yaml:"loop"`
	Triage           TriageConfig     `yaml:"triage"`
	Cascade          CascadeConfig    `yaml:"cascade"`
	Booking          BookingConfig    `yaml:"booking"`
	Patterns         PatternOverrides `yaml:"patterns"`
	Cards            []ContentCard    `yaml:"cards"`

	registry Registry
}

var (
	// ErrInvalid is returned when a configuration cannot be used.
	ErrInvalid = errors.New("invalid tenant configuration")
	// ErrNotFound is returned by stores for unknown tenants.
	ErrNotFound = errors.New("tenant not found")
)

// Registry indexes slot definitions by id while keeping declaration order.
type Registry struct {
	order []string
	byID  map[string]SlotDefinition
}

// Get returns the definition for id.
func (r Registry) Get(id string) (SlotDefinition, bool) {
	def, ok := r.byID[id]
	return def, ok
}

// Has reports whether id is a registered slot.
func (r Registry) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// Ordered returns the definitions in declaration order.
func (r Registry) Ordered() []SlotDefinition {
	out := make([]SlotDefinition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// NewRegistry builds a registry from definitions. Later duplicates win.
func NewRegistry(defs []SlotDefinition) Registry {
	r := Registry{byID: make(map[string]SlotDefinition, len(defs))}
	for _, d := range defs {
		if _, seen := r.byID[d.ID]; !seen {
			r.order = append(r.order, d.ID)
		}
		r.byID[d.ID] = d
	}
	return r
}

// Registry returns the slot registry built by Normalize.
func (c *CompanyConfig) Registry() Registry {
	if c.registry.byID == nil {
		return NewRegistry(c.Slots)
	}
	return c.registry
}

// StepBySlot returns the discovery step that asks for slotID.
func (c *CompanyConfig) StepBySlot(slotID string) (Step, bool) {
	for _, s := range c.Steps {
		if s.SlotID == slotID {
			return s, true
		}
	}
	return Step{}, false
}

// Normalize fills defaults, restores core slots and builds the registry.
// It must run before the config is shared.
func (c *CompanyConfig) Normalize() error {
	if strings.TrimSpace(c.TenantID) == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalid)
	}

	def := Defaults(c.TenantID)

	if c.CompanyName == "" {
		c.CompanyName = def.CompanyName
	}
	if c.Greeting == "" {
		c.Greeting = def.Greeting
	}
	if c.FallbackResponse == "" {
		c.FallbackResponse = def.FallbackResponse
	}
	if c.EmergencyMessage == "" {
		c.EmergencyMessage = def.EmergencyMessage
	}
	if c.ReasonSlot == "" {
		c.ReasonSlot = def.ReasonSlot
	}

	c.Slots = mergeCoreSlots(c.Slots, def.Slots, c.ReasonSlot)
	for _, s := range c.Slots {
		if !s.Type.Valid() {
			return fmt.Errorf("%w: slot %q has unknown type %q", ErrInvalid, s.ID, s.Type)
		}
		if s.Type == SlotEnum && len(s.Options) == 0 {
			return fmt.Errorf("%w: enum slot %q has no options", ErrInvalid, s.ID)
		}
	}
	c.registry = NewRegistry(c.Slots)
	if reason, ok := c.registry.Get(c.ReasonSlot); !ok || reason.Type != SlotFreeText {
		return fmt.Errorf("%w: reason slot %q must be a free_text slot", ErrInvalid, c.ReasonSlot)
	}

	if len(c.Steps) == 0 {
		for _, st := range def.Steps {
			if c.registry.Has(st.SlotID) {
				c.Steps = append(c.Steps, st)
			}
		}
	}
	for i := range c.Steps {
		st := &c.Steps[i]
		if !c.registry.Has(st.SlotID) {
			return fmt.Errorf("%w: step %q references unknown slot %q", ErrInvalid, st.ID, st.SlotID)
		}
		if st.ID == "" {
			st.ID = "ask_" + st.SlotID
		}
		if st.Confirm == "" {
			st.Confirm = ConfirmSmart
		}
		switch st.Confirm {
		case ConfirmAlways, ConfirmNever, ConfirmSmart, ConfirmCallerSupplied:
		default:
			return fmt.Errorf("%w: step %q has unknown confirm mode %q", ErrInvalid, st.ID, st.Confirm)
		}
		slot, _ := c.registry.Get(st.SlotID)
		if st.Ask == "" {
			st.Ask = slot.Ask
		}
		if st.Reprompt == "" {
			st.Reprompt = "Sorry, I didn't catch that. " + st.Ask
		}
		if st.ConfirmPrompt == "" {
			st.ConfirmPrompt = slot.ConfirmPrompt
		}
	}

	normalizeLoop(&c.Loop, def.Loop)
	normalizeTriage(&c.Triage, def.Triage)
	normalizeCascade(&c.Cascade, def.Cascade)
	normalizeBooking(&c.Booking, def.Booking)

	for i, card := range c.Cards {
		if card.ID == "" {
			return fmt.Errorf("%w: card %d has no id", ErrInvalid, i)
		}
		if card.Type == "" {
			c.Cards[i].Type = "faq"
		}
	}
	return nil
}

func mergeCoreSlots(slots, defaults []SlotDefinition, reasonSlot string) []SlotDefinition {
	have := make(map[string]bool, len(slots))
	for _, s := range slots {
		have[s.ID] = true
	}
	out := make([]SlotDefinition, 0, len(slots)+len(CoreSlotIDs))
	for _, d := range defaults {
		if (isCore(d.ID) || d.ID == reasonSlot) && !have[d.ID] {
			out = append(out, d)
		}
	}
	for _, s := range slots {
		if d, ok := findSlot(defaults, s.ID); ok {
			if s.Type == "" {
				s.Type = d.Type
			}
			if s.Ask == "" {
				s.Ask = d.Ask
			}
			if s.ConfirmPrompt == "" {
				s.ConfirmPrompt = d.ConfirmPrompt
			}
			if s.NamePart == "" {
				s.NamePart = d.NamePart
			}
			if s.Label == "" {
				s.Label = d.Label
			}
		}
		if s.Label == "" {
			s.Label = strings.ReplaceAll(s.ID, "_", " ")
		}
		if s.Ask == "" {
			s.Ask = "Could you tell me your " + s.Label + "?"
		}
		if s.ConfirmPrompt == "" {
			s.ConfirmPrompt = "I have your " + s.Label + " as {{value}}. Is that right?"
		}
		if s.Type == SlotName && s.NamePart == "" {
			s.NamePart = NameFull
		}
		out = append(out, s)
	}
	return out
}

func isCore(id string) bool {
	for _, c := range CoreSlotIDs {
		if c == id {
			return true
		}
	}
	return false
}

func findSlot(defs []SlotDefinition, id string) (SlotDefinition, bool) {
	for _, d := range defs {
		if d.ID == id {
			return d, true
		}
	}
	return SlotDefinition{}, false
}

func normalizeLoop(l *LoopPolicy, def LoopPolicy) {
	if l.MaxReprompts <= 0 {
		l.MaxReprompts = def.MaxReprompts
	}
	if l.Action == "" {
		l.Action = def.Action
	}
	if l.EscalationMessage == "" {
		l.EscalationMessage = def.EscalationMessage
	}
}

func normalizeTriage(t *TriageConfig, def TriageConfig) {
	if t.StrongWeight == 0 {
		t.StrongWeight = def.StrongWeight
	}
	if t.ModerateWeight == 0 {
		t.ModerateWeight = def.ModerateWeight
	}
	if t.MinConfidence == 0 {
		t.MinConfidence = def.MinConfidence
	}
	if t.SymptomBoost == 0 {
		t.SymptomBoost = def.SymptomBoost
	}
	if t.CardBoost == 0 {
		t.CardBoost = def.CardBoost
	}
	if t.LongUtteranceWords == 0 {
		t.LongUtteranceWords = def.LongUtteranceWords
	}
	if t.FallbackConfidence == 0 {
		t.FallbackConfidence = def.FallbackConfidence
	}
	if t.HotThreshold == 0 {
		t.HotThreshold = def.HotThreshold
	}
	if t.ColdThreshold == 0 {
		t.ColdThreshold = def.ColdThreshold
	}
}

func normalizeCascade(c *CascadeConfig, def CascadeConfig) {
	if c.Tier1Min == 0 {
		c.Tier1Min = def.Tier1Min
	}
	if c.Tier2Min == 0 {
		c.Tier2Min = def.Tier2Min
	}
	if c.Tier3Min == 0 {
		c.Tier3Min = def.Tier3Min
	}
	if c.Tier3Confidence == 0 {
		c.Tier3Confidence = def.Tier3Confidence
	}
	if c.Ceiling <= 0 {
		c.Ceiling = def.Ceiling
	}
}

func normalizeBooking(b *BookingConfig, def BookingConfig) {
	if b.ConsentPrompt == "" {
		b.ConsentPrompt = def.ConsentPrompt
	}
	if b.ConsentReprompt == "" {
		b.ConsentReprompt = def.ConsentReprompt
	}
	if b.DeclinedMessage == "" {
		b.DeclinedMessage = def.DeclinedMessage
	}
	if b.CancelledMessage == "" {
		b.CancelledMessage = def.CancelledMessage
	}
	if b.CompletionMessage == "" {
		b.CompletionMessage = def.CompletionMessage
	}
	if b.CompletedFollowUp == "" {
		b.CompletedFollowUp = def.CompletedFollowUp
	}
}
