package tenant

import "time"

// Defaults returns the baseline configuration for a home-services receptionist.
// Values set in a tenant file take precedence; anything left empty falls back
// to these.
func Defaults(tenantID string) CompanyConfig {
	return CompanyConfig{
		TenantID:         tenantID,
		Version:          1,
		CompanyName:      "our office",
		Greeting:         "Thank you for calling {{company}}. How can I help you today?",
		FallbackResponse: "I'm sorry, I didn't quite get that. Could you tell me a little more about what's going on?",
		EmergencyMessage: "If you smell gas or see smoke or fire, please leave the home right away and call 911. I'm flagging this as an emergency for our on-call technician.",
		ReasonSlot:       "reason",
		Slots: []SlotDefinition{
			{ID: SlotIDName, Type: SlotName, Label: "first name", NamePart: NameFirst, DiscoveryFillable: true,
				Ask: "Can I get your first name?", ConfirmPrompt: "Your first name is {{value}}, correct?"},
			{ID: SlotIDLastName, Type: SlotName, Label: "last name", NamePart: NameLast, Required: true, DiscoveryFillable: true,
				Ask: "Can I get your first and last name?", ConfirmPrompt: "I have your last name as {{value}}. Is that right?"},
			{ID: SlotIDPhone, Type: SlotPhone, Label: "phone number", Required: true, DiscoveryFillable: true, BookingConfirm: true,
				Ask: "What's the best phone number to reach you?", ConfirmPrompt: "Is {{value}} the best number to reach you?"},
			{ID: SlotIDAddress, Type: SlotAddress, Label: "service address", Required: true, DiscoveryFillable: true, BookingConfirm: true,
				Ask: "What's the address where you need service?", ConfirmPrompt: "I have the service address as {{value}}. Is that correct?"},
			{ID: SlotIDTime, Type: SlotTime, Label: "preferred time", Required: true, DiscoveryFillable: true, BookingConfirm: true,
				Ask: "When would you like us to come out?", ConfirmPrompt: "You'd like us to come {{value}}, is that right?"},
			{ID: "reason", Type: SlotFreeText, Label: "reason for the call", DiscoveryFillable: true,
				Ask: "What's going on with your system today?", ConfirmPrompt: "So the issue is {{value}}, correct?"},
		},
		Steps: []Step{
			{ID: "ask_reason", SlotID: "reason", Ask: "What's going on with your system today?", Confirm: ConfirmNever, Optional: true,
				Rephrase: "Could you describe the problem in a few words, like no cooling or a leak?"},
			{ID: "ask_name", SlotID: SlotIDLastName, Ask: "Can I get your first and last name?", Confirm: ConfirmSmart,
				Rephrase: "Could you spell your last name for me?"},
			{ID: "ask_address", SlotID: SlotIDAddress, Ask: "What's the address where you need service?", Confirm: ConfirmAlways,
				Rephrase: "Could you give me the street number and street name?"},
			{ID: "ask_phone", SlotID: SlotIDPhone, Ask: "What's the best phone number to reach you?", Confirm: ConfirmCallerSupplied,
				Rephrase: "Could you say the ten digit number, starting with the area code?"},
		},
		Loop: LoopPolicy{
			MaxReprompts:      2,
			Action:            LoopRephrase,
			EscalationMessage: "I'm having trouble getting that, so I'll make a note for our team to follow up with you.",
		},
		Triage: TriageConfig{
			StrongWeight:       0.35,
			ModerateWeight:     0.15,
			MinConfidence:      0.62,
			SymptomBoost:       0.05,
			CardBoost:          0.10,
			LongUtteranceWords: 15,
			FallbackConfidence: 0.55,
			HotThreshold:       90,
			ColdThreshold:      55,
		},
		Cascade: CascadeConfig{
			AllowedContentTypes: []string{"faq", "troubleshooting"},
			Tier1Min:            0.75,
			Tier2Min:            0.80,
			Tier3Min:            0.60,
			Tier3Confidence:     0.65,
			Ceiling:             500 * time.Millisecond,
		},
		Booking: BookingConfig{
			ConsentPrompt:     "I can get a technician scheduled for you. Would you like me to set that up?",
			ConsentReprompt:   "Just to confirm, would you like me to schedule a visit? Yes or no is fine.",
			DeclinedMessage:   "No problem. Is there anything else I can help you with?",
			CancelledMessage:  "Okay, I've cancelled that. Is there anything else I can help you with?",
			CompletionMessage: "You're all set. I have {{summary}}. Our team will call to confirm the exact arrival window.",
			CompletedFollowUp: "Your appointment request is in. Is there anything else I can help you with?",
		},
	}
}

// Default returns a normalized copy of Defaults, ready to use.
func Default(tenantID string) *CompanyConfig {
	cfg := Defaults(tenantID)
	if err := cfg.Normalize(); err != nil {
		// Defaults are static and always valid.
		panic(err)
	}
	return &cfg
}
