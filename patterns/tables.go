package patterns

// Intent names produced by the classifier.
const (
	IntentServiceRequest      = "service_request"
	IntentMaintenance         = "maintenance"
	IntentBookingRequest      = "booking_request"
	IntentExistingAppointment = "existing_appointment"
	IntentPricingQuestion     = "pricing_question"
	IntentOther               = "other"
)

type intentSource struct {
	intent   string
	strong   []string
	moderate []string
}

type symptomSource struct {
	pattern string
	phrase  string
}

// Table order is significant: it breaks score ties.
var defaultIntents = []intentSource{
	{
		intent: IntentServiceRequest,
		strong: []string{
			`\b(?:ac|a/c|air conditioner|air conditioning|air|heat pump|furnace|heater|unit|system|hvac)\s+(?:is\s+|went\s+|'s\s+)?(?:down|out|dead|broken|broke)\b`,
			`\bnot (?:cooling|heating|working|turning on|blowing)\b`,
			`\b(?:won'?t|will not|doesn'?t|does not) (?:turn on|start|cool|heat|work|kick on)\b`,
			`\bleak(?:s|ing|ed)?\b`,
			`\bno (?:power|heat|hot water|air|cooling|ac)\b`,
			`\b(?:burst|flood(?:ed|ing)?)\b`,
			`\bstopped working\b`,
		},
		moderate: []string{
			`\b(?:problem|issue|trouble)s?\b`,
			`\b(?:weird|strange|loud|funny) (?:noise|sound|smell)s?\b`,
			`\bsomething(?:'s| is)? wrong\b`,
			`\bacting up\b`,
			`\bmaking (?:a |some )?noises?\b`,
			`\bnot right\b`,
			`\b(?:warm|hot|cold) (?:air|in here|inside)\b`,
			`\b(?:repair|fix)\b`,
		},
	},
	{
		intent: IntentMaintenance,
		strong: []string{
			`\b(?:tune[- ]?up|maintenance|annual (?:service|check)|inspection|check[- ]?up)\b`,
			`\b(?:clean|replace|change) (?:the |my )?(?:filter|ducts?|coils?)\b`,
		},
		moderate: []string{
			`\bservic(?:e|ing)\b`,
			`\bfilters?\b`,
			`\bbefore (?:summer|winter)\b`,
		},
	},
	{
		intent: IntentBookingRequest,
		strong: []string{
			`\b(?:schedule|book|make|set up) (?:an? )?(?:appointment|visit|service call)\b`,
			`\bsend (?:someone|somebody|a tech(?:nician)?)\b`,
		},
		moderate: []string{
			`\bappointment\b`,
			`\bcome (?:out|by|over)\b`,
			`\bavailab(?:le|ility)\b`,
		},
	},
	{
		intent: IntentExistingAppointment,
		strong: []string{
			`\b(?:reschedule|cancel|move|change) (?:my |the |our )?appointment\b`,
			`\b(?:when|what time) (?:is|will) (?:my|the) (?:appointment|tech(?:nician)?)\b`,
			`\bwhere is (?:my|the) tech(?:nician)?\b`,
		},
		moderate: []string{
			`\balready (?:have|scheduled|booked)\b`,
			`\bconfirm(?:ing)? (?:my|the) appointment\b`,
		},
	},
	{
		intent: IntentPricingQuestion,
		strong: []string{
			`\bhow much\b`,
			`\b(?:price|pricing|cost|quote|estimate|fee)s?\b`,
		},
		moderate: []string{
			`\b(?:expensive|cheap|afford|financing|charge)\b`,
		},
	},
}

var defaultSymptoms = []symptomSource{
	{`\b(?:ac|a/c|air conditioner|air conditioning|unit|system)\s+(?:is\s+|went\s+|'s\s+)?(?:down|out|dead|broken)\b|\b(?:ac|a/c|air conditioner)\b.{0,20}\bnot working\b`, "AC not working"},
	{`\bnot cooling\b|\bblowing (?:warm|hot) air\b|\bwon'?t cool\b`, "not cooling"},
	{`\bnot heating\b|\bno heat\b|\bwon'?t heat\b|\bblowing cold air\b`, "no heat"},
	{`\bleak(?:s|ing|ed)?\b|\bwater (?:on|all over) the floor\b|\bdripping\b`, "water leak"},
	{`\bno (?:power|electricity)\b|\bpower(?:'s| is)? out\b|\bbreaker (?:keeps )?trip(?:s|ping|ped)?\b`, "no power or tripped breaker"},
	{`\b(?:strange|weird|loud|grinding|banging|buzzing|squealing|rattling) (?:noise|sound)s?\b`, "unusual noise"},
	{`\bgas (?:smell|leak)\b|\bsmell(?:s|ing)? (?:of |like )?gas\b`, "gas smell"},
	{`\b(?:burning|weird|strange|musty|rotten egg) smell\b`, "unusual smell"},
	{`\b(?:won'?t|will not|doesn'?t) (?:turn on|start|kick on)\b|\bnot turning on\b`, "unit won't turn on"},
	{`\bfrozen\b|\bice (?:on|around)\b`, "frozen coil or line"},
	{`\bno hot water\b`, "no hot water"},
	{`\bclog(?:ged)?\b|\bbacked up\b|\bwon'?t drain\b`, "drain clog"},
	{`\bthermostat\b.{0,20}\b(?:blank|dead|not working|not responding)\b`, "thermostat not responding"},
}

var defaultEmergency = []string{
	`\bgas (?:smell|leak)\b|\bsmell(?:s|ing)? (?:of |like )?gas\b|\brotten eggs?\b`,
	`\bcarbon monoxide\b|\bco (?:alarm|detector)\b`,
	`\b(?:fire|flames?|smoke|sparks?|sparking)\b`,
	`\bburning smell\b|\bsmells? (?:like )?(?:something )?burning\b`,
	`\b(?:can'?t breathe|unconscious|passed out|ambulance|medical emergency|heart attack)\b`,
	`\b(?:no heat|freezing|too cold)\b.{0,60}\b(?:baby|infant|newborn|elderly|grandm(?:a|other)|grandpa|oxygen|disabled|sick)\b`,
	`\b(?:baby|infant|newborn|elderly|grandm(?:a|other)|grandpa|oxygen)\b.{0,60}\b(?:no heat|freezing|too cold)\b`,
}

var defaultUrgent = []string{
	`\b(?:asap|as soon as possible|urgent(?:ly)?|emergency|immediately|right away|right now|tonight)\b`,
	`\bget (?:someone|somebody) (?:out |over |here )?now\b`,
	`\b(?:flood(?:ing|ed)?|water everywhere)\b`,
}

var defaultTemperature = []string{
	`\b(\d{2,3})\s*(?:°|degrees?\b|deg\b)`,
	`\b(\d{2,3})\s+(?:in here|inside|in the house|in my house)\b`,
	`\bthermostat (?:says|reads|shows|is at)\s+(\d{2,3})\b`,
}

var defaultWantsBooking = []string{
	`\b(?:schedule|book|set up|make)\b.{0,20}\b(?:appointment|visit|service call|technician|tech|someone)\b`,
	`\b(?:can|could) (?:you|someone|somebody) come (?:out|by|over)\b`,
	`\bneed (?:someone|somebody|a tech(?:nician)?) to come\b`,
}

var defaultDirectIntent = []string{
	`\b(?:go ahead and|please) (?:book|schedule)\b`,
	`\b(?:book|schedule) (?:me|it) (?:in|for)\b`,
	`\bsend (?:someone|somebody|a tech(?:nician)?) (?:out|over)\b`,
}

var defaultAffirm = []string{
	`^\W*(?:yes|yeah|yep|yup|sure|correct|right|ok(?:ay)?|absolutely|definitely|of course|please do|go ahead|sounds good|uh[- ]huh|that works|it is|please)\b`,
	`\bthat'?s (?:right|correct|it)\b`,
}

var defaultDeny = []string{
	`^\W*(?:no|nope|nah|not really|negative)\b`,
	`\bthat'?s (?:not right|not correct|wrong|incorrect)\b`,
	`\b(?:incorrect|not correct|not quite)\b`,
}

var defaultCancel = []string{
	`\bcancel(?: (?:that|it|the appointment|the booking|the visit))?\b`,
	`\bnever ?mind\b`,
	`\bforget (?:it|about it)\b`,
	`\bdon'?t (?:book|schedule)\b`,
}

var defaultCorrection = []string{
	`\b(?:actually|correction|i meant|let me correct)\b`,
	`\bsorry,? (?:it'?s|it is|i meant)\b`,
	`^\W*no,? (?:it'?s|it is|my)\b`,
	`\bthat'?s wrong\b`,
	`\bchange (?:it|that) to\b`,
}
