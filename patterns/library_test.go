package patterns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/frontdesk/tenant"
)

func TestDefaultTablesCompile(t *testing.T) {
	lib := Default()
	require.Len(t, lib.Intents, len(defaultIntents))
	assert.Equal(t, IntentServiceRequest, lib.Intents[0].Intent)
	assert.Len(t, lib.Symptoms, len(defaultSymptoms))
	assert.Len(t, lib.Emergency, len(defaultEmergency))
}

func TestBuildOverrides(t *testing.T) {
	lib, err := Build(tenant.PatternOverrides{
		Intents: map[string]tenant.IntentPatterns{
			IntentPricingQuestion: {Strong: []string{`\bwhat do you charge\b`}},
			"pool_service":        {Strong: []string{`\bpool (?:pump|heater)\b`}},
		},
		Symptoms:  []tenant.SymptomPattern{{Pattern: `\bpool pump\b`, Phrase: "pool pump failure"}},
		Emergency: []string{`\bsewage\b`},
	})
	require.NoError(t, err)

	last := lib.Intents[len(lib.Intents)-1]
	assert.Equal(t, "pool_service", last.Intent)

	var pricing IntentTable
	for _, it := range lib.Intents {
		if it.Intent == IntentPricingQuestion {
			pricing = it
		}
	}
	require.Len(t, pricing.Strong, 1)
	assert.Empty(t, pricing.Moderate)
	assert.True(t, Any(lib.Emergency, "there is SEWAGE in the basement"))
	assert.True(t, Any(lib.Emergency, "I smell gas"))
	assert.Equal(t, "pool pump failure", lib.Symptoms[len(lib.Symptoms)-1].Phrase)
}

func TestBuildRejectsBadPattern(t *testing.T) {
	_, err := Build(tenant.PatternOverrides{Urgent: []string{`(unclosed`}})
	require.ErrorIs(t, err, ErrBadPattern)

	_, err = Build(tenant.PatternOverrides{Symptoms: []tenant.SymptomPattern{{Pattern: `x`}}})
	require.ErrorIs(t, err, ErrBadPattern)
}

func TestTemperatures(t *testing.T) {
	lib := Default()
	assert.Equal(t, []int{95}, lib.Temperatures("it's 95 degrees and climbing"))
	assert.Equal(t, []int{50}, lib.Temperatures("it is 50 in here"))
	assert.Equal(t, []int{88}, lib.Temperatures("the thermostat says 88"))
	assert.Empty(t, lib.Temperatures("I live at 123 Market St"))
	assert.Empty(t, lib.Temperatures("it's 999 degrees"))
}

func TestYesNo(t *testing.T) {
	lib := Default()
	cases := []struct {
		in       string
		answered bool
		yes      bool
	}{
		{"yes please", true, true},
		{"Yeah, go ahead", true, true},
		{"that's right", true, true},
		{"no thanks", true, false},
		{"no, that's not right", true, false},
		{"nope", true, false},
		{"what time is it", false, false},
	}
	for _, tc := range cases {
		answered, yes := lib.YesNo(tc.in)
		assert.Equal(t, tc.answered, answered, tc.in)
		assert.Equal(t, tc.yes, yes, tc.in)
	}
}

func TestVocabulary(t *testing.T) {
	lib := Default()
	assert.True(t, Any(lib.Cancel, "never mind, cancel that"))
	assert.True(t, Any(lib.Correction, "actually it's 125 Market St"))
	assert.True(t, Any(lib.WantsBooking, "can someone come out tomorrow"))
	assert.True(t, Any(lib.DirectIntent, "please book me for Tuesday"))
	assert.False(t, Any(lib.DirectIntent, "my AC is down"))
	assert.Equal(t, 2, Count(lib.Urgent, "it's urgent, get someone now"))
}

func TestCacheReusesSnapshot(t *testing.T) {
	cache := NewCache(4)
	cfg := tenant.Default("acme")

	first, err := cache.For(cfg)
	require.NoError(t, err)
	second, err := cache.For(cfg)
	require.NoError(t, err)
	assert.Same(t, first, second)

	next := tenant.Default("acme")
	next.Version = 2
	third, err := cache.For(next)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, cache.Len())
}
