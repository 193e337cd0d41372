package callstate

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// Stored documents come in three shapes:
//
//	v0  camelCase fields, lowercase lanes, no watermark or provenance
//	v1  current field names, no stage watermark
//	v2  current
//
// Migrate upgrades any of them and fills defaults for missing fields.

type legacyPending struct {
	Value      string  `json:"value"`
	SourceTurn int     `json:"sourceTurn"`
	Confidence float64 `json:"confidence"`
}

type legacyState struct {
	CallID         string                   `json:"callId"`
	TenantID       string                   `json:"tenantId"`
	TurnNumber     int                      `json:"turnNumber"`
	Lane           string                   `json:"lane"`
	PlainSlots     map[string]string        `json:"plainSlots"`
	PendingSlots   map[string]legacyPending `json:"pendingSlots"`
	ConfirmedSlots map[string]string        `json:"confirmedSlots"`
	Consent        struct {
		Pending bool  `json:"pending"`
		Granted *bool `json:"granted"`
	} `json:"consent"`
	StepCursor     int            `json:"stepCursor"`
	RepromptCounts map[string]int `json:"repromptCounts"`
}

// Encode serializes s at the current schema version.
func Encode(s *State) ([]byte, error) {
	s.SchemaVersion = SchemaVersion
	data, err := sonic.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode call state: %w", err)
	}
	return data, nil
}

// Migrate decodes a stored document of any supported version.
func Migrate(data []byte) (*State, error) {
	var probe struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := sonic.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var s *State
	switch probe.SchemaVersion {
	case 0:
		var old legacyState
		if err := sonic.Unmarshal(data, &old); err != nil {
			return nil, fmt.Errorf("%w: v0 document: %v", ErrCorrupt, err)
		}
		s = fromLegacy(old)
	case 1, SchemaVersion:
		s = &State{}
		if err := sonic.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("%w: v%d document: %v", ErrCorrupt, probe.SchemaVersion, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported schema version %d", ErrCorrupt, probe.SchemaVersion)
	}

	s.Lane = Lane(strings.ToUpper(strings.TrimSpace(string(s.Lane))))
	if s.Lane == "" {
		s.Lane = LaneDiscovery
	}
	if st := s.Lane.Stage(); s.StageWatermark < st {
		s.StageWatermark = st
	}
	if len(s.ConfirmedSlots) > 0 && s.StageWatermark < StageBooking {
		// Confirmed slots only exist once booking has been reached.
		s.StageWatermark = StageBooking
	}
	s.ensureMaps()
	s.SchemaVersion = SchemaVersion
	return s, nil
}

func fromLegacy(old legacyState) *State {
	s := &State{
		CallID:         old.CallID,
		TenantID:       old.TenantID,
		TurnNumber:     old.TurnNumber,
		Lane:           Lane(old.Lane),
		PlainSlots:     old.PlainSlots,
		ConfirmedSlots: old.ConfirmedSlots,
		StepCursor:     old.StepCursor,
		RepromptCounts: old.RepromptCounts,
		Consent:        Consent{Pending: old.Consent.Pending, Granted: old.Consent.Granted},
	}
	if len(old.PendingSlots) > 0 {
		s.PendingSlots = make(map[string]PendingValue, len(old.PendingSlots))
		for id, p := range old.PendingSlots {
			s.PendingSlots[id] = PendingValue{
				Value:      p.Value,
				SourceTurn: p.SourceTurn,
				Confidence: p.Confidence,
				Source:     SourceCaller,
			}
		}
	}
	return s
}
