package messages

import (
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/frontdesk/callstate"
	"github.com/room4-2/frontdesk/turn"
)

func TestDecodeClientMessage(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"utterance","payload":{"text":"my AC is down","turn":3}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeUtterance, msg.Type)

	var p UtterancePayload
	require.NoError(t, msg.Decode(&p))
	assert.Equal(t, UtterancePayload{Text: "my AC is down", Turn: 3}, p)
}

func TestDecodeClientMessageRejectsUnknownType(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"audio","payload":{}}`))
	assert.ErrorContains(t, err, "unknown message type")

	_, err = DecodeClientMessage([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestStartWithoutPayload(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"start"}`))
	require.NoError(t, err)
	p := StartPayload{TenantID: "default"}
	require.NoError(t, msg.Decode(&p))
	assert.Equal(t, "default", p.TenantID)
}

func TestNewClientMessageRoundTrips(t *testing.T) {
	frame, err := NewClientMessage(TypeStart, StartPayload{CallID: "CA1", TenantID: "acme", CallerID: "+12395550100"})
	require.NoError(t, err)

	msg, err := DecodeClientMessage(frame)
	require.NoError(t, err)
	var p StartPayload
	require.NoError(t, msg.Decode(&p))
	assert.Equal(t, "acme", p.TenantID)
	assert.Equal(t, "+12395550100", p.CallerID)
}

func TestResponseMessageShape(t *testing.T) {
	msg := NewResponseMessage("CA1", turn.Output{
		Response: "Can I get your first name?",
		Owner:    "state-machine:ask_name",
		Reason:   "cascade_no_match",
		Lane:     callstate.LaneDiscovery,
		Turn:     1,
	})
	data, err := sonic.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "response",
		"callId": "CA1",
		"payload": {
			"text": "Can I get your first name?",
			"owner": "state-machine:ask_name",
			"reason": "cascade_no_match",
			"lane": "DISCOVERY",
			"turn": 1
		}
	}`, string(data))
}

func TestGatherResponse(t *testing.T) {
	out, err := GatherResponse("Thank you for calling & welcome.", "/gather?tenant=acme").Marshal()
	require.NoError(t, err)
	assert.Equal(t,
		`<?xml version="1.0" encoding="UTF-8"?>`+"\n"+
			`<Response><Gather input="speech" action="/gather?tenant=acme" method="POST" speechTimeout="auto" language="en-US">`+
			`<Say>Thank you for calling &amp; welcome.</Say></Gather>`+
			`<Redirect method="POST">/gather?tenant=acme</Redirect></Response>`,
		string(out))
}

func TestHangupResponse(t *testing.T) {
	out, err := HangupResponse("Goodbye.").Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(out), `<Response><Say>Goodbye.</Say><Hangup></Hangup></Response>`)

	out, err = HangupResponse("").Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(out), `<Response><Hangup></Hangup></Response>`)
}
