package messages

import (
	"encoding/xml"
	"fmt"
)

// TwiML is a Twilio voice response document.
type TwiML struct {
	XMLName  xml.Name  `xml:"Response"`
	Say      *Say      `xml:"Say,omitempty"`
	Gather   *Gather   `xml:"Gather,omitempty"`
	Redirect *Redirect `xml:"Redirect,omitempty"`
	Hangup   *struct{} `xml:"Hangup,omitempty"`
}

// Say speaks text to the caller.
type Say struct {
	Voice string `xml:"voice,attr,omitempty"`
	Text  string `xml:",chardata"`
}

// Gather collects caller speech and posts it to Action.
type Gather struct {
	Input         string `xml:"input,attr"`
	Action        string `xml:"action,attr"`
	Method        string `xml:"method,attr"`
	SpeechTimeout string `xml:"speechTimeout,attr,omitempty"`
	Language      string `xml:"language,attr,omitempty"`
	Say           *Say   `xml:"Say,omitempty"`
}

// Redirect moves the call to another webhook.
type Redirect struct {
	Method string `xml:"method,attr"`
	URL    string `xml:",chardata"`
}

// GatherResponse speaks prompt while listening for the caller's answer. When
// the caller stays silent Twilio falls through to the redirect, which posts an
// empty turn to the same action.
func GatherResponse(prompt, action string) *TwiML {
	return &TwiML{
		Gather: &Gather{
			Input:         "speech",
			Action:        action,
			Method:        "POST",
			SpeechTimeout: "auto",
			Language:      "en-US",
			Say:           &Say{Text: prompt},
		},
		Redirect: &Redirect{Method: "POST", URL: action},
	}
}

// HangupResponse speaks text and ends the call.
func HangupResponse(text string) *TwiML {
	t := &TwiML{Hangup: &struct{}{}}
	if text != "" {
		t.Say = &Say{Text: text}
	}
	return t
}

// Marshal renders the document with the XML declaration.
func (t *TwiML) Marshal() ([]byte, error) {
	body, err := xml.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal twiml: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
