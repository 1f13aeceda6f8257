// Package envelope encodes the structured email-like payload peermail
// writes into the network's otherwise-opaque message content field.
//
// Decoding is best-effort and never fails: anything that is not a
// well-formed version-1 email envelope is handed back as plain text, with
// the original string preserved verbatim. That keeps this client compatible
// with peers that send raw text and with envelope versions it does not
// understand yet.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// Version is the envelope schema version this package writes.
	Version = 1

	// KindEmail is the discriminator for email envelopes.
	KindEmail = "email"
)

// Envelope is the versioned wire payload.
type Envelope struct {
	Version  int    `json:"v"`
	Kind     string `json:"kind"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	SentAtMs int64  `json:"sentAt,omitempty"`
}

// Draft is the caller-supplied portion of an envelope.
type Draft struct {
	Subject string
	Body    string
	From    string
	To      string
}

// Decoded is the result of decoding message content.
// Exactly one of Envelope or Text is meaningful, selected by Email.
type Decoded struct {
	// Email is true when the content was a well-formed email envelope.
	Email bool

	// Envelope is set when Email is true.
	Envelope Envelope

	// Text is the fallback plain-text content when Email is false.
	Text string
}

// Encode serializes a draft into wire content, stamping the current time.
func Encode(draft Draft) (string, error) {
	return EncodeAt(draft, time.Now())
}

// EncodeAt serializes a draft with an explicit send time.
func EncodeAt(draft Draft, sentAt time.Time) (string, error) {
	env := Envelope{
		Version:  Version,
		Kind:     KindEmail,
		Subject:  strings.TrimSpace(draft.Subject),
		Body:     draft.Body,
		From:     strings.TrimSpace(draft.From),
		To:       strings.TrimSpace(draft.To),
		SentAtMs: sentAt.UnixMilli(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return string(data), nil
}

// Decode interprets message content. It never returns an error; content
// that is not a version-1 email envelope comes back as text.
func Decode(content any) Decoded {
	raw, ok := content.(string)
	if !ok {
		if content == nil {
			return Decoded{Text: ""}
		}
		return Decoded{Text: fmt.Sprintf("%v", content)}
	}

	if strings.TrimSpace(raw) == "" {
		return Decoded{Text: ""}
	}

	// Probe with flexible types first so a number where a string belongs
	// downgrades to text instead of erroring.
	var probe struct {
		Version json.Number     `json:"v"`
		Kind    string          `json:"kind"`
		Subject json.RawMessage `json:"subject"`
		Body    json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return Decoded{Text: raw}
	}
	if probe.Version.String() != "1" || probe.Kind != KindEmail {
		return Decoded{Text: raw}
	}
	if !isJSONString(probe.Subject) || !isJSONString(probe.Body) {
		return Decoded{Text: raw}
	}

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Decoded{Text: raw}
	}
	return Decoded{Email: true, Envelope: env}
}

func isJSONString(raw json.RawMessage) bool {
	// Unmarshal into *string: null decodes as a nil pointer instead of
	// silently passing the check.
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return s != nil
}
