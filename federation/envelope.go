package federation

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// Envelope is the unit exchanged between sibling services. Envelopes carry no version or sequence number; receivers tolerate duplicates and reordering.
type Envelope struct {
	From   string          `json:"from"`
	To     []string        `json:"to"`
	Action string          `json:"action"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
}

// Message is what travels over a channel: the envelope text, optionally with a file as an attachment.
type Message struct {
	Text      string `json:"text"`
	File      []byte `json:"file,omitempty"`
	FileName  string `json:"file_name,omitempty"`
	Encrypted bool   `json:"encrypted,omitempty"`
}

var ErrMalformed = errors.New("malformed envelope")

func ParseEnvelope(text string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if env.From == "" || env.Action == "" || env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing from, action or type", ErrMalformed)
	}
	if len(env.Data) == 0 {
		env.Data = json.RawMessage("null")
	}
	return env, nil
}

func (e Envelope) Encode() (string, error) {
	if len(e.Data) == 0 {
		e.Data = json.RawMessage("null")
	}
	if e.To == nil {
		e.To = []string{}
	}
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (e Envelope) AddressedTo(tag string) bool {
	return slices.Contains(e.To, tag)
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s/%s payload: %w", ErrMalformed, e.Action, e.Type, err)
	}
	return nil
}

// receivers drops self and duplicates, keeping the first occurrence order.
func receivers(to []string, self string) []string {
	out := make([]string, 0, len(to))
	for _, t := range to {
		if t == "" || t == self || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}
