// Package domain contains the core session types shared by the chat client and the dev server.
package domain

import (
	"encoding/json"
	"time"
)

// MessageKind tells the UI how to render a message.
type MessageKind string

const (
	KindText       MessageKind = "text"
	KindChart      MessageKind = "chart"
	KindMap        MessageKind = "map"
	KindError      MessageKind = "error"
	KindWarning    MessageKind = "warning"
	KindNavigation MessageKind = "navigation"
)

// Valid reports whether k is one of the known kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindChart, KindMap, KindError, KindWarning, KindNavigation:
		return true
	}
	return false
}

// IsProblem is true for kinds that surface an error to the user.
func (k MessageKind) IsProblem() bool {
	return k == KindError || k == KindWarning
}

// Thought is a single reasoning step attached to a bot message.
type Thought struct {
	Step    string `json:"step,omitempty"`
	Content string `json:"content"`
}

// Message is one entry of the conversation transcript.
//
// A message is mutated in place only while it is the active streaming
// placeholder. Every other update replaces it wholesale.
type Message struct {
	ID         string      `json:"id"`
	Text       string      `json:"text"`
	IsFromUser bool        `json:"isFromUser"`
	Kind       MessageKind `json:"kind"`
	Aux        any         `json:"auxPayload,omitempty"`
	Thoughts   []Thought   `json:"thoughts,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// Clone returns a copy that does not share the thoughts slice.
func (m Message) Clone() Message {
	if m.Thoughts != nil {
		m.Thoughts = append([]Thought(nil), m.Thoughts...)
	}
	return m
}

// MapPayload is attached to messages of kind map.
type MapPayload struct {
	Location string  `json:"location,omitempty"`
	Query    string  `json:"query,omitempty"`
	Lat      float64 `json:"lat,omitempty"`
	Lng      float64 `json:"lng,omitempty"`
}

// NavigationPayload is attached to messages of kind navigation.
type NavigationPayload struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

// ChartPayload carries an opaque chart specification.
type ChartPayload struct {
	Spec json.RawMessage `json:"spec"`
}

// ErrorPayload is attached to messages of kind error or warning.
type ErrorPayload struct {
	Code  string `json:"code,omitempty"`
	Step  string `json:"step,omitempty"`
	Fatal bool   `json:"fatal"`
}
