package domain

import (
	"encoding/json"
	"fmt"
)

// ActionType is the discriminant of the action attached to a chat result.
type ActionType string

const (
	ActionNavigate         ActionType = "navigate"
	ActionOpenMap          ActionType = "openMap"
	ActionConfirmEmailSend ActionType = "confirmEmailSend"
)

// Action is a tagged union: exactly one of the variant pointers matches Type.
type Action struct {
	Type         ActionType
	Navigate     *NavigateAction
	OpenMap      *OpenMapAction
	ConfirmEmail *ConfirmEmailAction
}

// NavigateAction asks the client to open a page relative to the site root.
type NavigateAction struct {
	Path string `json:"path"`
}

// OpenMapAction asks the client to show a location.
type OpenMapAction struct {
	Location string  `json:"location,omitempty"`
	Query    string  `json:"query,omitempty"`
	Lat      float64 `json:"lat,omitempty"`
	Lng      float64 `json:"lng,omitempty"`
}

// ConfirmEmailAction asks the user to approve an email before the server sends it.
type ConfirmEmailAction struct {
	ConfirmationID string          `json:"confirmationId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

type actionHeader struct {
	Type ActionType `json:"type"`
}

// UnmarshalJSON decodes {"type": "...", ...variant fields}.
func (a *Action) UnmarshalJSON(data []byte) error {
	var hdr actionHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return fmt.Errorf("decode action header: %w", err)
	}
	*a = Action{Type: hdr.Type}
	switch hdr.Type {
	case ActionNavigate:
		a.Navigate = &NavigateAction{}
		return json.Unmarshal(data, a.Navigate)
	case ActionOpenMap:
		a.OpenMap = &OpenMapAction{}
		return json.Unmarshal(data, a.OpenMap)
	case ActionConfirmEmailSend:
		a.ConfirmEmail = &ConfirmEmailAction{}
		return json.Unmarshal(data, a.ConfirmEmail)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, hdr.Type)
	}
}

// MarshalJSON flattens the active variant next to the type tag.
func (a Action) MarshalJSON() ([]byte, error) {
	var variant any
	switch a.Type {
	case ActionNavigate:
		variant = a.Navigate
	case ActionOpenMap:
		variant = a.OpenMap
	case ActionConfirmEmailSend:
		variant = a.ConfirmEmail
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, a.Type)
	}
	fields := map[string]any{}
	if variant != nil {
		raw, err := json.Marshal(variant)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
	}
	fields["type"] = a.Type
	return json.Marshal(fields)
}
