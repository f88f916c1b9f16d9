package schemas

import (
	"bytes"
	"fmt"

	json "github.com/json-iterator/go"
)

// UserFromSentinel marks a step value that must be supplied live by the end user.
const UserFromSentinel = "<<from user>>"

// ActionType enumerates the DOM operations a plan step may request.
type ActionType string

const (
	ActionTypeInto            ActionType = "typeInto"
	ActionClick               ActionType = "click"
	ActionScrollTo            ActionType = "scrollTo"
	ActionCheckCheckbox       ActionType = "checkCheckbox"
	ActionCheckRadioButton    ActionType = "checkRadioButton"
	ActionSelectOptionByValue ActionType = "selectOptionByValue"
	ActionSelectOptionByIndex ActionType = "selectOptionByIndex"
	ActionEnter               ActionType = "enter"
	ActionFocusElement        ActionType = "focusElement"
	ActionSubmitForm          ActionType = "submitForm"
	ActionWaitForElement      ActionType = "waitForElement"
)

// Known reports whether the action is part of the supported vocabulary.
func (a ActionType) Known() bool {
	switch a {
	case ActionTypeInto, ActionClick, ActionScrollTo, ActionCheckCheckbox,
		ActionCheckRadioButton, ActionSelectOptionByValue, ActionSelectOptionByIndex,
		ActionEnter, ActionFocusElement, ActionSubmitForm, ActionWaitForElement:
		return true
	}
	return false
}

// ConsumesData reports whether the action requires a data value.
func (a ActionType) ConsumesData() bool {
	switch a {
	case ActionTypeInto, ActionCheckCheckbox, ActionCheckRadioButton,
		ActionSelectOptionByValue, ActionSelectOptionByIndex:
		return true
	}
	return false
}

// Step is one DOM action produced by the model.
// Data holds a string, number, boolean or nil as decoded from JSON.
type Step struct {
	Selector string     `json:"selector"`
	Action   ActionType `json:"action"`
	Data     any        `json:"data"`
}

// Execute is the canonical plan envelope: an ordered list of steps plus
// named parameters that steps may reference as {{name}}.
type Execute struct {
	Plan       []Step         `json:"plan"`
	Parameters map[string]any `json:"parameters"`
}

// executeEnvelope breaks the UnmarshalJSON recursion.
type executeEnvelope struct {
	Plan       []Step         `json:"plan"`
	Parameters map[string]any `json:"parameters"`
}

// Empty reports whether the envelope carries no steps.
func (e Execute) Empty() bool { return len(e.Plan) == 0 }

// MarshalJSON always emits both keys so consumers never see null.
func (e Execute) MarshalJSON() ([]byte, error) {
	env := executeEnvelope{Plan: e.Plan, Parameters: e.Parameters}
	if env.Plan == nil {
		env.Plan = []Step{}
	}
	if env.Parameters == nil {
		env.Parameters = map[string]any{}
	}
	return json.Marshal(env)
}

// UnmarshalJSON accepts the envelope form as well as a bare list of steps,
// a single step object, or null.
func (e *Execute) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	*e = Execute{}
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	switch trimmed[0] {
	case '[':
		var steps []Step
		if err := json.Unmarshal(trimmed, &steps); err != nil {
			return fmt.Errorf("decoding execute step list: %w", err)
		}
		e.Plan = steps
	case '{':
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return fmt.Errorf("decoding execute object: %w", err)
		}
		if _, ok := probe["plan"]; ok {
			var env executeEnvelope
			if err := json.Unmarshal(trimmed, &env); err != nil {
				return fmt.Errorf("decoding execute envelope: %w", err)
			}
			e.Plan = env.Plan
			e.Parameters = env.Parameters
			return nil
		}
		var step Step
		if err := json.Unmarshal(trimmed, &step); err != nil {
			return fmt.Errorf("decoding execute step: %w", err)
		}
		e.Plan = []Step{step}
	default:
		return fmt.Errorf("execute must be a list or an object, got %q", trimmed[0])
	}
	return nil
}

// StructuredResponse is the normalized reply of the assistant.
type StructuredResponse struct {
	Speak   string  `json:"speak"`
	Execute Execute `json:"execute"`
}

// ParseError is published in place of a StructuredResponse when a turn
// could not be turned into one.
type ParseError struct {
	Error         string `json:"error"`
	Details       string `json:"details"`
	RawAIResponse string `json:"raw_ai_response"`
}

// DecodeAIResponse inspects an ai_response payload and returns whichever of
// the two shapes it carries.
func DecodeAIResponse(raw json.RawMessage) (*StructuredResponse, *ParseError, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, nil, fmt.Errorf("ai_response is not an object: %w", err)
	}
	if _, isErr := probe["error"]; isErr {
		var pe ParseError
		if err := json.Unmarshal(raw, &pe); err != nil {
			return nil, nil, fmt.Errorf("decoding parse error: %w", err)
		}
		return nil, &pe, nil
	}
	var sr StructuredResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, nil, fmt.Errorf("decoding structured response: %w", err)
	}
	return &sr, nil, nil
}
