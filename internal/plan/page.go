// Package plan executes model-produced DOM plans against a Page, one step at
// a time, stopping at the first failing step.
package plan

import (
	"context"
	"errors"
	"strings"
)

// ErrElementNotFound is returned by a Page when a selector matches nothing.
var ErrElementNotFound = errors.New("element not found")

// ElementInfo describes the element a selector resolved to.
type ElementInfo struct {
	Tag         string
	Type        string
	Name        string
	ID          string
	AriaLabel   string
	Placeholder string
}

// Sensitive reports whether the element is an input that must never be
// filled from dictated text: password inputs, or inputs whose name hints at
// a username, password or code.
func (e ElementInfo) Sensitive() bool {
	if !strings.EqualFold(e.Tag, "input") {
		return false
	}
	if strings.EqualFold(e.Type, "password") {
		return true
	}
	name := strings.ToLower(e.Name)
	return strings.Contains(name, "password") ||
		strings.Contains(name, "user") ||
		strings.Contains(name, "code")
}

// Label is how the field is named when talking to the user.
func (e ElementInfo) Label(selector string) string {
	for _, candidate := range []string{e.Name, e.ID, e.AriaLabel, e.Placeholder} {
		if candidate = strings.TrimSpace(candidate); candidate != "" {
			return candidate
		}
	}
	return selector
}

// Page is the DOM surface a plan runs against. Every method resolves the
// selector itself and returns ErrElementNotFound (possibly wrapped) on a miss.
type Page interface {
	Describe(ctx context.Context, selector string) (ElementInfo, error)
	TypeInto(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	ScrollTo(ctx context.Context, selector string) error
	SetChecked(ctx context.Context, selector string, checked bool) error
	SelectByValue(ctx context.Context, selector, value string) error
	// SelectByIndex selects the option at a 0-based position in DOM order.
	SelectByIndex(ctx context.Context, selector string, index int) error
	PressEnter(ctx context.Context, selector string) error
	Focus(ctx context.Context, selector string) error
	Submit(ctx context.Context, selector string) error
	HTML(ctx context.Context) (string, error)
}

// UserChannel is the conversation with the person at the keyboard.
type UserChannel interface {
	// Say shows a message to the user.
	Say(ctx context.Context, msg string) error
	// Confirm asks a yes/no question about filling field.
	Confirm(ctx context.Context, field string) (bool, error)
	// Collect asks for a value. When spelled is set the user types it
	// character by character, separated by spaces.
	Collect(ctx context.Context, field string, spelled bool) (string, error)
}
