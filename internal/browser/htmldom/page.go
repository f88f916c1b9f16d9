// Package htmldom is an in-memory plan.Page built on golang.org/x/net/html.
// Actions mutate the parsed document the way a browser would mutate the
// live DOM, and every dispatched event is recorded so callers can assert on
// it. CSS selectors are handled by cascadia; selectors that start with "/"
// or "(" are treated as XPath.
package htmldom

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/saccessco/internal/plan"
)

// Event is one DOM event dispatched by an action.
type Event struct {
	Type     string
	Selector string
	Detail   string
}

// Submission is a serialized form submission.
type Submission struct {
	Action string
	Method string
	Values url.Values
}

// Page holds one parsed document.
type Page struct {
	mu          sync.RWMutex
	doc         *html.Node
	focused     *html.Node
	events      []Event
	submissions []Submission
	logger      *zap.Logger
}

var _ plan.Page = (*Page)(nil)

// New parses src into a page.
func New(src string, logger *zap.Logger) (*Page, error) {
	p := &Page{logger: logger.Named("htmldom")}
	if err := p.Load(src); err != nil {
		return nil, err
	}
	return p, nil
}

// Load replaces the document, as a navigation would.
func (p *Page) Load(src string) error {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return fmt.Errorf("failed to parse HTML: %w", err)
	}
	p.mu.Lock()
	p.doc = doc
	p.focused = nil
	p.mu.Unlock()
	return nil
}

// HTML renders the current document.
func (p *Page) HTML(_ context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var buf bytes.Buffer
	if err := html.Render(&buf, p.doc); err != nil {
		return "", fmt.Errorf("failed to render DOM: %w", err)
	}
	return buf.String(), nil
}

// Describe resolves selector and reports the element's identifying attributes.
func (p *Page) Describe(_ context.Context, selector string) (plan.ElementInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, err := p.find(selector)
	if err != nil {
		return plan.ElementInfo{}, err
	}
	return plan.ElementInfo{
		Tag:         strings.ToLower(n.Data),
		Type:        strings.ToLower(attr(n, "type")),
		Name:        attr(n, "name"),
		ID:          attr(n, "id"),
		AriaLabel:   attr(n, "aria-label"),
		Placeholder: attr(n, "placeholder"),
	}, nil
}

// TypeInto sets the value of an input or textarea and fires input and change.
func (p *Page) TypeInto(_ context.Context, selector, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.find(selector)
	if err != nil {
		return err
	}

	switch tag := strings.ToLower(n.Data); {
	case tag == "textarea":
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			n.RemoveChild(c)
			c = next
		}
		n.AppendChild(&html.Node{Type: html.TextNode, Data: value})
	case tag == "input" && isTextInput(n):
		setAttr(n, "value", value)
	default:
		return fmt.Errorf("element '%s' is not a supported text input type", selector)
	}

	p.dispatch("input", selector, value)
	p.dispatch("change", selector, value)
	return nil
}

// Click dispatches click and applies its default action: toggling
// checkboxes, selecting radios, submitting forms and following links.
func (p *Page) Click(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.find(selector)
	if err != nil {
		return err
	}
	p.dispatch("click", selector, "")

	tag := strings.ToLower(n.Data)
	inputType := strings.ToLower(attr(n, "type"))

	if tag == "a" {
		href := attr(n, "href")
		if href != "" && !strings.HasPrefix(strings.ToLower(href), "javascript:") {
			p.dispatch("navigate", selector, href)
		}
		return nil
	}
	if tag == "input" && inputType == "checkbox" {
		p.setChecked(n, !hasAttr(n, "checked"))
		p.dispatch("change", selector, "")
		return nil
	}
	if tag == "input" && inputType == "radio" {
		p.setChecked(n, true)
		p.dispatch("change", selector, "")
		return nil
	}

	isSubmit := (tag == "button" && (inputType == "submit" || inputType == "")) ||
		(tag == "input" && inputType == "submit")
	if isSubmit {
		if form := findParentForm(n); form != nil {
			p.submitForm(form, selector)
		}
	}
	return nil
}

// ScrollTo records a scroll; there is no layout to move.
func (p *Page) ScrollTo(_ context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.find(selector); err != nil {
		return err
	}
	p.dispatch("scroll", selector, "")
	return nil
}

// SetChecked sets the checked state of a checkbox or radio button.
func (p *Page) SetChecked(_ context.Context, selector string, checked bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.find(selector)
	if err != nil {
		return err
	}
	inputType := strings.ToLower(attr(n, "type"))
	if strings.ToLower(n.Data) != "input" || (inputType != "checkbox" && inputType != "radio") {
		return fmt.Errorf("element '%s' is not a checkbox or radio button", selector)
	}
	p.setChecked(n, checked)
	p.dispatch("change", selector, fmt.Sprint(checked))
	return nil
}

// SelectByValue selects the first option whose value equals value ignoring
// case, falling back to the first option whose text contains it.
func (p *Page) SelectByValue(_ context.Context, selector, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, options, err := p.selectOptions(selector)
	if err != nil {
		return err
	}

	want := strings.ToLower(strings.TrimSpace(value))
	match := -1
	for i, opt := range options {
		if strings.ToLower(optionValue(opt)) == want {
			match = i
			break
		}
	}
	if match == -1 && want != "" {
		for i, opt := range options {
			text := strings.ToLower(strings.TrimSpace(htmlquery.InnerText(opt)))
			if text != "" && (strings.Contains(text, want) || strings.Contains(want, text)) {
				match = i
				break
			}
		}
	}
	if match == -1 {
		return fmt.Errorf("Option not found for value: %s", value)
	}

	markSelected(options, match)
	p.dispatch("change", selector, optionValue(options[match]))
	return nil
}

// SelectByIndex selects the option at a 0-based position.
func (p *Page) SelectByIndex(_ context.Context, selector string, index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, options, err := p.selectOptions(selector)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(options) {
		return fmt.Errorf("Invalid option index: %d (select has %d options)", index, len(options))
	}
	markSelected(options, index)
	p.dispatch("change", selector, optionValue(options[index]))
	return nil
}

// PressEnter dispatches an Enter keydown. An Enter inside a form's text
// input submits the form, as browsers do.
func (p *Page) PressEnter(_ context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.find(selector)
	if err != nil {
		return err
	}
	p.dispatch("keydown", selector, "Enter")
	if strings.ToLower(n.Data) == "input" && isTextInput(n) {
		if form := findParentForm(n); form != nil {
			p.submitForm(form, selector)
		}
	}
	return nil
}

// Focus moves focus to the element.
func (p *Page) Focus(_ context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.find(selector)
	if err != nil {
		return err
	}
	p.focused = n
	p.dispatch("focus", selector, "")
	return nil
}

// Submit submits the form itself or the form enclosing the element.
func (p *Page) Submit(_ context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.find(selector)
	if err != nil {
		return err
	}
	form := n
	if strings.ToLower(n.Data) != "form" {
		form = findParentForm(n)
	}
	if form == nil {
		return fmt.Errorf("No form found to submit.")
	}
	p.submitForm(form, selector)
	return nil
}

// -- Inspection helpers --

// Value returns the current value of an input, textarea or select.
func (p *Page) Value(selector string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, err := p.find(selector)
	if err != nil {
		return "", err
	}
	return fieldValue(n), nil
}

// Checked reports whether a checkbox or radio is checked.
func (p *Page) Checked(selector string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, err := p.find(selector)
	if err != nil {
		return false, err
	}
	return hasAttr(n, "checked"), nil
}

// SelectedIndex returns the 0-based selected option, or -1.
func (p *Page) SelectedIndex(selector string) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, options, err := p.selectOptions(selector)
	if err != nil {
		return -1, err
	}
	for i, opt := range options {
		if hasAttr(opt, "selected") {
			return i, nil
		}
	}
	return -1, nil
}

// Focused reports whether selector resolves to the focused element.
func (p *Page) Focused(selector string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, err := p.find(selector)
	return err == nil && n == p.focused
}

// Events returns a copy of the event log.
func (p *Page) Events() []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Event(nil), p.events...)
}

// Submissions returns a copy of the form submissions.
func (p *Page) Submissions() []Submission {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Submission(nil), p.submissions...)
}

// -- Internals. Callers hold p.mu. --

func (p *Page) find(selector string) (*html.Node, error) {
	if p.doc == nil {
		return nil, fmt.Errorf("DOM is empty, cannot find element '%s': %w", selector, plan.ErrElementNotFound)
	}
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return nil, fmt.Errorf("empty selector: %w", plan.ErrElementNotFound)
	}

	var n *html.Node
	if isXPath(selector) {
		found, err := htmlquery.Query(p.doc, selector)
		if err != nil {
			return nil, fmt.Errorf("invalid XPath selector '%s': %w", selector, err)
		}
		n = found
	} else {
		sel, err := cascadia.Parse(selector)
		if err != nil {
			return nil, fmt.Errorf("invalid CSS selector '%s': %w", selector, err)
		}
		n = cascadia.Query(p.doc, sel)
	}
	if n == nil {
		return nil, fmt.Errorf("no element matches '%s': %w", selector, plan.ErrElementNotFound)
	}
	return n, nil
}

func (p *Page) dispatch(eventType, selector, detail string) {
	p.events = append(p.events, Event{Type: eventType, Selector: selector, Detail: detail})
	p.logger.Debug("Dispatched event",
		zap.String("type", eventType),
		zap.String("selector", selector))
}

func (p *Page) selectOptions(selector string) (*html.Node, []*html.Node, error) {
	n, err := p.find(selector)
	if err != nil {
		return nil, nil, err
	}
	if strings.ToLower(n.Data) != "select" {
		return nil, nil, fmt.Errorf("element '%s' is not a select element", selector)
	}
	options, err := htmlquery.QueryAll(n, ".//option")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query options for select element '%s': %w", selector, err)
	}
	return n, options, nil
}

func (p *Page) setChecked(n *html.Node, checked bool) {
	if !checked {
		removeAttr(n, "checked")
		return
	}
	if strings.ToLower(attr(n, "type")) != "radio" || attr(n, "name") == "" {
		setAttr(n, "checked", "checked")
		return
	}

	// Only one radio in a named group may be checked.
	root := findParentForm(n)
	if root == nil {
		root = n
		for root.Parent != nil {
			root = root.Parent
		}
	}
	name := attr(n, "name")
	walk(root, func(radio *html.Node) {
		if strings.ToLower(radio.Data) != "input" || strings.ToLower(attr(radio, "type")) != "radio" || attr(radio, "name") != name {
			return
		}
		if radio == n {
			setAttr(radio, "checked", "checked")
		} else {
			removeAttr(radio, "checked")
		}
	})
}

// walk visits every element below root in document order.
func walk(root *html.Node, visit func(*html.Node)) {
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			visit(c)
		}
		walk(c, visit)
	}
}

// submitForm serializes the form the way a browser would and records it.
func (p *Page) submitForm(form *html.Node, selector string) {
	method := strings.ToUpper(attr(form, "method"))
	if method != "POST" {
		method = "GET"
	}

	values := url.Values{}
	for _, field := range htmlquery.Find(form, ".//input | .//textarea | .//select") {
		name := attr(field, "name")
		if name == "" {
			continue
		}
		switch strings.ToLower(field.Data) {
		case "input":
			switch strings.ToLower(attr(field, "type")) {
			case "checkbox", "radio":
				if hasAttr(field, "checked") {
					value := attr(field, "value")
					if value == "" {
						value = "on"
					}
					values.Add(name, value)
				}
			case "submit", "button", "image", "reset", "file":
			default:
				values.Add(name, attr(field, "value"))
			}
		case "textarea":
			values.Add(name, htmlquery.InnerText(field))
		case "select":
			for _, opt := range htmlquery.Find(field, ".//option[@selected]") {
				values.Add(name, optionValue(opt))
			}
		}
	}

	p.submissions = append(p.submissions, Submission{Action: attr(form, "action"), Method: method, Values: values})
	p.dispatch("submit", selector, values.Encode())
}

func isXPath(selector string) bool {
	return strings.HasPrefix(selector, "/") || strings.HasPrefix(selector, "(")
}

func isTextInput(n *html.Node) bool {
	switch strings.ToLower(attr(n, "type")) {
	case "checkbox", "radio", "submit", "button", "image", "reset", "file", "hidden":
		return false
	}
	return true
}

func fieldValue(n *html.Node) string {
	switch strings.ToLower(n.Data) {
	case "textarea":
		return htmlquery.InnerText(n)
	case "select":
		for _, opt := range htmlquery.Find(n, ".//option[@selected]") {
			return optionValue(opt)
		}
		return ""
	}
	return attr(n, "value")
}

// optionValue is the value attribute, or the text when it is absent.
func optionValue(opt *html.Node) string {
	for _, a := range opt.Attr {
		if a.Key == "value" {
			return a.Val
		}
	}
	return strings.TrimSpace(htmlquery.InnerText(opt))
}

func markSelected(options []*html.Node, index int) {
	for i, opt := range options {
		if i == index {
			setAttr(opt, "selected", "selected")
		} else {
			removeAttr(opt, "selected")
		}
	}
}

func attr(n *html.Node, key string) string {
	return htmlquery.SelectAttr(n, key)
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func removeAttr(n *html.Node, key string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func findParentForm(n *html.Node) *html.Node {
	for f := n.Parent; f != nil; f = f.Parent {
		if f.Type == html.ElementNode && strings.ToLower(f.Data) == "form" {
			return f
		}
	}
	return nil
}
