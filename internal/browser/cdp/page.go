package cdp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	cdproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/xkilldash9x/saccessco/internal/plan"
)

// Page is one live browser tab.
type Page struct {
	tabCtx        context.Context
	cancel        context.CancelFunc
	actionTimeout time.Duration
	logger        *zap.Logger
}

var _ plan.Page = (*Page)(nil)

func queryOption(selector string) chromedp.QueryOption {
	if isXPath(selector) {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}

// Close shuts the tab and the browser down.
func (p *Page) Close() error {
	p.cancel()
	return nil
}

// Navigate loads url and waits for the body.
func (p *Page) Navigate(ctx context.Context, url string) error {
	p.logger.Debug("Navigating to URL", zap.String("url", url))
	opCtx, cancel := combineContext(p.tabCtx, ctx)
	defer cancel()
	if err := chromedp.Run(opCtx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("navigation canceled: %w", ctx.Err())
		}
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

// HTML returns the outer HTML of the document element.
func (p *Page) HTML(ctx context.Context) (string, error) {
	var out string
	if err := p.run(ctx, chromedp.OuterHTML("html", &out, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read page HTML: %w", err)
	}
	return out, nil
}

// Describe looks the selector up without waiting.
func (p *Page) Describe(ctx context.Context, selector string) (plan.ElementInfo, error) {
	node, err := p.lookup(ctx, selector)
	if err != nil {
		return plan.ElementInfo{}, err
	}
	return plan.ElementInfo{
		Tag:         strings.ToLower(node.LocalName),
		Type:        strings.ToLower(node.AttributeValue("type")),
		Name:        node.AttributeValue("name"),
		ID:          node.AttributeValue("id"),
		AriaLabel:   node.AttributeValue("aria-label"),
		Placeholder: node.AttributeValue("placeholder"),
	}, nil
}

// TypeInto replaces the field value and fires input and change so
// framework listeners see the edit.
func (p *Page) TypeInto(ctx context.Context, selector, value string) error {
	info, err := p.Describe(ctx, selector)
	if err != nil {
		return err
	}
	if info.Tag != "input" && info.Tag != "textarea" {
		return fmt.Errorf("element '%s' is not a supported text input type", selector)
	}
	by := queryOption(selector)
	return p.act(ctx, "type", selector,
		chromedp.ScrollIntoView(selector, by),
		chromedp.WaitVisible(selector, by),
		chromedp.SetValue(selector, value, by),
		p.script(dispatchScript(selector, "input", "change"), selector),
	)
}

func (p *Page) Click(ctx context.Context, selector string) error {
	if _, err := p.lookup(ctx, selector); err != nil {
		return err
	}
	by := queryOption(selector)
	return p.act(ctx, "click", selector,
		chromedp.ScrollIntoView(selector, by),
		chromedp.WaitVisible(selector, by),
		chromedp.Click(selector, by),
	)
}

func (p *Page) ScrollTo(ctx context.Context, selector string) error {
	if _, err := p.lookup(ctx, selector); err != nil {
		return err
	}
	return p.act(ctx, "scroll", selector, chromedp.ScrollIntoView(selector, queryOption(selector)))
}

func (p *Page) SetChecked(ctx context.Context, selector string, checked bool) error {
	var res string
	if err := p.act(ctx, "check", selector, chromedp.Evaluate(setCheckedScript(selector, checked), &res)); err != nil {
		return err
	}
	switch res {
	case scriptOK:
		return nil
	case scriptMissing:
		return notFound(selector)
	default:
		return fmt.Errorf("element '%s' is not a checkbox or radio button", selector)
	}
}

func (p *Page) SelectByValue(ctx context.Context, selector, value string) error {
	var res string
	if err := p.act(ctx, "select", selector, chromedp.Evaluate(selectByValueScript(selector, value), &res)); err != nil {
		return err
	}
	switch res {
	case scriptMissing:
		return notFound(selector)
	case scriptUnsupported:
		return fmt.Errorf("element '%s' is not a select element", selector)
	case "-1":
		return fmt.Errorf("Option not found for value: %s", value)
	}
	return nil
}

func (p *Page) SelectByIndex(ctx context.Context, selector string, index int) error {
	var res string
	if err := p.act(ctx, "select", selector, chromedp.Evaluate(selectByIndexScript(selector, index), &res)); err != nil {
		return err
	}
	switch res {
	case scriptOK:
		return nil
	case scriptMissing:
		return notFound(selector)
	case scriptUnsupported:
		return fmt.Errorf("element '%s' is not a select element", selector)
	}
	n, _ := strconv.Atoi(res)
	return fmt.Errorf("Invalid option index: %d (select has %d options)", index, n)
}

// PressEnter focuses the element and sends a real Enter key event.
func (p *Page) PressEnter(ctx context.Context, selector string) error {
	if _, err := p.lookup(ctx, selector); err != nil {
		return err
	}
	return p.act(ctx, "enter", selector,
		chromedp.Focus(selector, queryOption(selector)),
		chromedp.KeyEvent(kb.Enter),
	)
}

func (p *Page) Focus(ctx context.Context, selector string) error {
	if _, err := p.lookup(ctx, selector); err != nil {
		return err
	}
	return p.act(ctx, "focus", selector, chromedp.Focus(selector, queryOption(selector)))
}

// Submit submits the form itself or the form enclosing the element.
func (p *Page) Submit(ctx context.Context, selector string) error {
	var res string
	if err := p.act(ctx, "submit", selector, chromedp.Evaluate(hasFormScript(selector), &res)); err != nil {
		return err
	}
	switch res {
	case scriptMissing:
		return notFound(selector)
	case scriptUnsupported:
		return errors.New("No form found to submit.")
	}
	return p.act(ctx, "submit", selector, chromedp.Submit(selector, queryOption(selector)))
}

// -- Internals --

func notFound(selector string) error {
	return fmt.Errorf("no element matches '%s': %w", selector, plan.ErrElementNotFound)
}

// lookup queries the current DOM once. A miss is ErrElementNotFound; a
// malformed selector is reported as is.
func (p *Page) lookup(ctx context.Context, selector string) (*cdproto.Node, error) {
	if strings.TrimSpace(selector) == "" {
		return nil, fmt.Errorf("empty selector: %w", plan.ErrElementNotFound)
	}
	var nodes []*cdproto.Node
	err := p.run(ctx, chromedp.Nodes(selector, &nodes, queryOption(selector), chromedp.AtLeast(0)))
	if err != nil {
		return nil, fmt.Errorf("failed to query '%s': %w", selector, err)
	}
	if len(nodes) == 0 {
		return nil, notFound(selector)
	}
	return nodes[0], nil
}

// script runs js and fails when the element vanished in between.
func (p *Page) script(js, selector string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var res string
		if err := chromedp.Evaluate(js, &res).Do(ctx); err != nil {
			return err
		}
		if res == scriptMissing {
			return notFound(selector)
		}
		return nil
	})
}

// act runs actions bounded by the action timeout.
func (p *Page) act(ctx context.Context, name, selector string, actions ...chromedp.Action) error {
	p.logger.Debug("Running browser action", zap.String("action", name), zap.String("selector", selector))
	actCtx, cancel := context.WithTimeout(ctx, p.actionTimeout)
	defer cancel()
	if err := p.run(actCtx, actions...); err != nil {
		if errors.Is(err, plan.ErrElementNotFound) {
			return err
		}
		if actCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return fmt.Errorf("%s action timed out after %s for selector '%s': %w", name, p.actionTimeout, selector, err)
		}
		return fmt.Errorf("%s action failed for selector '%s': %w", name, selector, err)
	}
	return nil
}

func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	opCtx, cancel := combineContext(p.tabCtx, ctx)
	defer cancel()
	return chromedp.Run(opCtx, actions...)
}
