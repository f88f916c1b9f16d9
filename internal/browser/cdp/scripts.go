package cdp

import (
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
)

// Results reported by the in-page scripts.
const (
	scriptOK          = "ok"
	scriptMissing     = "missing"
	scriptUnsupported = "unsupported"
)

func isXPath(selector string) bool {
	s := strings.TrimSpace(selector)
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, "(")
}

func quote(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

// elementExpr is a JS expression evaluating to the element or null.
func elementExpr(selector string) string {
	if isXPath(selector) {
		return fmt.Sprintf(
			`document.evaluate(%s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue`,
			quote(selector))
	}
	return fmt.Sprintf(`document.querySelector(%s)`, quote(selector))
}

func wrap(selector, body string) string {
	return fmt.Sprintf(`(function() {
  const el = %s;
  if (!el) { return %q; }
%s
})()`, elementExpr(selector), scriptMissing, body)
}

func dispatchScript(selector string, events ...string) string {
	var b strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&b, "  el.dispatchEvent(new Event(%s, { bubbles: true }));\n", quote(ev))
	}
	fmt.Fprintf(&b, "  return %q;", scriptOK)
	return wrap(selector, b.String())
}

func setCheckedScript(selector string, checked bool) string {
	return wrap(selector, fmt.Sprintf(`  const t = (el.type || "").toLowerCase();
  if (el.tagName !== "INPUT" || (t !== "checkbox" && t !== "radio")) { return %q; }
  el.checked = %t;
  el.dispatchEvent(new Event("input", { bubbles: true }));
  el.dispatchEvent(new Event("change", { bubbles: true }));
  return %q;`, scriptUnsupported, checked, scriptOK))
}

// selectByValueScript returns the chosen index as a string, or a status.
func selectByValueScript(selector, value string) string {
	return wrap(selector, fmt.Sprintf(`  if (el.tagName !== "SELECT") { return %q; }
  const want = %s.trim().toLowerCase();
  const opts = Array.from(el.options);
  let idx = opts.findIndex(o => o.value.toLowerCase() === want);
  if (idx < 0 && want !== "") {
    idx = opts.findIndex(o => {
      const text = o.text.trim().toLowerCase();
      return text !== "" && (text.includes(want) || want.includes(text));
    });
  }
  if (idx < 0) { return "-1"; }
  el.selectedIndex = idx;
  el.dispatchEvent(new Event("change", { bubbles: true }));
  return String(idx);`, scriptUnsupported, quote(value)))
}

// selectByIndexScript returns the option count as a string, or a status.
func selectByIndexScript(selector string, index int) string {
	return wrap(selector, fmt.Sprintf(`  if (el.tagName !== "SELECT") { return %q; }
  const n = el.options.length;
  if (%d < 0 || %d >= n) { return String(n); }
  el.selectedIndex = %d;
  el.dispatchEvent(new Event("change", { bubbles: true }));
  return %q;`, scriptUnsupported, index, index, index, scriptOK))
}

func hasFormScript(selector string) string {
	return wrap(selector, fmt.Sprintf(`  const form = el.tagName === "FORM" ? el : el.form || el.closest("form");
  return form ? %q : %q;`, scriptOK, scriptUnsupported))
}
