package cdp

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/saccessco/internal/config"
)

func TestAllocatorFlags(t *testing.T) {
	t.Run("headless defaults", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{Headless: true})
		assert.Equal(t, true, flags["headless"])
		assert.Equal(t, true, flags["disable-gpu"])
		assert.NotContains(t, flags, "window-size")
		assert.NotContains(t, flags, "user-data-dir")
	})

	t.Run("headed with profile and window", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{
			Headless:     false,
			UserDataDir:  "/tmp/profile",
			WindowWidth:  1280,
			WindowHeight: 800,
		})
		assert.Equal(t, false, flags["headless"])
		assert.Equal(t, "1280,800", flags["window-size"])
		assert.Equal(t, "/tmp/profile", flags["user-data-dir"])
	})

	t.Run("sandbox flags on linux", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{})
		_, ok := flags["no-sandbox"]
		assert.Equal(t, runtime.GOOS == "linux", ok)
	})
}

func TestAllocatorOptions(t *testing.T) {
	cfg := config.BrowserConfig{Headless: true, WindowWidth: 800, WindowHeight: 600}
	opts := AllocatorOptions(cfg)
	assert.Len(t, opts, len(chromedp.DefaultExecAllocatorOptions)+len(allocatorFlags(cfg)))
}

func TestElementExpr(t *testing.T) {
	assert.Equal(t, `document.querySelector("#q")`, elementExpr("#q"))
	assert.Equal(t,
		`document.evaluate("//input[@name=\"q\"]", document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue`,
		elementExpr(`//input[@name="q"]`))
	assert.Contains(t, elementExpr("(//a)[2]"), "document.evaluate")
}

func TestScripts(t *testing.T) {
	t.Run("dispatch lists each event", func(t *testing.T) {
		js := dispatchScript("#q", "input", "change")
		assert.Contains(t, js, `new Event("input"`)
		assert.Contains(t, js, `new Event("change"`)
		assert.Contains(t, js, `return "missing"`)
	})

	t.Run("values are quoted", func(t *testing.T) {
		js := selectByValueScript("select[name='to']", `O"Hare`)
		assert.Contains(t, js, `"O\"Hare"`)
		assert.Contains(t, js, `document.querySelector("select[name='to']")`)
	})

	t.Run("index bounds", func(t *testing.T) {
		js := selectByIndexScript("#s", 3)
		assert.Contains(t, js, "if (3 < 0 || 3 >= n)")
		assert.Contains(t, js, "el.selectedIndex = 3;")
	})

	t.Run("checked state", func(t *testing.T) {
		assert.Contains(t, setCheckedScript("#c", false), "el.checked = false;")
		assert.Contains(t, setCheckedScript("#c", true), "el.checked = true;")
	})
}

func TestCombineContext(t *testing.T) {
	tab, cancelTab := context.WithCancel(context.Background())
	defer cancelTab()
	op, cancelOp := context.WithCancel(context.Background())

	combined, cancel := combineContext(tab, op)
	defer cancel()

	cancelOp()
	select {
	case <-combined.Done():
	case <-time.After(time.Second):
		require.Fail(t, "combined context was not cancelled by the operation context")
	}
	assert.NoError(t, tab.Err(), "cancelling the operation must not close the tab")
}
