// Package cdp drives a live Chrome tab over the DevTools protocol and
// exposes it as a plan.Page.
package cdp

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/saccessco/internal/config"
)

const (
	defaultActionTimeout = 10 * time.Second
	launchTimeout        = 30 * time.Second
)

// allocatorFlags translates the browser config into command line flags.
func allocatorFlags(cfg config.BrowserConfig) map[string]interface{} {
	flags := map[string]interface{}{
		"headless":              cfg.Headless,
		"disable-gpu":           cfg.Headless,
		"disable-dev-shm-usage": true,
		"disable-extensions":    true,
		"hide-scrollbars":       cfg.Headless,
		"mute-audio":            true,
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		flags["window-size"] = fmt.Sprintf("%d,%d", cfg.WindowWidth, cfg.WindowHeight)
	}
	if cfg.UserDataDir != "" {
		flags["user-data-dir"] = cfg.UserDataDir
	}
	// Containers rarely allow the setuid sandbox.
	if runtime.GOOS == "linux" {
		flags["no-sandbox"] = true
		flags["disable-setuid-sandbox"] = true
	}
	return flags
}

// AllocatorOptions starts from the chromedp defaults and layers the
// configured flags on top, in a stable order.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	flags := allocatorFlags(cfg)
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	for _, name := range names {
		opts = append(opts, chromedp.Flag(name, flags[name]))
	}
	return opts
}

// Launch starts a browser and opens a single tab on it. The returned Page
// owns the browser process until Close.
func Launch(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Page, error) {
	log := logger.Named("cdp")
	log.Info("Initializing browser allocator...", zap.Bool("headless", cfg.Headless))

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, AllocatorOptions(cfg)...)

	ctxOpts := []chromedp.ContextOption{chromedp.WithErrorf(log.Sugar().Errorf)}
	if cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithLogf(log.Sugar().Debugf), chromedp.WithDebugf(log.Sugar().Debugf))
	}
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, ctxOpts...)

	// The first Run starts the process; bound it so a broken install fails fast.
	startCtx, cancelStart := context.WithTimeout(tabCtx, launchTimeout)
	defer cancelStart()
	if err := chromedp.Run(startCtx, chromedp.Navigate("about:blank")); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("browser failed to start or respond: %w", err)
	}

	timeout := cfg.ActionTimeout
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	log.Info("Browser launched successfully and is responsive.")
	return &Page{
		tabCtx:        tabCtx,
		cancel:        func() { tabCancel(); allocCancel() },
		actionTimeout: timeout,
		logger:        log,
	}, nil
}

// combineContext derives from the tab context and is also cancelled when
// the caller's context ends.
func combineContext(tabCtx, opCtx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(tabCtx)
	go func() {
		select {
		case <-opCtx.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}
