package driver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antchfx/htmlquery"
	"go.uber.org/zap"
)

// HTMLSource is the part of a page the watcher reads.
type HTMLSource interface {
	HTML(ctx context.Context) (string, error)
}

// PageChangeSink receives the snapshots that differ from the last one.
type PageChangeSink interface {
	PageChange(ctx context.Context, html string) error
}

// RelevantContent reduces a document to its title and paragraph text. The
// paragraphs come from <main> when the page has one.
func RelevantContent(doc string) (string, error) {
	root, err := htmlquery.Parse(strings.NewReader(doc))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	title := ""
	if t := htmlquery.FindOne(root, "//title"); t != nil {
		title = strings.TrimSpace(htmlquery.InnerText(t))
	}

	scope := root
	if main := htmlquery.FindOne(root, "//main"); main != nil {
		scope = main
	}
	var paragraphs []string
	for _, p := range htmlquery.Find(scope, ".//p") {
		paragraphs = append(paragraphs, strings.TrimSpace(htmlquery.InnerText(p)))
	}
	return title + "\n" + strings.Join(paragraphs, "\n"), nil
}

// ContentHash is the hex SHA-256 of the relevant content.
func ContentHash(doc string) (string, error) {
	content, err := RelevantContent(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:]), nil
}

// Watcher polls a page and reports it whenever its relevant content changes.
type Watcher struct {
	source   HTMLSource
	sink     PageChangeSink
	interval time.Duration
	notify   atomic.Bool
	logger   *zap.Logger

	mu       sync.Mutex
	lastHash string
}

// NewWatcher creates a watcher with notifications on.
func NewWatcher(source HTMLSource, sink PageChangeSink, interval time.Duration, logger *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	w := &Watcher{
		source:   source,
		sink:     sink,
		interval: interval,
		logger:   logger.Named("watcher"),
	}
	w.notify.Store(true)
	return w
}

// SetNotify turns reporting on or off. Changes seen while off still move
// the baseline, so they are not reported later.
func (w *Watcher) SetNotify(on bool) { w.notify.Store(on) }

// Check compares the page against the last snapshot and reports it when
// it differs. It returns whether the content changed.
func (w *Watcher) Check(ctx context.Context) (bool, error) {
	doc, err := w.source.HTML(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read page: %w", err)
	}
	hash, err := ContentHash(doc)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	changed := hash != w.lastHash
	if changed {
		w.lastHash = hash
	}
	w.mu.Unlock()
	if !changed {
		return false, nil
	}

	w.logger.Debug("Page content changed", zap.String("hash", hash))
	if !w.notify.Load() {
		return true, nil
	}
	if err := w.sink.PageChange(ctx, doc); err != nil {
		return true, fmt.Errorf("failed to report page change: %w", err)
	}
	return true, nil
}

// Run checks immediately, then every interval, until ctx ends. Check
// failures are logged and polling continues.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.Check(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("Page check failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
