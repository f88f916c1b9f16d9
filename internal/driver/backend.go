// Package driver connects a browser page to the assistant server: it
// reports page changes, forwards user prompts, and executes the plans the
// server publishes back over the conversation socket.
package driver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/saccessco/api/schemas"
)

const (
	pageChangePath = "/saccessco/page_change/"
	userPromptPath = "/saccessco/user_prompt/"
	socketPathFmt  = "/ws/saccessco/ai/%s/"

	maxSubmitAttempts = 3
)

// apiResponse mirrors the server's JSON envelope.
type apiResponse struct {
	Status  string              `json:"status"`
	Message string              `json:"message"`
	Error   string              `json:"error"`
	Errors  map[string][]string `json:"errors"`
}

// Backend submits page changes and prompts for one conversation.
type Backend struct {
	base           *url.URL
	conversationID string
	client         *http.Client
	logger         *zap.Logger
}

// NewBackend validates serverURL. A nil client gets a 30s timeout client.
func NewBackend(serverURL, conversationID string, client *http.Client, logger *zap.Logger) (*Backend, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", serverURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q must use http or https", serverURL)
	}
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Backend{
		base:           u,
		conversationID: conversationID,
		client:         client,
		logger:         logger.Named("backend"),
	}, nil
}

// ConversationID returns the conversation this backend talks to.
func (b *Backend) ConversationID() string { return b.conversationID }

// SocketURL is the conversation's websocket endpoint.
func (b *Backend) SocketURL() string {
	u := *b.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + fmt.Sprintf(socketPathFmt, url.PathEscape(b.conversationID))
	return u.String()
}

// PageChange submits a page snapshot.
func (b *Backend) PageChange(ctx context.Context, html string) error {
	b.logger.Debug("Sending page change", zap.Int("html_length", len(html)))
	return b.post(ctx, pageChangePath, schemas.PageChangeRequest{ConversationID: b.conversationID, HTML: html})
}

// UserPrompt submits something the user said.
func (b *Backend) UserPrompt(ctx context.Context, prompt string) error {
	b.logger.Debug("Sending user prompt", zap.String("prompt", prompt))
	return b.post(ctx, userPromptPath, schemas.UserPromptRequest{ConversationID: b.conversationID, Prompt: prompt})
}

// post retries transport failures and 5xx answers; a 4xx is final.
func (b *Backend) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	endpoint := strings.TrimRight(b.base.String(), "/") + path

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := b.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("request to %s failed: %w", path, err)
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		err = responseError(resp.StatusCode, raw)
		if resp.StatusCode >= 500 {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, maxSubmitAttempts-1), ctx))
}

func responseError(status int, raw []byte) error {
	var r apiResponse
	if err := json.Unmarshal(raw, &r); err == nil {
		if len(r.Errors) > 0 {
			parts := make([]string, 0, len(r.Errors))
			for _, field := range []string{"conversation_id", "html", "prompt"} {
				for _, msg := range r.Errors[field] {
					parts = append(parts, field+": "+msg)
				}
			}
			return fmt.Errorf("server rejected request (%d): %s", status, strings.Join(parts, "; "))
		}
		if r.Error != "" {
			return fmt.Errorf("server error (%d): %s", status, r.Error)
		}
	}
	return fmt.Errorf("server returned status %d", status)
}
