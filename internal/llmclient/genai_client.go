package llmclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/saccessco/api/schemas"
	"github.com/xkilldash9x/saccessco/internal/config"
)

// GenAIClient implements schemas.LLMClient on top of the official genai SDK.
// Setting a project selects the Vertex AI backend; otherwise the Gemini API
// backend is used with the configured key.
type GenAIClient struct {
	client *genai.Client
	model  string
	config config.LLMConfig
	logger *zap.Logger
}

// NewGenAIClient constructs the SDK client. A non-empty cfg.Endpoint
// replaces the service base URL.
func NewGenAIClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*GenAIClient, error) {
	cc := &genai.ClientConfig{}
	if cfg.Project != "" {
		cc.Backend = genai.BackendVertexAI
		cc.Project = cfg.Project
		cc.Location = cfg.Location
	} else {
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("genai provider needs an API key or a Vertex AI project")
		}
		cc.Backend = genai.BackendGeminiAPI
		cc.APIKey = cfg.APIKey
	}
	if cfg.Endpoint != "" {
		cc.HTTPOptions.BaseURL = cfg.Endpoint
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GenAIClient{
		client: client,
		model:  cfg.Model,
		config: cfg,
		logger: logger.Named("llm_client.genai"),
	}, nil
}

// Generate runs one GenerateContent call under the retry policy.
func (c *GenAIClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	contents := toGenAIContents(req.History)
	genConfig := c.buildConfig(req)

	var text string
	attempt := 0
	operation := func() error {
		attempt++
		callCtx := ctx
		if c.config.APITimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.config.APITimeout)
			defer cancel()
		}

		start := time.Now()
		resp, err := c.client.Models.GenerateContent(callCtx, c.model, contents, genConfig)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return classifyGenAIError(err)
		}

		text = resp.Text()
		if text == "" {
			return backoff.Permanent(errors.New("genai returned an empty response"))
		}

		fields := []zap.Field{zap.Duration("duration", time.Since(start)), zap.Int("attempt", attempt)}
		if u := resp.UsageMetadata; u != nil {
			fields = append(fields,
				zap.Int32("prompt_tokens", u.PromptTokenCount),
				zap.Int32("completion_tokens", u.CandidatesTokenCount),
				zap.Int32("total_tokens", u.TotalTokenCount),
			)
		}
		c.logger.Info("LLM generation complete (genai)", fields...)
		return nil
	}

	if err := retry(ctx, c.config.Retry, operation); err != nil {
		return "", err
	}
	return text, nil
}

// Close is a no-op; the SDK client has nothing to release.
func (c *GenAIClient) Close() error { return nil }

func (c *GenAIClient) buildConfig(req schemas.GenerationRequest) *genai.GenerateContentConfig {
	gc := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Options.Temperature)),
	}
	topP := c.config.TopP
	if req.Options.TopP > 0 {
		topP = float32(req.Options.TopP)
	}
	if topP > 0 {
		gc.TopP = genai.Ptr(topP)
	}
	topK := c.config.TopK
	if req.Options.TopK > 0 {
		topK = req.Options.TopK
	}
	if topK > 0 {
		gc.TopK = genai.Ptr(float32(topK))
	}
	if c.config.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(c.config.MaxTokens)
	}
	if req.Options.ForceJSONFormat {
		gc.ResponseMIMEType = "application/json"
	}
	if req.SystemPrompt != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	categories := make([]string, 0, len(c.config.SafetyFilters))
	for category := range c.config.SafetyFilters {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	for _, category := range categories {
		gc.SafetySettings = append(gc.SafetySettings, &genai.SafetySetting{
			Category:  genai.HarmCategory(category),
			Threshold: genai.HarmBlockThreshold(c.config.SafetyFilters[category]),
		})
	}
	return gc
}

// toGenAIContents applies the same role folding as the REST client.
func toGenAIContents(history []schemas.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	lastRole := ""
	var parts []*genai.Part

	flush := func() {
		if len(parts) == 0 {
			return
		}
		var role genai.Role = genai.RoleUser
		if lastRole == "model" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromParts(parts, role))
		parts = nil
	}

	for _, m := range history {
		role := geminiRole(m.Role)
		if role != lastRole {
			flush()
			lastRole = role
		}
		parts = append(parts, genai.NewPartFromText(m.Content))
	}
	flush()
	return contents
}

// classifyGenAIError marks SDK errors permanent unless the status code is
// one worth retrying. Errors without a status are treated as transport
// failures and retried.
func classifyGenAIError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if retryableStatus(apiErr.Code) {
			return err
		}
		return backoff.Permanent(err)
	}
	return err
}
