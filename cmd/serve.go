package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/saccessco/api/schemas"
	"github.com/xkilldash9x/saccessco/internal/config"
	"github.com/xkilldash9x/saccessco/internal/conversation"
	"github.com/xkilldash9x/saccessco/internal/hub"
	"github.com/xkilldash9x/saccessco/internal/llmclient"
	"github.com/xkilldash9x/saccessco/internal/observability"
	"github.com/xkilldash9x/saccessco/internal/pagehtml"
	"github.com/xkilldash9x/saccessco/internal/scenario"
	"github.com/xkilldash9x/saccessco/internal/server"
	"github.com/xkilldash9x/saccessco/internal/store"
)

// Replaced in tests.
var newLLMClient = llmclient.NewClient

func newServeCmd() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant backend (HTTP and WebSocket)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.ServerCfg.ListenAddr = listenAddr
			}

			logger := observability.GetLogger()
			srv, err := buildServer(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "address to listen on (overrides server.listen_addr)")
	return cmd
}

// buildServer wires the LLM client, the hub, the optional transcript store
// and the conversation registry into an HTTP server.
func buildServer(ctx context.Context, cfg config.Interface, logger *zap.Logger) (srv *server.Server, err error) {
	client, err := newLLMClient(ctx, cfg.LLM(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	defer func() {
		if c, ok := client.(io.Closer); ok && err != nil {
			_ = c.Close()
		}
	}()

	preamble, err := loadPreamble(cfg.Conversation().SystemPromptFile)
	if err != nil {
		return nil, err
	}
	catalog, err := scenario.Builtin(cfg.Conversation().TestPromptPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to load test scenarios: %w", err)
	}

	recorder, err := store.Open(ctx, cfg.Database(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript store: %w", err)
	}

	h := hub.New(logger, 0)
	opts := conversation.Options{
		Preamble: preamble,
		Generation: schemas.GenerationOptions{
			Temperature:     float64(cfg.LLM().Temperature),
			TopP:            float64(cfg.LLM().TopP),
			TopK:            cfg.LLM().TopK,
			ForceJSONFormat: true,
		},
		QueueSize: cfg.Conversation().QueueSize,
		Trimmer:   pagehtml.NewTrimmer(cfg.Conversation().PageTokenBudget),
		Scenarios: catalog,
	}
	if recorder != nil {
		opts.Recorder = recorder
	}
	registry := conversation.NewRegistry(client, h, opts, logger)

	srv = server.New(cfg.Server(), registry, h, logger)
	if recorder != nil {
		srv.CloseOnShutdown("transcript store", recorder)
	}
	logger.Info("Backend assembled.",
		zap.String("llm_provider", string(cfg.LLM().Provider)),
		zap.String("llm_model", cfg.LLM().Model),
		zap.String("database_driver", cfg.Database().Driver),
		zap.Strings("test_scenarios", catalog.Names()))
	return srv, nil
}

// loadPreamble reads the system prompt file, or returns the built-in one.
func loadPreamble(path string) (string, error) {
	if path == "" {
		return conversation.DefaultPreamble, nil
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("invalid system prompt path %q: %w", path, err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return "", fmt.Errorf("failed to read system prompt: %w", err)
	}
	return string(data), nil
}
