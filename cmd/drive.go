package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/saccessco/internal/browser/cdp"
	"github.com/xkilldash9x/saccessco/internal/config"
	"github.com/xkilldash9x/saccessco/internal/driver"
	"github.com/xkilldash9x/saccessco/internal/observability"
	"github.com/xkilldash9x/saccessco/internal/plan"
)

// browserPage is a plan.Page that also owns a navigable browser.
type browserPage interface {
	plan.Page
	Navigate(ctx context.Context, url string) error
	Close() error
}

// Replaced in tests.
var (
	launchBrowser = func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (browserPage, error) {
		return cdp.Launch(ctx, cfg, logger)
	}
	consoleIn io.Reader = os.Stdin
)

func newDriveCmd() *cobra.Command {
	var (
		startURL       string
		conversationID string
		serverURL      string
		headless       bool
	)

	cmd := &cobra.Command{
		Use:   "drive",
		Short: "Open a browser and let the assistant operate it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("url") {
				cfg.SetDriverStartURL(startURL)
			}
			if flags.Changed("conversation") {
				cfg.SetDriverConversationID(conversationID)
			}
			if flags.Changed("server") {
				cfg.SetDriverServerURL(serverURL)
			}
			if flags.Changed("headless") {
				cfg.SetBrowserHeadless(headless)
			}
			if cfg.Driver().ConversationID == "" {
				cfg.SetDriverConversationID(uuid.NewString())
			}

			return runDrive(ctx, cfg, consoleIn, cmd.OutOrStdout(), observability.GetLogger())
		},
	}
	cmd.Flags().StringVar(&startURL, "url", "", "page to open first")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id (default: a new uuid)")
	cmd.Flags().StringVar(&serverURL, "server", "", "backend base URL")
	cmd.Flags().BoolVar(&headless, "headless", false, "run the browser without a window")
	return cmd
}

func runDrive(ctx context.Context, cfg config.Interface, in io.Reader, out io.Writer, logger *zap.Logger) error {
	dcfg := cfg.Driver()
	fmt.Fprintf(out, "Conversation %s. Type a request and press Enter.\n", dcfg.ConversationID)

	page, err := launchBrowser(ctx, cfg.Browser(), logger)
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	defer page.Close()

	if dcfg.StartURL != "" {
		if err := page.Navigate(ctx, dcfg.StartURL); err != nil {
			return err
		}
	}

	console := driver.NewConsoleChannel(in, out)
	d, err := driver.New(dcfg, page, console, driver.Options{Prompts: console.Prompts()}, logger)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}
