package driver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/saccessco/api/schemas"
	"github.com/xkilldash9x/saccessco/internal/config"
	"github.com/xkilldash9x/saccessco/internal/plan"
)

const (
	writeWait      = 10 * time.Second
	responseBuffer = 16
)

// inboundFrame covers everything the server sends on the socket.
type inboundFrame struct {
	Type       schemas.MessageType `json:"type"`
	AIResponse json.RawMessage     `json:"ai_response"`
	Message    string              `json:"message"`
}

// Options carries the optional collaborators of a Driver.
type Options struct {
	// Prompts, when set, are forwarded to the server as user prompts.
	Prompts <-chan string
	// HTTPClient is used for page change and prompt submissions.
	HTTPClient *http.Client
	// Dialer opens the conversation socket.
	Dialer *websocket.Dialer
}

// Driver runs plans from one conversation against one page.
type Driver struct {
	cfg      config.DriverConfig
	page     plan.Page
	user     plan.UserChannel
	executor *plan.Executor
	backend  *Backend
	watcher  *Watcher
	prompts  <-chan string
	dialer   *websocket.Dialer
	clientID string
	logger   *zap.Logger

	writeMu sync.Mutex
}

// New wires a driver for cfg.ConversationID.
func New(cfg config.DriverConfig, page plan.Page, user plan.UserChannel, opts Options, logger *zap.Logger) (*Driver, error) {
	logger = logger.Named("driver").With(zap.String("conversation_id", cfg.ConversationID))
	backend, err := NewBackend(cfg.ServerURL, cfg.ConversationID, opts.HTTPClient, logger)
	if err != nil {
		return nil, err
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Driver{
		cfg:  cfg,
		page: page,
		user: user,
		executor: plan.NewExecutor(page, user, plan.Options{
			WaitTimeout:    cfg.WaitTimeout,
			ConfirmTimeout: cfg.ConfirmTimeout,
		}, logger),
		backend:  backend,
		watcher:  NewWatcher(page, backend, cfg.PollInterval, logger),
		prompts:  opts.Prompts,
		dialer:   dialer,
		clientID: uuid.NewString(),
		logger:   logger,
	}, nil
}

// Watcher exposes the page watcher, for toggling notifications.
func (d *Driver) Watcher() *Watcher { return d.watcher }

// Run serves the socket, the watcher and the prompt forwarder until ctx
// ends or the socket cannot be re-established.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.Info("Driver starting.", zap.String("server", d.cfg.ServerURL), zap.String("client_id", d.clientID))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.socketLoop(gctx) })
	g.Go(func() error { return d.watcher.Run(gctx) })
	if d.prompts != nil {
		g.Go(func() error { return d.forwardPrompts(gctx) })
	}
	err := g.Wait()
	d.logger.Info("Driver stopped.")
	return err
}

// socketLoop keeps the conversation socket connected. The attempt counter
// resets after every successful connection.
func (d *Driver) socketLoop(ctx context.Context) error {
	attempts := 0
	for {
		conn, _, err := d.dialer.DialContext(ctx, d.backend.SocketURL(), nil)
		if err == nil {
			attempts = 0
			d.logger.Info("WebSocket connected.")
			err = d.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return nil
		}

		attempts++
		if attempts > d.cfg.ReconnectAttempts {
			return fmt.Errorf("giving up on websocket after %d attempts: %w", attempts, err)
		}
		d.logger.Warn("WebSocket unavailable, reconnecting.",
			zap.Error(err),
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", d.cfg.ReconnectAttempts))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.cfg.ReconnectDelay):
		}
	}
}

// serve greets the server, then reads frames and hands AI responses to a
// single worker so plans run in arrival order.
func (d *Driver) serve(ctx context.Context, conn *websocket.Conn) error {
	if err := d.write(conn, schemas.ClientFrame{Type: schemas.MsgTypeClientHello, ClientID: d.clientID}); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send client hello: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	work := make(chan json.RawMessage, responseBuffer)

	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})
	g.Go(func() error {
		defer close(work)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("websocket read failed: %w", err)
			}
			var frame inboundFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				d.logger.Warn("Discarding undecodable frame", zap.Error(err))
				continue
			}
			switch frame.Type {
			case schemas.MsgTypeAIResponse:
				select {
				case work <- frame.AIResponse:
				case <-gctx.Done():
					return gctx.Err()
				}
			case schemas.MsgTypeError:
				d.logger.Warn("Server rejected a frame", zap.String("message", frame.Message))
			default:
				d.logger.Debug("Ignoring frame", zap.String("type", string(frame.Type)))
			}
		}
	})
	g.Go(func() error {
		for raw := range work {
			d.handleAIResponse(gctx, conn, raw)
		}
		return nil
	})

	err := g.Wait()
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		d.logger.Info("WebSocket closed by server.", zap.Int("code", closeErr.Code))
	}
	return err
}

// handleAIResponse speaks the reply and runs its plan. A parse error is
// spoken as is.
func (d *Driver) handleAIResponse(ctx context.Context, conn *websocket.Conn, raw json.RawMessage) {
	resp, parseErr, err := schemas.DecodeAIResponse(raw)
	if err != nil {
		d.logger.Warn("Discarding malformed ai_response", zap.Error(err))
		return
	}
	if parseErr != nil {
		d.logger.Warn("Server reported a parse error", zap.String("error", parseErr.Error), zap.String("details", parseErr.Details))
		d.say(ctx, parseErr.Error)
		return
	}

	if resp.Speak != "" {
		d.say(ctx, resp.Speak)
	}
	if resp.Execute.Empty() {
		return
	}

	result := d.executor.Execute(ctx, resp.Execute)
	d.logger.Info("Plan finished",
		zap.String("status", string(result.Status)),
		zap.Int("steps", len(resp.Execute.Plan)),
		zap.Int("attempted", len(result.Results)))
	if result.Status == schemas.PlanFailed && len(result.Results) > 0 {
		d.say(ctx, "Error during plan execution: "+result.Results[len(result.Results)-1].ErrorMessage())
	}
	if err := d.write(conn, schemas.ClientFrame{Type: schemas.MsgTypePlanResult, ClientID: d.clientID, Result: &result}); err != nil {
		d.logger.Warn("Failed to send plan result", zap.Error(err))
	}
}

func (d *Driver) say(ctx context.Context, msg string) {
	if err := d.user.Say(ctx, msg); err != nil {
		d.logger.Warn("Failed to speak to user", zap.Error(err))
	}
}

func (d *Driver) write(conn *websocket.Conn, frame schemas.ClientFrame) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// forwardPrompts submits each prompt line until the source closes.
func (d *Driver) forwardPrompts(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case prompt, ok := <-d.prompts:
			if !ok {
				return nil
			}
			if err := d.backend.UserPrompt(ctx, prompt); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				d.logger.Warn("Failed to send user prompt", zap.Error(err))
				d.say(ctx, "Sorry, I could not send that: "+err.Error())
			}
		}
	}
}
