package driver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/xkilldash9x/saccessco/internal/plan"
)

// ConsoleChannel is a line-based UserChannel. A line typed while a question
// is open answers it; any other line is a prompt for the assistant.
type ConsoleChannel struct {
	outMu sync.Mutex
	out   io.Writer

	askMu sync.Mutex // one question at a time

	mu      sync.Mutex
	answer  chan string
	closed  bool
	prompts chan string
}

var _ plan.UserChannel = (*ConsoleChannel)(nil)

// NewConsoleChannel starts reading in until EOF.
func NewConsoleChannel(in io.Reader, out io.Writer) *ConsoleChannel {
	c := &ConsoleChannel{out: out, prompts: make(chan string, 16)}
	go c.read(in)
	return c
}

// Prompts yields the lines that were not answers. It is closed at EOF.
func (c *ConsoleChannel) Prompts() <-chan string { return c.prompts }

func (c *ConsoleChannel) read(in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		c.mu.Lock()
		a := c.answer
		c.answer = nil
		c.mu.Unlock()
		if a != nil {
			a <- line
			continue
		}
		if strings.TrimSpace(line) != "" {
			c.prompts <- line
		}
	}

	c.mu.Lock()
	c.closed = true
	if c.answer != nil {
		close(c.answer)
		c.answer = nil
	}
	c.mu.Unlock()
	close(c.prompts)
}

func (c *ConsoleChannel) printf(format string, args ...any) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, err := fmt.Fprintf(c.out, format, args...)
	return err
}

// Say prints msg as the assistant.
func (c *ConsoleChannel) Say(_ context.Context, msg string) error {
	return c.printf("Saccessco: %s\n", msg)
}

// Confirm accepts y or yes.
func (c *ConsoleChannel) Confirm(ctx context.Context, field string) (bool, error) {
	line, err := c.ask(ctx, fmt.Sprintf("Do you want to fill in %s? [y/N]: ", field))
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// Collect returns the raw line; de-spacing spelled input is the caller's job.
func (c *ConsoleChannel) Collect(ctx context.Context, field string, spelled bool) (string, error) {
	question := fmt.Sprintf("Please enter %s: ", field)
	if spelled {
		question = fmt.Sprintf("Please spell %s, one character at a time separated by spaces: ", field)
	}
	return c.ask(ctx, question)
}

func (c *ConsoleChannel) ask(ctx context.Context, question string) (string, error) {
	c.askMu.Lock()
	defer c.askMu.Unlock()

	a := make(chan string, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", io.EOF
	}
	c.answer = a
	c.mu.Unlock()

	if err := c.printf("%s", question); err != nil {
		c.withdraw(a)
		return "", err
	}

	select {
	case line, ok := <-a:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-ctx.Done():
		c.withdraw(a)
		return "", ctx.Err()
	}
}

func (c *ConsoleChannel) withdraw(a chan string) {
	c.mu.Lock()
	if c.answer == a {
		c.answer = nil
	}
	c.mu.Unlock()
}
