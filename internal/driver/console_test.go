package driver

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for the console's concurrent writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newConsole(t *testing.T) (*ConsoleChannel, *io.PipeWriter, *syncBuffer) {
	t.Helper()
	r, w := io.Pipe()
	out := &syncBuffer{}
	c := NewConsoleChannel(r, out)
	t.Cleanup(func() {
		w.Close()
		for range c.Prompts() {
		}
	})
	return c, w, out
}

func typeLine(t *testing.T, w io.Writer, line string) {
	t.Helper()
	_, err := io.WriteString(w, line+"\n")
	require.NoError(t, err)
}

func TestConsoleChannel_Say(t *testing.T) {
	c, _, out := newConsole(t)
	require.NoError(t, c.Say(context.Background(), "Searching."))
	assert.Equal(t, "Saccessco: Searching.\n", out.String())
}

func TestConsoleChannel_LinesBecomePrompts(t *testing.T) {
	c, w, _ := newConsole(t)
	go func() {
		io.WriteString(w, "book a flight\n\nto Lisbon\n")
	}()

	assert.Equal(t, "book a flight", <-c.Prompts())
	assert.Equal(t, "to Lisbon", <-c.Prompts(), "blank lines are skipped")
}

func TestConsoleChannel_Confirm(t *testing.T) {
	for _, tt := range []struct {
		answer string
		want   bool
	}{
		{"y", true},
		{" YES ", true},
		{"n", false},
		{"", false},
	} {
		t.Run(tt.answer, func(t *testing.T) {
			c, w, out := newConsole(t)
			got := make(chan bool, 1)
			go func() {
				ok, err := c.Confirm(context.Background(), "password")
				assert.NoError(t, err)
				got <- ok
			}()

			require.Eventually(t, func() bool {
				return strings.Contains(out.String(), "Do you want to fill in password? [y/N]: ")
			}, time.Second, time.Millisecond)
			typeLine(t, w, tt.answer)
			assert.Equal(t, tt.want, <-got)
		})
	}
}

func TestConsoleChannel_CollectSpelled(t *testing.T) {
	c, w, out := newConsole(t)
	got := make(chan string, 1)
	go func() {
		v, err := c.Collect(context.Background(), "username", true)
		assert.NoError(t, err)
		got <- v
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Please spell username")
	}, time.Second, time.Millisecond)
	typeLine(t, w, "j o e")
	assert.Equal(t, "j o e", <-got)
}

func TestConsoleChannel_CollectTimesOut(t *testing.T) {
	c, w, _ := newConsole(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Collect(ctx, "code", false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A late answer is a prompt again.
	go io.WriteString(w, "hello\n")
	assert.Equal(t, "hello", <-c.Prompts())
}

func TestConsoleChannel_EOF(t *testing.T) {
	c, w, _ := newConsole(t)
	require.NoError(t, w.Close())

	_, open := <-c.Prompts()
	assert.False(t, open)

	_, err := c.Confirm(context.Background(), "password")
	assert.ErrorIs(t, err, io.EOF)
}
