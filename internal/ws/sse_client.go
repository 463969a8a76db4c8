package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// SSEClient writes Server-Sent Events to an HTTP response. Frames carry the
// configured event name so browsers can route them with addEventListener.
type SSEClient struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	event   string
	log     *slog.Logger
	closed  bool
}

// NewSSEClient builds an SSE client emitting frames named event. An empty
// event name emits default "message" frames.
func NewSSEClient(writer io.Writer, flusher http.Flusher, event string, logger *slog.Logger) *SSEClient {
	return &SSEClient{writer: writer, flusher: flusher, event: event, log: logger}
}

// Open sends the reconnect hint and an initial comment so proxies commit
// the response headers.
func (c *SSEClient) Open(retryMillis int) error {
	return c.write(fmt.Sprintf("retry: %d\n: connected\n\n", retryMillis))
}

// Send emits a data frame.
func (c *SSEClient) Send(payload []byte) error {
	frame := fmt.Sprintf("data: %s\n\n", payload)
	if c.event != "" {
		frame = fmt.Sprintf("event: %s\n%s", c.event, frame)
	}
	return c.write(frame)
}

// Heartbeat emits a comment frame to keep the connection alive.
func (c *SSEClient) Heartbeat() error {
	return c.write(": ping\n\n")
}

// Close marks the stream as closed; later writes return io.EOF.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *SSEClient) write(frame string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := io.WriteString(c.writer, frame); err != nil {
		c.closed = true
		c.log.Warn("sse write failed", "error", err)
		return err
	}
	c.flusher.Flush()
	return nil
}
