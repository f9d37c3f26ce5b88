package channel

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"chatbridge/internal/bus"
	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
)

// adapterCore holds the listener registry, dispatcher and lifecycle state
// shared by the Slack, Telegram, Discord and WebChat adapters.
type adapterCore struct {
	name       string
	registry   *bus.Registry
	dispatcher *bus.Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Collector

	closing  atomic.Bool
	mu       sync.Mutex
	cancel   context.CancelFunc
	shutdown sync.Once
}

func newAdapterCore(name string, maxConcurrent int, logger *slog.Logger, m *metrics.Collector) *adapterCore {
	if logger == nil {
		logger = slog.Default()
	}
	registry := bus.NewRegistry(logger)
	return &adapterCore{
		name:       name,
		registry:   registry,
		dispatcher: bus.NewDispatcher(registry, maxConcurrent, logger),
		logger:     logger,
		metrics:    m,
	}
}

func (c *adapterCore) Name() string { return c.name }

func (c *adapterCore) RegisterListener(kind domain.EventKind, listener domain.Listener) {
	c.registry.On(kind, listener)
}

func (c *adapterCore) UnregisterListener(kind domain.EventKind) {
	c.registry.Off(kind)
}

// begin derives the context Run serves under. ok is false once Shutdown has
// run, in which case Run should return immediately.
func (c *adapterCore) begin(ctx context.Context) (context.Context, context.CancelFunc, bool) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	if c.closing.Load() {
		cancel()
		return ctx, cancel, false
	}
	return ctx, cancel, true
}

// deliver hands ev to the registered listener.
func (c *adapterCore) deliver(ctx context.Context, ev domain.Event, adapter domain.Adapter) bus.Outcome {
	if c.closing.Load() {
		c.metrics.RecordDropped(c.name, "shutdown")
		return bus.Closed
	}
	ev.Adapter = c.name
	c.metrics.RecordEvent(c.name, ev.Kind.String())
	out := c.dispatcher.Dispatch(ctx, ev, adapter)
	if out != bus.Dispatched {
		c.metrics.RecordDropped(c.name, out.String())
	}
	return out
}

// stop refuses new events, waits for running listeners until ctx ends and
// cancels Run. Only the first call has an effect.
func (c *adapterCore) stop(ctx context.Context, teardown func()) error {
	var err error
	c.shutdown.Do(func() {
		c.closing.Store(true)
		err = c.dispatcher.Close(ctx)

		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Unlock()
		if teardown != nil {
			teardown()
		}
		c.logger.Info("adapter stopped", "adapter", c.name)
	})
	return err
}

// splitMessage splits a message into chunks that fit within the max length,
// trying to split on newlines when possible.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		// Try to split on a newline.
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}

// renderText flattens chain into plain text, formatting mentions with the
// given functions. Images are skipped.
func renderText(chain domain.MessageChain, at func(domain.At) string, atAll string) string {
	var sb strings.Builder
	writeRenderedText(&sb, chain, at, atAll)
	return sb.String()
}

func writeRenderedText(sb *strings.Builder, chain domain.MessageChain, at func(domain.At) string, atAll string) {
	for _, e := range chain.Elements() {
		switch v := e.(type) {
		case domain.Plain:
			sb.WriteString(v.Text)
		case domain.At:
			sb.WriteString(at(v))
		case domain.AtAll:
			sb.WriteString(atAll)
		case domain.Forward:
			for _, n := range v.Nodes {
				if sb.Len() > 0 {
					sb.WriteByte('\n')
				}
				writeRenderedText(sb, n.Chain, at, atAll)
			}
		}
	}
}

// chainImages returns the images of chain, including those inside forwards.
func chainImages(chain domain.MessageChain) []domain.Image {
	var out []domain.Image
	for _, e := range chain.Elements() {
		switch v := e.(type) {
		case domain.Image:
			out = append(out, v)
		case domain.Forward:
			for _, n := range v.Nodes {
				out = append(out, chainImages(n.Chain)...)
			}
		}
	}
	return out
}

// appendTextSegments appends text to elems, turning every match of pattern
// into the element mention returns. Empty text segments are dropped.
func appendTextSegments(elems []domain.Element, text string, matches [][]int, mention func(match []int) domain.Element) []domain.Element {
	last := 0
	for _, m := range matches {
		if m[0] > last {
			elems = append(elems, domain.Plain{Text: text[last:m[0]]})
		}
		elems = append(elems, mention(m))
		last = m[1]
	}
	if last < len(text) {
		elems = append(elems, domain.Plain{Text: text[last:]})
	}
	return elems
}
