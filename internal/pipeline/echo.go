// Package pipeline holds the demo responder that "chatbridge serve" wires to
// every enabled adapter.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"chatbridge/internal/domain"
)

const limiterCacheSize = 1024

// Config configures the echo responder.
type Config struct {
	// BotNames are the display names or ids that count as mentioning the bot.
	// When empty, any mention counts.
	BotNames         []string
	GroupMentionOnly bool
	// RatePerMinute and Burst throttle replies per conversation. Zero
	// RatePerMinute disables throttling.
	RatePerMinute float64
	Burst         int
	Version       string
	Logger        *slog.Logger
}

// Echo answers every message with its own content, minus mentions of the
// bot, and handles a few slash commands.
type Echo struct {
	botNames         map[string]bool
	groupMentionOnly bool
	limits           *conversationLimits
	version          string
	logger           *slog.Logger
	started          time.Time
	now              func() time.Time
}

func NewEcho(cfg Config) (*Echo, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	names := make(map[string]bool, len(cfg.BotNames))
	for _, n := range cfg.BotNames {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			names[n] = true
		}
	}
	e := &Echo{
		botNames:         names,
		groupMentionOnly: cfg.GroupMentionOnly,
		version:          cfg.Version,
		logger:           cfg.Logger,
		started:          time.Now(),
		now:              time.Now,
	}
	if cfg.RatePerMinute > 0 {
		limits, err := newConversationLimits(limiterCacheSize, cfg.Burst, cfg.RatePerMinute)
		if err != nil {
			return nil, err
		}
		e.limits = limits
	}
	return e, nil
}

// Attach registers the responder for both message kinds on every adapter.
func (e *Echo) Attach(adapters ...domain.Adapter) {
	for _, a := range adapters {
		a.RegisterListener(domain.KindFriendMessage, e.Handle)
		a.RegisterListener(domain.KindGroupMessage, e.Handle)
	}
}

// Detach removes the listeners installed by Attach.
func (e *Echo) Detach(adapters ...domain.Adapter) {
	for _, a := range adapters {
		a.UnregisterListener(domain.KindFriendMessage)
		a.UnregisterListener(domain.KindGroupMessage)
	}
}

// Accepts reports whether Handle would consider ev at all. Rate limiting is
// not applied here.
func (e *Echo) Accepts(ev domain.Event) bool {
	return ev.Kind != domain.KindGroupMessage || !e.groupMentionOnly || e.mentionsBot(ev.Chain)
}

// Handle is the domain.Listener for inbound messages.
func (e *Echo) Handle(ctx context.Context, ev domain.Event, adapter domain.Adapter) {
	logger := e.logger.With("adapter", adapter.Name(), "kind", ev.Kind, "message_id", ev.MessageID())

	if !e.Accepts(ev) {
		logger.Debug("group message without mention ignored")
		return
	}

	key := adapter.Name() + ":" + ev.ConversationID()
	if e.limits != nil && !e.limits.allow(key) {
		logger.Warn("reply rate limited", "conversation", ev.ConversationID())
		return
	}

	reply, ok := e.respond(ev, adapter.Name())
	if !ok {
		logger.Debug("nothing to echo")
		return
	}

	if err := adapter.ReplyMessage(ctx, ev, reply, true); err != nil {
		if errors.Is(err, domain.ErrNoSourceMessage) {
			// Card and stream replies need the source id; fall back to a plain send.
			err = adapter.SendMessage(ctx, ev.ReplyTarget(), reply)
		}
		if err != nil {
			logger.Error("reply failed", "err", err)
			return
		}
	}
	logger.Debug("reply sent", "elements", reply.Len())
}

// respond builds the reply chain for ev. ok is false when there is nothing
// worth sending.
func (e *Echo) respond(ev domain.Event, adapter string) (domain.MessageChain, bool) {
	body := e.stripBotMentions(ev.Chain)

	if cmd := ParseCommand(body.Text()); cmd != nil {
		if res := e.HandleCommand(cmd, ev, adapter); res.Handled {
			return domain.TextChain(res.Response), true
		}
	}

	if body.Len() == 0 || strings.TrimSpace(body.Text()) == "" && !hasImage(body) {
		return domain.MessageChain{}, false
	}
	return body, true
}

func (e *Echo) isBot(at domain.At) bool {
	if len(e.botNames) == 0 {
		return true
	}
	return e.botNames[strings.ToLower(at.Target)] || e.botNames[strings.ToLower(at.Display)]
}

func (e *Echo) mentionsBot(chain domain.MessageChain) bool {
	for _, el := range chain.Elements() {
		switch v := el.(type) {
		case domain.AtAll:
			return true
		case domain.At:
			if e.isBot(v) {
				return true
			}
		}
	}
	return false
}

// stripBotMentions drops the Source and any mention of the bot, trimming the
// whitespace the mention leaves behind.
func (e *Echo) stripBotMentions(chain domain.MessageChain) domain.MessageChain {
	var out []domain.Element
	trimNext := false
	for _, el := range chain.WithoutSource().Elements() {
		switch v := el.(type) {
		case domain.At:
			if e.isBot(v) {
				trimNext = true
				continue
			}
		case domain.Plain:
			if trimNext || len(out) == 0 {
				v.Text = strings.TrimLeft(v.Text, " \t")
			}
			trimNext = false
			if v.Text == "" {
				continue
			}
			out = append(out, v)
			continue
		}
		trimNext = false
		out = append(out, el)
	}
	return domain.MustMessageChain(out...)
}

func hasImage(chain domain.MessageChain) bool {
	for _, el := range chain.Elements() {
		if el.Kind() == domain.ElementImage {
			return true
		}
	}
	return false
}
