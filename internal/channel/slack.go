package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
)

const (
	slackAdapterName = "slack"
	slackMaxMsgLen   = 4000
	slackCacheSize   = 1024
)

// slackMentionPattern matches <@U123>, <@U123|name> and the <!channel>,
// <!here> and <!everyone> broadcasts.
var slackMentionPattern = regexp.MustCompile(`<@([A-Z0-9]+)(?:\|([^>]*))?>|<!(channel|here|everyone)(?:\|[^>]*)?>`)

var slackUnescaper = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&")

// slackAPI is the part of *slack.Client the adapter sends through.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	OpenConversationContext(ctx context.Context, params *slack.OpenConversationParameters) (*slack.Channel, bool, bool, error)
}

// SlackConfig configures the Slack adapter.
type SlackConfig struct {
	BotToken            string
	AppToken            string
	MaxConcurrentEvents int
	Logger              *slog.Logger
	Metrics             *metrics.Collector

	api slackAPI
}

// Slack is the domain.Adapter for Slack over Socket Mode.
type Slack struct {
	*adapterCore
	botToken string
	appToken string
	client   *slack.Client
	api      slackAPI
	botUID   string // the bot's own user ID, to avoid replying to self

	dms     *lru.Cache[string, string] // user id -> DM channel id
	threads *lru.Cache[string, string] // message ts -> thread root ts
}

var _ domain.Adapter = (*Slack)(nil)

// NewSlack creates a Slack adapter. Nothing connects until Run.
func NewSlack(cfg SlackConfig) (*Slack, error) {
	if cfg.api == nil && (cfg.BotToken == "" || cfg.AppToken == "") {
		return nil, errors.New("slack: bot token and app token are required")
	}
	dms, err := lru.New[string, string](slackCacheSize)
	if err != nil {
		return nil, err
	}
	threads, err := lru.New[string, string](slackCacheSize)
	if err != nil {
		return nil, err
	}
	s := &Slack{
		adapterCore: newAdapterCore(slackAdapterName, cfg.MaxConcurrentEvents, cfg.Logger, cfg.Metrics),
		botToken:    cfg.BotToken,
		appToken:    cfg.AppToken,
		api:         cfg.api,
		dms:         dms,
		threads:     threads,
	}
	if s.api == nil {
		s.client = slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
		s.api = s.client
	}
	return s, nil
}

// Run connects via Socket Mode and blocks until ctx is cancelled or Shutdown.
func (s *Slack) Run(ctx context.Context) error {
	ctx, cancel, ok := s.begin(ctx)
	if !ok {
		return nil
	}
	defer cancel()
	if s.client == nil {
		return errors.New("slack: no socket client configured")
	}

	authResp, err := s.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = authResp.UserID
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)

	socketClient := socketmode.New(s.client)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-socketClient.Events:
				if !ok {
					return
				}
				s.handleSocketEvent(ctx, socketClient, evt)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- socketClient.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

func (s *Slack) handleSocketEvent(ctx context.Context, client *socketmode.Client, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		client.Ack(*evt.Request)
		if eventsAPIEvent.Type != slackevents.CallbackEvent {
			return
		}
		// Mentions also arrive as message events, so app_mention is not handled.
		if ev, ok := eventsAPIEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			s.handleMessage(ctx, ev)
		}
	case socketmode.EventTypeConnected:
		s.logger.Info("slack socket connected")
	default:
		// Acknowledge unknown events to prevent Socket Mode disconnection.
		if evt.Request != nil {
			client.Ack(*evt.Request)
		}
	}
}

func (s *Slack) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	// Ignore the bot's own messages and edits, joins and other subtypes.
	if ev.User == "" || ev.User == s.botUID || ev.BotID != "" {
		return
	}
	if ev.SubType != "" && ev.SubType != "file_share" {
		return
	}

	if ev.ThreadTimeStamp != "" {
		s.threads.Add(ev.TimeStamp, ev.ThreadTimeStamp)
	}
	if ev.ChannelType == "im" {
		s.dms.Add(ev.User, ev.Channel)
	}

	canonical, err := slackToCanonical(ev)
	if err != nil {
		s.logger.Warn("slack message rejected", "channel", ev.Channel, "err", err)
		s.metrics.RecordDropped(slackAdapterName, "malformed")
		return
	}
	s.logger.Info("slack message received",
		"user", ev.User,
		"channel", ev.Channel,
		"kind", canonical.Kind,
	)
	s.deliver(ctx, canonical, s)
}

func (s *Slack) SendMessage(ctx context.Context, target domain.Target, chain domain.MessageChain) error {
	channelID, err := s.resolveChannel(ctx, target)
	if err != nil {
		return err
	}
	return s.post(ctx, channelID, "", chain.WithoutSource())
}

// ReplyMessage posts chain into the source's conversation, inside the
// source's thread when quoteOrigin is set.
func (s *Slack) ReplyMessage(ctx context.Context, source domain.Event, chain domain.MessageChain, quoteOrigin bool) error {
	channelID, err := s.resolveChannel(ctx, source.ReplyTarget())
	if err != nil {
		return err
	}
	threadTS := ""
	if quoteOrigin {
		threadTS = source.MessageID()
		if root, ok := s.threads.Get(threadTS); ok {
			threadTS = root
		}
	}
	err = s.post(ctx, channelID, threadTS, chain.WithoutSource())
	s.metrics.RecordReply(slackAdapterName, string(ReplyModeNormal), err)
	return err
}

func (s *Slack) Shutdown(ctx context.Context) error {
	return s.stop(ctx, nil)
}

func (s *Slack) resolveChannel(ctx context.Context, target domain.Target) (string, error) {
	switch target.Type {
	case domain.TargetGroup:
		return target.ID, nil
	case domain.TargetPerson:
		if ch, ok := s.dms.Get(target.ID); ok {
			return ch, nil
		}
		ch, _, _, err := s.api.OpenConversationContext(ctx, &slack.OpenConversationParameters{Users: []string{target.ID}})
		if err != nil {
			return "", fmt.Errorf("slack open conversation with %s: %w", target.ID, err)
		}
		s.dms.Add(target.ID, ch.ID)
		return ch.ID, nil
	default:
		return "", fmt.Errorf("%w: target type %q", domain.ErrUnsupported, target.Type)
	}
}

func (s *Slack) post(ctx context.Context, channelID, threadTS string, chain domain.MessageChain) error {
	var opts []slack.MsgOption
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}

	text := slackRenderText(chain)
	if text != "" {
		for _, chunk := range splitMessage(text, slackMaxMsgLen) {
			msgOpts := append([]slack.MsgOption{slack.MsgOptionText(chunk, false)}, opts...)
			if _, _, err := s.api.PostMessageContext(ctx, channelID, msgOpts...); err != nil {
				return fmt.Errorf("slack post to %s: %w", channelID, err)
			}
		}
	}

	for _, img := range chainImages(chain) {
		if img.URL == "" {
			s.logger.Debug("slack image without url skipped", "channel", channelID)
			continue
		}
		block := slack.NewImageBlock(img.URL, "image", "", nil)
		msgOpts := append([]slack.MsgOption{slack.MsgOptionBlocks(block)}, opts...)
		if _, _, err := s.api.PostMessageContext(ctx, channelID, msgOpts...); err != nil {
			return fmt.Errorf("slack post image to %s: %w", channelID, err)
		}
	}
	return nil
}

func slackRenderText(chain domain.MessageChain) string {
	return renderText(chain, func(a domain.At) string {
		return "<@" + a.Target + ">"
	}, "<!channel>")
}

// slackToCanonical converts a Slack message event. Direct messages become
// friend messages, everything else a group message keyed by channel.
func slackToCanonical(ev *slackevents.MessageEvent) (domain.Event, error) {
	if ev.Channel == "" || ev.TimeStamp == "" {
		return domain.Event{}, fmt.Errorf("%w: slack message without channel or ts", domain.ErrMalformedEvent)
	}
	at := slackTime(ev.TimeStamp)

	elems := []domain.Element{domain.Source{ID: ev.TimeStamp, Time: at}}
	elems = append(elems, slackTextElements(ev.Text)...)
	if ev.Message != nil {
		for _, f := range ev.Message.Files {
			if strings.HasPrefix(f.Mimetype, "image/") {
				elems = append(elems, domain.Image{URL: f.URLPrivate, MimeType: f.Mimetype})
			}
		}
	}
	chain, err := domain.NewMessageChain(elems...)
	if err != nil {
		return domain.Event{}, err
	}

	sender := domain.Sender{ID: ev.User, Name: ev.Username}
	if ev.ChannelType == "im" {
		return domain.NewFriendMessage(sender, chain, at), nil
	}
	return domain.NewGroupMessage(sender, domain.Group{ID: ev.Channel}, chain, at), nil
}

func slackTextElements(text string) []domain.Element {
	matches := slackMentionPattern.FindAllStringSubmatchIndex(text, -1)
	elems := appendTextSegments(nil, text, matches, func(m []int) domain.Element {
		if m[2] >= 0 {
			at := domain.At{Target: text[m[2]:m[3]]}
			if m[4] >= 0 {
				at.Display = text[m[4]:m[5]]
			}
			return at
		}
		return domain.AtAll{}
	})
	for i, e := range elems {
		if p, ok := e.(domain.Plain); ok {
			elems[i] = domain.Plain{Text: slackUnescaper.Replace(p.Text)}
		}
	}
	return elems
}

// slackTime parses a message ts such as "1700000000.000100".
func slackTime(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var usec int64
	if frac != "" {
		for len(frac) < 6 {
			frac += "0"
		}
		usec, _ = strconv.ParseInt(frac[:6], 10, 64)
	}
	return time.Unix(s, usec*int64(time.Microsecond))
}
