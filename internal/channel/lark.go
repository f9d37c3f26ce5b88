package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"chatbridge/internal/bus"
	"chatbridge/internal/cardstate"
	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
)

const (
	larkAdapterName = "lark"
	larkDedupSize   = 2048
)

// LarkConfig configures the Lark adapter.
type LarkConfig struct {
	AppID     string
	AppSecret string
	Domain    string
	ReplyMode ReplyMode

	// WebhookEnabled selects the HTTP callback transport instead of the push socket.
	WebhookEnabled    bool
	Host              string
	Port              int
	CallbackPath      string
	EncryptKey        string
	VerificationToken string

	CardTemplateID   string
	CardTemplateJSON string
	StreamFieldName  string

	RequestTimeout      time.Duration
	CardCacheSize       int
	MaxConcurrentEvents int

	// WantsReply reports whether the listener will answer ev. In card and
	// stream modes no card is created for events it rejects. Nil accepts all.
	WantsReply func(ev domain.Event) bool

	Logger  *slog.Logger
	Metrics *metrics.Collector

	// API replaces the SDK client when set.
	API LarkAPI
	// HTTPClient downloads image URLs for outbound messages.
	HTTPClient *resty.Client
	// socket replaces the SDK push client when set.
	socket socketFactory
}

// Lark is the domain.Adapter for Lark/Feishu bots.
type Lark struct {
	cfg        LarkConfig
	api        LarkAPI
	messages   *LarkMessageConverter
	converter  *LarkEventConverter
	replier    *larkReplier
	registry   *bus.Registry
	dispatcher *bus.Dispatcher
	seen       *lru.Cache[string, struct{}]
	logger     *slog.Logger
	metrics    *metrics.Collector

	reconnect atomic.Bool
	closing   atomic.Bool

	mu       sync.Mutex
	cancel   context.CancelFunc
	events   *socketEvents
	shutdown sync.Once
}

var _ domain.Adapter = (*Lark)(nil)

// NewLark creates a Lark adapter. Nothing connects until Run.
func NewLark(cfg LarkConfig) (*Lark, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReplyMode == "" {
		cfg.ReplyMode = ReplyModeNormal
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultLarkRequestTimeout
	}
	if cfg.API == nil {
		if cfg.AppID == "" || cfg.AppSecret == "" {
			return nil, errors.New("lark: app id and app secret are required")
		}
		cfg.API = NewLarkClient(LarkClientConfig{
			AppID:     cfg.AppID,
			AppSecret: cfg.AppSecret,
			Domain:    cfg.Domain,
			Timeout:   cfg.RequestTimeout,
			Logger:    cfg.Logger,
			Metrics:   cfg.Metrics,
		})
	}
	if cfg.socket == nil {
		cfg.socket = larkSocketFactory(cfg.AppID, cfg.AppSecret, cfg.Domain, cfg.Logger)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = resty.New().SetTimeout(cfg.RequestTimeout)
	}

	states, err := cardstate.New(cfg.CardCacheSize, func(key string, _ cardstate.Conversation) {
		cfg.Logger.Debug("lark reply state evicted", "message_id", key)
		cfg.Metrics.RecordEviction(larkAdapterName)
	})
	if err != nil {
		return nil, err
	}
	seen, err := lru.New[string, struct{}](larkDedupSize)
	if err != nil {
		return nil, fmt.Errorf("lark: create dedup cache: %w", err)
	}

	messages := NewLarkMessageConverter(cfg.API, cfg.HTTPClient, cfg.Logger)
	replier, err := newLarkReplier(larkReplierConfig{
		Mode:             cfg.ReplyMode,
		API:              cfg.API,
		Messages:         messages,
		States:           states,
		CardTemplateID:   cfg.CardTemplateID,
		CardTemplateJSON: cfg.CardTemplateJSON,
		StreamField:      cfg.StreamFieldName,
		Logger:           cfg.Logger,
		Metrics:          cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	registry := bus.NewRegistry(cfg.Logger)
	l := &Lark{
		cfg:        cfg,
		api:        cfg.API,
		messages:   messages,
		converter:  NewLarkEventConverter(larkAdapterName, messages),
		replier:    replier,
		registry:   registry,
		dispatcher: bus.NewDispatcher(registry, cfg.MaxConcurrentEvents, cfg.Logger),
		seen:       seen,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
	l.reconnect.Store(true)
	return l, nil
}

func (l *Lark) Name() string { return larkAdapterName }

func (l *Lark) RegisterListener(kind domain.EventKind, listener domain.Listener) {
	l.registry.On(kind, listener)
}

func (l *Lark) UnregisterListener(kind domain.EventKind) {
	l.registry.Off(kind)
}

// SendMessage posts chain to a user (open_id) or a group chat (chat_id).
func (l *Lark) SendMessage(ctx context.Context, target domain.Target, chain domain.MessageChain) error {
	err := l.replier.sendPost(ctx, target, chain.WithoutSource())
	if err != nil {
		l.logger.Warn("lark send failed", "target", target.ID, "type", target.Type, "err", err)
	}
	return err
}

// ReplyMessage answers source using the configured reply mode. quoteOrigin
// has no effect: Lark replies always reference the original message.
func (l *Lark) ReplyMessage(ctx context.Context, source domain.Event, chain domain.MessageChain, quoteOrigin bool) error {
	err := l.replier.Reply(ctx, source, chain)
	if err != nil {
		l.logger.Warn("lark reply failed", "message_id", source.MessageID(), "mode", l.cfg.ReplyMode, "err", err)
	}
	return err
}

// Run connects the configured transport and blocks until ctx is cancelled,
// Shutdown is called or the transport fails permanently.
func (l *Lark) Run(ctx context.Context) error {
	if l.closing.Load() {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	defer cancel()
	if l.closing.Load() {
		return nil
	}

	if l.cfg.WebhookEnabled {
		var cipher *LarkCipher
		if l.cfg.EncryptKey != "" {
			cipher = NewLarkCipher(l.cfg.EncryptKey)
		}
		wh := newLarkWebhook(larkWebhookConfig{
			Host:              l.cfg.Host,
			Port:              l.cfg.Port,
			Path:              l.cfg.CallbackPath,
			Cipher:            cipher,
			VerificationToken: l.cfg.VerificationToken,
			Handle:            l.handleMessage,
			Logger:            l.logger,
		})
		return wh.Start(ctx)
	}

	events := newSocketEvents(l.handleMessage, l.logger)
	l.mu.Lock()
	l.events = events
	l.mu.Unlock()
	if l.closing.Load() {
		events.detach()
		return nil
	}
	handler := events.dispatcher(l.cfg.VerificationToken, l.cfg.EncryptKey)

	l.logger.Info("lark socket connecting", "domain", ResolveLarkDomain(l.cfg.Domain), "reply_mode", l.cfg.ReplyMode)
	sup := &socketSupervisor{
		connect:   func() socketClient { return l.cfg.socket(handler) },
		reconnect: &l.reconnect,
		logger:    l.logger,
	}
	return sup.run(ctx)
}

// Shutdown stops accepting events, disables reconnects and stops the
// transport. The webhook server is closed. An established push connection
// cannot be closed through the SDK: its handler is detached and the context
// its reconnects use is cancelled, so it stays silent until the server drops
// it and is never re-opened. Listeners already running are given until ctx
// ends to finish.
func (l *Lark) Shutdown(ctx context.Context) error {
	var err error
	l.shutdown.Do(func() {
		l.closing.Store(true)
		l.reconnect.Store(false)

		l.mu.Lock()
		if l.events != nil {
			l.events.detach()
		}
		if l.cancel != nil {
			l.cancel()
		}
		l.mu.Unlock()

		err = l.dispatcher.Close(ctx)
		l.logger.Info("lark adapter stopped")
	})
	return err
}

// handleMessage converts one received message and dispatches it. In card and
// stream modes the reply card is created before the listener runs.
func (l *Lark) handleMessage(ctx context.Context, data *larkim.P2MessageReceiveV1Data) error {
	if l.closing.Load() {
		l.metrics.RecordDropped(larkAdapterName, "shutdown")
		return nil
	}
	if data != nil && data.Message != nil && data.Message.MessageId != nil {
		if ok, _ := l.seen.ContainsOrAdd(*data.Message.MessageId, struct{}{}); ok {
			l.logger.Debug("lark duplicate message ignored", "message_id", *data.Message.MessageId)
			l.metrics.RecordDropped(larkAdapterName, "duplicate")
			return nil
		}
	}

	ev, err := l.converter.ToCanonical(ctx, data)
	if err != nil {
		l.metrics.RecordDropped(larkAdapterName, "malformed")
		return err
	}
	l.metrics.RecordEvent(larkAdapterName, ev.Kind.String())

	if _, ok := l.registry.Lookup(ev.Kind); !ok {
		l.logger.Debug("lark event has no listener", "kind", ev.Kind, "message_id", ev.MessageID())
		l.metrics.RecordDropped(larkAdapterName, "no_listener")
		return nil
	}

	if l.cfg.WantsReply == nil || l.cfg.WantsReply(ev) {
		if err := l.replier.Prepare(ctx, ev.MessageID()); err != nil {
			l.logger.Warn("lark reply card not prepared", "message_id", ev.MessageID(), "err", err)
		}
	}

	if out := l.dispatcher.Dispatch(ctx, ev, l); out != bus.Dispatched {
		l.metrics.RecordDropped(larkAdapterName, out.String())
	}
	return nil
}
