package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
)

const (
	telegramAdapterName    = "telegram"
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// telegramAPI is the part of *tgbotapi.BotAPI the adapter uses.
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Token string
	// AllowFrom lists the user IDs allowed to talk to the bot. Empty allows everyone.
	AllowFrom           []string
	MaxConcurrentEvents int
	Logger              *slog.Logger
	Metrics             *metrics.Collector

	api telegramAPI
}

// Telegram is the domain.Adapter for Telegram bots over long polling.
type Telegram struct {
	*adapterCore
	token     string
	allowFrom []int64
	api       telegramAPI
	retryWait func(attempt int) time.Duration
}

var _ domain.Adapter = (*Telegram)(nil)

// NewTelegram creates a Telegram adapter. Nothing connects until Run.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.api == nil && cfg.Token == "" {
		return nil, errors.New("telegram: token is required")
	}
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	return &Telegram{
		adapterCore: newAdapterCore(telegramAdapterName, cfg.MaxConcurrentEvents, cfg.Logger, cfg.Metrics),
		token:       cfg.Token,
		allowFrom:   allowed,
		api:         cfg.api,
		retryWait: func(attempt int) time.Duration {
			return time.Duration(attempt+1) * time.Second
		},
	}, nil
}

// Run connects to Telegram and polls for updates until ctx is cancelled or Shutdown.
func (t *Telegram) Run(ctx context.Context) error {
	ctx, cancel, ok := t.begin(ctx)
	if !ok {
		return nil
	}
	defer cancel()

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.api = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}

	if !t.isAllowed(msg.From.ID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", msg.From.ID,
			"username", msg.From.UserName,
		)
		t.metrics.RecordDropped(telegramAdapterName, "unauthorized")
		return
	}

	ev, err := t.toCanonical(msg)
	if err != nil {
		t.logger.Debug("telegram message skipped", "chat_id", msg.Chat.ID, "err", err)
		t.metrics.RecordDropped(telegramAdapterName, "malformed")
		return
	}

	t.logger.Info("telegram message received",
		"user_id", msg.From.ID,
		"chat_id", msg.Chat.ID,
		"kind", ev.Kind,
	)
	t.deliver(ctx, ev, t)
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true // Empty list = allow all
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

// toCanonical converts a message. Private chats become friend messages,
// groups and supergroups group messages; channel posts are not supported.
func (t *Telegram) toCanonical(msg *tgbotapi.Message) (domain.Event, error) {
	at := time.Unix(int64(msg.Date), 0)
	elems := []domain.Element{domain.Source{ID: strconv.Itoa(msg.MessageID), Time: at}}

	text, entities := msg.Text, msg.Entities
	if text == "" {
		text, entities = msg.Caption, msg.CaptionEntities
	}
	elems = append(elems, telegramTextElements(text, entities)...)

	if len(msg.Photo) > 0 {
		// The last size is the largest.
		photo := msg.Photo[len(msg.Photo)-1]
		url, err := t.api.GetFileDirectURL(photo.FileID)
		if err != nil {
			t.logger.Warn("telegram photo url unavailable", "file_id", photo.FileID, "err", err)
		} else {
			elems = append(elems, domain.Image{URL: url, MimeType: "image/jpeg"})
		}
	}

	chain, err := domain.NewMessageChain(elems...)
	if err != nil {
		return domain.Event{}, err
	}
	sender := domain.Sender{ID: strconv.FormatInt(msg.From.ID, 10), Name: msg.From.UserName}

	switch msg.Chat.Type {
	case "private":
		return domain.NewFriendMessage(sender, chain, at), nil
	case "group", "supergroup":
		group := domain.Group{ID: strconv.FormatInt(msg.Chat.ID, 10), Name: msg.Chat.Title}
		return domain.NewGroupMessage(sender, group, chain, at), nil
	default:
		return domain.Event{}, fmt.Errorf("%w: %q", domain.ErrUnknownChatType, msg.Chat.Type)
	}
}

// telegramTextElements splits text at mention entities. Entity offsets count
// UTF-16 code units.
func telegramTextElements(text string, entities []tgbotapi.MessageEntity) []domain.Element {
	units := utf16.Encode([]rune(text))
	segment := func(from, to int) string {
		return string(utf16.Decode(units[from:to]))
	}

	var elems []domain.Element
	last := 0
	for _, e := range entities {
		if e.Type != "mention" && e.Type != "text_mention" {
			continue
		}
		start, end := e.Offset, e.Offset+e.Length
		if start < last || end > len(units) {
			continue
		}
		if start > last {
			elems = append(elems, domain.Plain{Text: segment(last, start)})
		}
		label := segment(start, end)
		if e.Type == "text_mention" && e.User != nil {
			elems = append(elems, domain.At{Target: strconv.FormatInt(e.User.ID, 10), Display: label})
		} else {
			name := strings.TrimPrefix(label, "@")
			elems = append(elems, domain.At{Target: name, Display: name})
		}
		last = end
	}
	if last < len(units) {
		elems = append(elems, domain.Plain{Text: segment(last, len(units))})
	}
	return elems
}

func (t *Telegram) SendMessage(ctx context.Context, target domain.Target, chain domain.MessageChain) error {
	chatID, err := telegramChatID(target)
	if err != nil {
		return err
	}
	return t.send(ctx, chatID, 0, chain.WithoutSource())
}

// ReplyMessage sends chain to the source's chat, quoting the source message
// when quoteOrigin is set.
func (t *Telegram) ReplyMessage(ctx context.Context, source domain.Event, chain domain.MessageChain, quoteOrigin bool) error {
	chatID, err := telegramChatID(source.ReplyTarget())
	if err != nil {
		return err
	}
	replyTo := 0
	if quoteOrigin {
		replyTo, _ = strconv.Atoi(source.MessageID())
	}
	err = t.send(ctx, chatID, replyTo, chain.WithoutSource())
	t.metrics.RecordReply(telegramAdapterName, string(ReplyModeNormal), err)
	return err
}

func (t *Telegram) Shutdown(ctx context.Context) error {
	return t.stop(ctx, nil)
}

// telegramChatID maps a target to a chat id. A private chat shares the id of
// the user.
func telegramChatID(target domain.Target) (int64, error) {
	if target.Type != domain.TargetPerson && target.Type != domain.TargetGroup {
		return 0, fmt.Errorf("%w: target type %q", domain.ErrUnsupported, target.Type)
	}
	id, err := strconv.ParseInt(target.ID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", target.ID, err)
	}
	return id, nil
}

func (t *Telegram) send(ctx context.Context, chatID int64, replyTo int, chain domain.MessageChain) error {
	if t.api == nil {
		return errors.New("telegram: not connected")
	}

	text := renderText(chain, func(a domain.At) string {
		return "@" + strings.TrimPrefix(firstNonEmpty(a.Display, a.Target), "@")
	}, "")

	if text != "" {
		for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
			msg := tgbotapi.NewMessage(chatID, chunk)
			msg.ReplyToMessageID = replyTo
			if err := t.sendWithRetry(ctx, msg); err != nil {
				return err
			}
			replyTo = 0
		}
	}

	for _, img := range chainImages(chain) {
		var file tgbotapi.RequestFileData
		switch {
		case len(img.Data) > 0:
			file = tgbotapi.FileBytes{Name: "image", Bytes: img.Data}
		case img.URL != "":
			file = tgbotapi.FileURL(img.URL)
		case img.Path != "":
			file = tgbotapi.FilePath(img.Path)
		default:
			continue
		}
		photo := tgbotapi.NewPhoto(chatID, file)
		photo.ReplyToMessageID = replyTo
		if err := t.sendWithRetry(ctx, photo); err != nil {
			return err
		}
		replyTo = 0
	}
	return nil
}

// sendWithRetry retries rate-limited and transient failures with backoff.
func (t *Telegram) sendWithRetry(ctx context.Context, c tgbotapi.Chattable) error {
	var err error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		if _, err = t.api.Send(c); err == nil {
			return nil
		}

		wait := t.retryWait(attempt)
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.RetryAfter > 0:
				wait = time.Duration(apiErr.RetryAfter) * time.Second
				t.logger.Warn("telegram rate limited, backing off", "retry_after", wait, "attempt", attempt+1)
			case apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != 429:
				return fmt.Errorf("telegram send: %w", err)
			}
		}
		if attempt == telegramMaxSendRetries {
			break
		}
		t.logger.Warn("telegram send error, retrying", "err", err, "backoff", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", telegramMaxSendRetries+1, err)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
