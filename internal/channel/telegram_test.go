package channel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chatbridge/internal/domain"
)

type fakeTelegramAPI struct {
	mu    sync.Mutex
	sent  []tgbotapi.Chattable
	errs  []error // returned by successive Send calls, then nil
	files map[string]string
}

func (f *fakeTelegramAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return tgbotapi.Message{}, err
	}
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeTelegramAPI) GetFileDirectURL(fileID string) (string, error) {
	url, ok := f.files[fileID]
	if !ok {
		return "", errors.New("file not found")
	}
	return url, nil
}

func (f *fakeTelegramAPI) Sent() []tgbotapi.Chattable {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.Chattable(nil), f.sent...)
}

func newTestTelegram(t *testing.T, allow ...string) (*Telegram, *fakeTelegramAPI) {
	t.Helper()
	api := &fakeTelegramAPI{files: map[string]string{"big": "https://api.telegram.org/file/big.jpg"}}
	tg, err := NewTelegram(TelegramConfig{api: api, AllowFrom: allow, Logger: testLarkLogger()})
	if err != nil {
		t.Fatal(err)
	}
	tg.retryWait = func(int) time.Duration { return time.Millisecond }
	return tg, api
}

func TestTelegramTextElements(t *testing.T) {
	// "😀" is two UTF-16 code units, so the mention starts at offset 6.
	text := "😀 hi @bob and Ann!"
	entities := []tgbotapi.MessageEntity{
		{Type: "bold", Offset: 0, Length: 2},
		{Type: "mention", Offset: 6, Length: 4},
		{Type: "text_mention", Offset: 15, Length: 3, User: &tgbotapi.User{ID: 42}},
	}

	elems := telegramTextElements(text, entities)
	want := []string{"Plain(😀 hi )", "At(bob,bob)", "Plain( and )", "At(42,Ann)", "Plain(!)"}
	if len(elems) != len(want) {
		t.Fatalf("elements = %#v", elems)
	}
	for i, e := range elems {
		if got := describeElement(e); got != want[i] {
			t.Errorf("element %d = %s, want %s", i, got, want[i])
		}
	}
}

func TestTelegram_ToCanonical(t *testing.T) {
	tg, _ := newTestTelegram(t)

	private := &tgbotapi.Message{
		MessageID: 7,
		Date:      1700000000,
		From:      &tgbotapi.User{ID: 100, UserName: "ann"},
		Chat:      &tgbotapi.Chat{ID: 100, Type: "private"},
		Caption:   "a photo",
		Photo:     []tgbotapi.PhotoSize{{FileID: "small"}, {FileID: "big"}},
	}
	ev, err := tg.toCanonical(private)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != domain.KindFriendMessage || ev.Sender.ID != "100" || ev.MessageID() != "7" {
		t.Errorf("event = %+v", ev)
	}
	elems := ev.Chain.Elements()
	if len(elems) != 3 || describeElement(elems[1]) != "Plain(a photo)" || describeElement(elems[2]) != "Image(https://api.telegram.org/file/big.jpg)" {
		t.Errorf("elements = %#v", elems)
	}

	group := &tgbotapi.Message{
		MessageID: 8,
		From:      &tgbotapi.User{ID: 100},
		Chat:      &tgbotapi.Chat{ID: -5, Type: "supergroup", Title: "team"},
		Text:      "hello",
	}
	ev, err = tg.toCanonical(group)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != domain.KindGroupMessage || ev.Group.ID != "-5" || ev.Group.Name != "team" {
		t.Errorf("group event = %+v", ev)
	}

	group.Chat.Type = "channel"
	if _, err := tg.toCanonical(group); !errors.Is(err, domain.ErrUnknownChatType) {
		t.Errorf("expected ErrUnknownChatType, got %v", err)
	}
}

func TestTelegram_ReplyQuotesOrigin(t *testing.T) {
	tg, api := newTestTelegram(t)
	src := domain.NewGroupMessage(domain.Sender{ID: "100"}, domain.Group{ID: "-5"},
		domain.MustMessageChain(domain.Source{ID: "77"}, domain.Plain{Text: "q"}), time.Now())

	chain := domain.MustMessageChain(domain.Plain{Text: "hi "}, domain.At{Target: "bob"}, domain.Image{URL: "https://x/y.png"})
	if err := tg.ReplyMessage(context.Background(), src, chain, true); err != nil {
		t.Fatal(err)
	}

	sent := api.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent = %#v", sent)
	}
	msg, ok := sent[0].(tgbotapi.MessageConfig)
	if !ok || msg.ChatID != -5 || msg.Text != "hi @bob" || msg.ReplyToMessageID != 77 {
		t.Errorf("message = %#v", sent[0])
	}
	photo, ok := sent[1].(tgbotapi.PhotoConfig)
	if !ok || photo.File != tgbotapi.FileURL("https://x/y.png") || photo.ReplyToMessageID != 0 {
		t.Errorf("photo = %#v", sent[1])
	}
}

func TestTelegram_SendSplitsLongText(t *testing.T) {
	tg, api := newTestTelegram(t)
	long := strings.Repeat("x", telegramMaxMsgLen+10)

	if err := tg.SendMessage(context.Background(), domain.Target{Type: domain.TargetPerson, ID: "100"}, domain.TextChain(long)); err != nil {
		t.Fatal(err)
	}
	if n := len(api.Sent()); n != 2 {
		t.Fatalf("sent %d messages", n)
	}
	if err := tg.SendMessage(context.Background(), domain.Target{Type: domain.TargetGroup, ID: "abc"}, domain.TextChain("x")); err == nil {
		t.Error("expected error for non-numeric chat id")
	}
	if err := tg.SendMessage(context.Background(), domain.Target{Type: "channel", ID: "1"}, domain.TextChain("x")); !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}

func TestTelegram_SendRetries(t *testing.T) {
	tg, api := newTestTelegram(t)
	api.errs = []error{
		&tgbotapi.Error{Code: 429, Message: "Too Many Requests", ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 0}},
		errors.New("connection reset"),
	}
	if err := tg.SendMessage(context.Background(), domain.Target{Type: domain.TargetPerson, ID: "1"}, domain.TextChain("x")); err != nil {
		t.Fatal(err)
	}
	if n := len(api.Sent()); n != 3 {
		t.Fatalf("attempts = %d, want 3", n)
	}

	api.errs = []error{&tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}}
	if err := tg.SendMessage(context.Background(), domain.Target{Type: domain.TargetPerson, ID: "1"}, domain.TextChain("x")); err == nil {
		t.Fatal("expected permanent error")
	}
	if n := len(api.Sent()); n != 4 {
		t.Fatalf("client errors must not be retried, attempts = %d", n)
	}
}

func TestTelegram_HandleUpdateAllowList(t *testing.T) {
	tg, _ := newTestTelegram(t, "100")
	got := make(chan domain.Event, 2)
	tg.RegisterListener(domain.KindFriendMessage, func(_ context.Context, ev domain.Event, _ domain.Adapter) {
		got <- ev
	})

	for _, uid := range []int64{999, 100} {
		tg.handleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
			MessageID: 1,
			From:      &tgbotapi.User{ID: uid},
			Chat:      &tgbotapi.Chat{ID: uid, Type: "private"},
			Text:      "hi",
		}})
	}
	tg.dispatcher.Wait()

	if len(got) != 1 {
		t.Fatalf("listener called %d times", len(got))
	}
	if ev := <-got; ev.Sender.ID != "100" || ev.Adapter != "telegram" {
		t.Errorf("event = %+v", ev)
	}
}
