package channel

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"chatbridge/internal/domain"
)

type slackPost struct {
	Channel string
	Values  url.Values
}

type fakeSlackAPI struct {
	mu     sync.Mutex
	posts  []slackPost
	opened []string
}

func (f *fakeSlackAPI) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	_, values, err := slack.UnsafeApplyMsgOptions("", channelID, "", options...)
	if err != nil {
		return "", "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, slackPost{Channel: channelID, Values: values})
	return channelID, "1700000001.000100", nil
}

func (f *fakeSlackAPI) OpenConversationContext(_ context.Context, params *slack.OpenConversationParameters) (*slack.Channel, bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, params.Users...)
	ch := &slack.Channel{}
	ch.ID = "D_" + params.Users[0]
	return ch, false, false, nil
}

func (f *fakeSlackAPI) Posts() []slackPost {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]slackPost(nil), f.posts...)
}

func newTestSlack(t *testing.T) (*Slack, *fakeSlackAPI) {
	t.Helper()
	api := &fakeSlackAPI{}
	s, err := NewSlack(SlackConfig{api: api, Logger: testLarkLogger()})
	if err != nil {
		t.Fatal(err)
	}
	return s, api
}

func TestSlackTextElements(t *testing.T) {
	elems := slackTextElements("hi <@U1|ann> and <@U2>, <!here|here> a &lt;b&gt; &amp; c")

	want := []string{"Plain(hi )", "At(U1,ann)", "Plain( and )", "At(U2,)", "Plain(, )", "AtAll", "Plain( a <b> & c)"}
	if len(elems) != len(want) {
		t.Fatalf("got %d elements: %#v", len(elems), elems)
	}
	for i, e := range elems {
		if got := describeElement(e); got != want[i] {
			t.Errorf("element %d = %s, want %s", i, got, want[i])
		}
	}
}

func TestSlackToCanonical(t *testing.T) {
	ev := &slackevents.MessageEvent{
		User:        "U9",
		Text:        "look",
		TimeStamp:   "1700000000.500000",
		Channel:     "D123",
		ChannelType: "im",
		Message: &slack.Msg{Files: []slack.File{
			{Mimetype: "image/png", URLPrivate: "https://files.slack.com/a.png"},
			{Mimetype: "application/pdf", URLPrivate: "https://files.slack.com/a.pdf"},
		}},
	}

	got, err := slackToCanonical(ev)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != domain.KindFriendMessage || got.Sender.ID != "U9" {
		t.Errorf("event = %+v", got)
	}
	if got.MessageID() != "1700000000.500000" {
		t.Errorf("message id = %q", got.MessageID())
	}
	if want := time.Unix(1700000000, 500000000); !got.Time.Equal(want) {
		t.Errorf("time = %v, want %v", got.Time, want)
	}
	elems := got.Chain.Elements()
	if len(elems) != 3 {
		t.Fatalf("elements = %#v", elems)
	}
	if img, ok := elems[2].(domain.Image); !ok || img.URL != "https://files.slack.com/a.png" {
		t.Errorf("image = %#v", elems[2])
	}

	ev.ChannelType = "channel"
	ev.Channel = "C1"
	got, _ = slackToCanonical(ev)
	if got.Kind != domain.KindGroupMessage || got.Group.ID != "C1" {
		t.Errorf("group event = %+v", got)
	}

	if _, err := slackToCanonical(&slackevents.MessageEvent{User: "U1"}); !errors.Is(err, domain.ErrMalformedEvent) {
		t.Errorf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestSlack_ReplyInThread(t *testing.T) {
	s, api := newTestSlack(t)

	chain := domain.MustMessageChain(domain.Plain{Text: "hey "}, domain.At{Target: "U1"}, domain.Image{URL: "https://x/img.png"})
	src := domain.NewGroupMessage(domain.Sender{ID: "U1"}, domain.Group{ID: "C1"},
		domain.MustMessageChain(domain.Source{ID: "111.222"}, domain.Plain{Text: "q"}), time.Now())

	if err := s.ReplyMessage(context.Background(), src, chain, true); err != nil {
		t.Fatal(err)
	}
	posts := api.Posts()
	if len(posts) != 2 {
		t.Fatalf("posts = %+v", posts)
	}
	if posts[0].Channel != "C1" || posts[0].Values.Get("text") != "hey <@U1>" || posts[0].Values.Get("thread_ts") != "111.222" {
		t.Errorf("text post = %+v", posts[0])
	}
	if !strings.Contains(posts[1].Values.Get("blocks"), "https://x/img.png") {
		t.Errorf("image post = %+v", posts[1])
	}
}

func TestSlack_ReplyUsesThreadRoot(t *testing.T) {
	s, api := newTestSlack(t)
	s.handleMessage(context.Background(), &slackevents.MessageEvent{
		User: "U1", Text: "in thread", TimeStamp: "200.0", ThreadTimeStamp: "100.0", Channel: "C1", ChannelType: "channel",
	})

	src := domain.NewGroupMessage(domain.Sender{ID: "U1"}, domain.Group{ID: "C1"},
		domain.MustMessageChain(domain.Source{ID: "200.0"}), time.Now())
	if err := s.ReplyMessage(context.Background(), src, domain.TextChain("ok"), true); err != nil {
		t.Fatal(err)
	}
	if ts := api.Posts()[0].Values.Get("thread_ts"); ts != "100.0" {
		t.Errorf("thread_ts = %q", ts)
	}
}

func TestSlack_ReplyToDirectMessage(t *testing.T) {
	s, api := newTestSlack(t)
	src := domain.NewFriendMessage(domain.Sender{ID: "U7"}, domain.TextChain("hi"), time.Now())

	if err := s.ReplyMessage(context.Background(), src, domain.TextChain("hello"), false); err != nil {
		t.Fatal(err)
	}
	if err := s.ReplyMessage(context.Background(), src, domain.TextChain("again"), false); err != nil {
		t.Fatal(err)
	}
	if len(api.opened) != 1 {
		t.Errorf("conversation opened %d times", len(api.opened))
	}
	for _, p := range api.Posts() {
		if p.Channel != "D_U7" || p.Values.Get("thread_ts") != "" {
			t.Errorf("post = %+v", p)
		}
	}
}

func TestSlack_LongTextIsSplit(t *testing.T) {
	s, api := newTestSlack(t)
	long := strings.Repeat("a", 3000) + "\n" + strings.Repeat("b", 3000)

	if err := s.SendMessage(context.Background(), domain.Target{Type: domain.TargetGroup, ID: "C1"}, domain.TextChain(long)); err != nil {
		t.Fatal(err)
	}
	if n := len(api.Posts()); n != 2 {
		t.Fatalf("posts = %d", n)
	}
	if err := s.SendMessage(context.Background(), domain.Target{Type: "room", ID: "x"}, domain.TextChain("x")); !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}

func TestSlack_HandleMessageFilters(t *testing.T) {
	s, _ := newTestSlack(t)
	s.botUID = "UBOT"
	got := make(chan domain.Event, 4)
	s.RegisterListener(domain.KindGroupMessage, func(_ context.Context, ev domain.Event, _ domain.Adapter) {
		got <- ev
	})

	base := slackevents.MessageEvent{User: "U1", Text: "hi", TimeStamp: "1.0", Channel: "C1", ChannelType: "channel"}
	bot := base
	bot.User = "UBOT"
	edited := base
	edited.SubType = "message_changed"

	for _, ev := range []slackevents.MessageEvent{bot, edited, base} {
		ev := ev
		s.handleMessage(context.Background(), &ev)
	}
	s.dispatcher.Wait()

	if len(got) != 1 {
		t.Fatalf("listener called %d times", len(got))
	}
	if ev := <-got; ev.Adapter != "slack" || ev.Sender.ID != "U1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestSlackTime(t *testing.T) {
	if got := slackTime("1700000000.000100"); !got.Equal(time.Unix(1700000000, 100000)) {
		t.Errorf("slackTime = %v", got)
	}
	if !slackTime("garbage").IsZero() {
		t.Error("invalid ts should give zero time")
	}
}

// describeElement renders an element for compact assertions.
func describeElement(e domain.Element) string {
	switch v := e.(type) {
	case domain.Plain:
		return "Plain(" + v.Text + ")"
	case domain.At:
		return "At(" + v.Target + "," + v.Display + ")"
	case domain.AtAll:
		return "AtAll"
	case domain.Image:
		return "Image(" + v.URL + ")"
	case domain.Source:
		return "Source(" + v.ID + ")"
	default:
		return e.Kind().String()
	}
}
