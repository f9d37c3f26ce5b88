package channel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"chatbridge/internal/domain"
)

type discordSend struct {
	ChannelID string
	Msg       *discordgo.MessageSend
}

type fakeDiscordAPI struct {
	mu     sync.Mutex
	sends  []discordSend
	opened []string
	err    error
}

func (f *fakeDiscordAPI) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sends = append(f.sends, discordSend{ChannelID: channelID, Msg: data})
	return &discordgo.Message{ID: "m", ChannelID: channelID}, nil
}

func (f *fakeDiscordAPI) UserChannelCreate(recipientID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, recipientID)
	return &discordgo.Channel{ID: "dm_" + recipientID}, nil
}

func (f *fakeDiscordAPI) Sends() []discordSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]discordSend(nil), f.sends...)
}

func newTestDiscord(t *testing.T, guildID string) (*Discord, *fakeDiscordAPI) {
	t.Helper()
	api := &fakeDiscordAPI{}
	d, err := NewDiscord(DiscordConfig{api: api, GuildID: guildID, Logger: testLarkLogger()})
	if err != nil {
		t.Fatal(err)
	}
	return d, api
}

func TestDiscordToCanonical(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := &discordgo.Message{
		ID:        "900",
		ChannelID: "C1",
		GuildID:   "G1",
		Content:   "hey <@!42> and @everyone",
		Timestamp: ts,
		Author:    &discordgo.User{ID: "7", Username: "ann"},
		Mentions:  []*discordgo.User{{ID: "42", Username: "bob"}},
		Attachments: []*discordgo.MessageAttachment{
			{URL: "https://cdn/a.png", ContentType: "image/png"},
			{URL: "https://cdn/a.zip", ContentType: "application/zip"},
		},
	}

	ev, err := discordToCanonical(m)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != domain.KindGroupMessage || ev.Group.ID != "C1" || ev.Sender.Name != "ann" || ev.MessageID() != "900" {
		t.Errorf("event = %+v", ev)
	}
	want := []string{"Source(900)", "Plain(hey )", "At(42,bob)", "Plain( and )", "AtAll", "Image(https://cdn/a.png)"}
	elems := ev.Chain.Elements()
	if len(elems) != len(want) {
		t.Fatalf("elements = %#v", elems)
	}
	for i, e := range elems {
		if got := describeElement(e); got != want[i] {
			t.Errorf("element %d = %s, want %s", i, got, want[i])
		}
	}

	m.GuildID = ""
	ev, _ = discordToCanonical(m)
	if ev.Kind != domain.KindFriendMessage {
		t.Errorf("dm kind = %v", ev.Kind)
	}

	if _, err := discordToCanonical(&discordgo.Message{Author: &discordgo.User{ID: "7"}}); !errors.Is(err, domain.ErrMalformedEvent) {
		t.Errorf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestDiscord_ReplyReferencesOrigin(t *testing.T) {
	d, api := newTestDiscord(t, "")
	src := domain.NewGroupMessage(domain.Sender{ID: "7"}, domain.Group{ID: "C1"},
		domain.MustMessageChain(domain.Source{ID: "900"}, domain.Plain{Text: "q"}), time.Now())

	chain := domain.MustMessageChain(
		domain.At{Target: "7"},
		domain.Plain{Text: " " + strings.Repeat("x", discordMaxMsgLen)},
		domain.Image{Data: []byte{1, 2, 3}, MimeType: "image/jpeg"},
		domain.Image{URL: "https://cdn/b.png"},
	)
	if err := d.ReplyMessage(context.Background(), src, chain, true); err != nil {
		t.Fatal(err)
	}

	sends := api.Sends()
	if len(sends) != 3 {
		t.Fatalf("sends = %d", len(sends))
	}
	first := sends[0].Msg
	if sends[0].ChannelID != "C1" || !strings.HasPrefix(first.Content, "<@7> ") {
		t.Errorf("first = %+v", first)
	}
	if first.Reference == nil || first.Reference.MessageID != "900" {
		t.Errorf("first reference = %+v", first.Reference)
	}
	if sends[1].Msg.Reference != nil {
		t.Error("only the first message should reference the origin")
	}
	images := sends[2].Msg
	if len(images.Files) != 1 || images.Files[0].Name != "image_1.jpg" {
		t.Errorf("files = %+v", images.Files)
	}
	if len(images.Embeds) != 1 || images.Embeds[0].Image.URL != "https://cdn/b.png" {
		t.Errorf("embeds = %+v", images.Embeds)
	}
}

func TestDiscord_SendToPerson(t *testing.T) {
	d, api := newTestDiscord(t, "")
	target := domain.Target{Type: domain.TargetPerson, ID: "42"}

	for i := 0; i < 2; i++ {
		if err := d.SendMessage(context.Background(), target, domain.TextChain("hi")); err != nil {
			t.Fatal(err)
		}
	}
	if len(api.opened) != 1 {
		t.Errorf("DM channel opened %d times", len(api.opened))
	}
	if s := api.Sends(); s[0].ChannelID != "dm_42" || s[0].Msg.Reference != nil {
		t.Errorf("send = %+v", s[0])
	}

	if err := d.SendMessage(context.Background(), domain.Target{Type: "thread", ID: "1"}, domain.TextChain("x")); !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}

	api.err = errors.New("HTTP 500")
	if err := d.SendMessage(context.Background(), target, domain.TextChain("x")); err == nil {
		t.Error("expected send error")
	}
}

func TestDiscord_HandleMessageFilters(t *testing.T) {
	d, api := newTestDiscord(t, "G1")
	got := make(chan domain.Event, 4)
	listener := func(_ context.Context, ev domain.Event, _ domain.Adapter) { got <- ev }
	d.RegisterListener(domain.KindGroupMessage, listener)
	d.RegisterListener(domain.KindFriendMessage, listener)

	human := &discordgo.User{ID: "7", Username: "ann"}
	msgs := []*discordgo.Message{
		{ID: "1", ChannelID: "C1", GuildID: "G1", Content: "bot", Author: &discordgo.User{ID: "9", Bot: true}},
		{ID: "2", ChannelID: "C2", GuildID: "OTHER", Content: "elsewhere", Author: human},
		{ID: "3", ChannelID: "C1", GuildID: "G1", Content: "hello", Author: human},
		{ID: "4", ChannelID: "D7", Content: "private", Author: human},
	}
	for _, m := range msgs {
		d.handleMessage(context.Background(), m)
	}
	d.dispatcher.Wait()

	if len(got) != 2 {
		t.Fatalf("listener called %d times", len(got))
	}

	// The DM channel learned from the inbound message is reused.
	if err := d.SendMessage(context.Background(), domain.Target{Type: domain.TargetPerson, ID: "7"}, domain.TextChain("ok")); err != nil {
		t.Fatal(err)
	}
	if len(api.opened) != 0 || api.Sends()[0].ChannelID != "D7" {
		t.Errorf("opened = %v sends = %+v", api.opened, api.Sends())
	}
}
