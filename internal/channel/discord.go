package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/bwmarrin/discordgo"
	lru "github.com/hashicorp/golang-lru/v2"

	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
)

const (
	discordAdapterName = "discord"
	discordMaxMsgLen   = 2000
	discordCacheSize   = 1024
)

var discordMentionPattern = regexp.MustCompile(`<@!?(\d+)>|@everyone|@here`)

// discordAPI is the part of *discordgo.Session the adapter sends through.
type discordAPI interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Token               string
	GuildID             string // optional: restrict to specific guild
	MaxConcurrentEvents int
	Logger              *slog.Logger
	Metrics             *metrics.Collector

	api discordAPI
}

// Discord is the domain.Adapter for Discord bots over the gateway.
type Discord struct {
	*adapterCore
	token   string
	guildID string
	session *discordgo.Session
	api     discordAPI
	dms     *lru.Cache[string, string] // user id -> DM channel id
}

var _ domain.Adapter = (*Discord)(nil)

// NewDiscord creates a Discord adapter. Nothing connects until Run.
func NewDiscord(cfg DiscordConfig) (*Discord, error) {
	if cfg.api == nil && cfg.Token == "" {
		return nil, errors.New("discord: token is required")
	}
	dms, err := lru.New[string, string](discordCacheSize)
	if err != nil {
		return nil, err
	}
	d := &Discord{
		adapterCore: newAdapterCore(discordAdapterName, cfg.MaxConcurrentEvents, cfg.Logger, cfg.Metrics),
		token:       cfg.Token,
		guildID:     cfg.GuildID,
		api:         cfg.api,
		dms:         dms,
	}
	if d.api == nil {
		session, err := discordgo.New("Bot " + cfg.Token)
		if err != nil {
			return nil, fmt.Errorf("discord session: %w", err)
		}
		session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
		d.session = session
		d.api = session
	}
	return d, nil
}

// Run opens the gateway connection and blocks until ctx is cancelled or Shutdown.
func (d *Discord) Run(ctx context.Context) error {
	ctx, cancel, ok := d.begin(ctx)
	if !ok {
		return nil
	}
	defer cancel()
	if d.session == nil {
		return errors.New("discord: no gateway session configured")
	}

	remove := d.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		// Ignore bot's own messages.
		if s.State != nil && s.State.User != nil && m.Author != nil && m.Author.ID == s.State.User.ID {
			return
		}
		d.handleMessage(ctx, m.Message)
	})
	defer remove()

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.logger.Info("discord bot connected", "user", d.session.State.User.Username)

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return d.session.Close()
}

func (d *Discord) handleMessage(ctx context.Context, m *discordgo.Message) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return
	}
	// If guildID is set, filter guild messages.
	if d.guildID != "" && m.GuildID != "" && m.GuildID != d.guildID {
		return
	}
	if m.GuildID == "" {
		d.dms.Add(m.Author.ID, m.ChannelID)
	}

	ev, err := discordToCanonical(m)
	if err != nil {
		d.logger.Warn("discord message rejected", "channel_id", m.ChannelID, "err", err)
		d.metrics.RecordDropped(discordAdapterName, "malformed")
		return
	}
	d.logger.Info("discord message received",
		"author", m.Author.Username,
		"channel_id", m.ChannelID,
		"kind", ev.Kind,
	)
	d.deliver(ctx, ev, d)
}

// discordToCanonical converts a gateway message. Messages without a guild
// are direct messages.
func discordToCanonical(m *discordgo.Message) (domain.Event, error) {
	if m.ID == "" || m.ChannelID == "" {
		return domain.Event{}, fmt.Errorf("%w: discord message without id or channel", domain.ErrMalformedEvent)
	}

	names := make(map[string]string, len(m.Mentions))
	for _, u := range m.Mentions {
		if u != nil {
			names[u.ID] = u.Username
		}
	}

	elems := []domain.Element{domain.Source{ID: m.ID, Time: m.Timestamp}}
	matches := discordMentionPattern.FindAllStringSubmatchIndex(m.Content, -1)
	elems = appendTextSegments(elems, m.Content, matches, func(match []int) domain.Element {
		if match[2] < 0 {
			return domain.AtAll{}
		}
		id := m.Content[match[2]:match[3]]
		return domain.At{Target: id, Display: names[id]}
	})
	for _, a := range m.Attachments {
		if a != nil && strings.HasPrefix(a.ContentType, "image/") {
			elems = append(elems, domain.Image{URL: a.URL, MimeType: a.ContentType})
		}
	}

	chain, err := domain.NewMessageChain(elems...)
	if err != nil {
		return domain.Event{}, err
	}
	sender := domain.Sender{ID: m.Author.ID, Name: m.Author.Username}
	if m.GuildID == "" {
		return domain.NewFriendMessage(sender, chain, m.Timestamp), nil
	}
	return domain.NewGroupMessage(sender, domain.Group{ID: m.ChannelID}, chain, m.Timestamp), nil
}

func (d *Discord) SendMessage(ctx context.Context, target domain.Target, chain domain.MessageChain) error {
	channelID, err := d.resolveChannel(ctx, target)
	if err != nil {
		return err
	}
	return d.send(ctx, channelID, nil, chain.WithoutSource())
}

// ReplyMessage sends chain to the source's channel, as a message reply when
// quoteOrigin is set.
func (d *Discord) ReplyMessage(ctx context.Context, source domain.Event, chain domain.MessageChain, quoteOrigin bool) error {
	channelID, err := d.resolveChannel(ctx, source.ReplyTarget())
	if err != nil {
		return err
	}
	var ref *discordgo.MessageReference
	if quoteOrigin && source.MessageID() != "" {
		ref = &discordgo.MessageReference{MessageID: source.MessageID(), ChannelID: channelID}
	}
	err = d.send(ctx, channelID, ref, chain.WithoutSource())
	d.metrics.RecordReply(discordAdapterName, string(ReplyModeNormal), err)
	return err
}

func (d *Discord) Shutdown(ctx context.Context) error {
	return d.stop(ctx, nil)
}

func (d *Discord) resolveChannel(ctx context.Context, target domain.Target) (string, error) {
	switch target.Type {
	case domain.TargetGroup:
		return target.ID, nil
	case domain.TargetPerson:
		if ch, ok := d.dms.Get(target.ID); ok {
			return ch, nil
		}
		ch, err := d.api.UserChannelCreate(target.ID, discordgo.WithContext(ctx))
		if err != nil {
			return "", fmt.Errorf("discord open DM with %s: %w", target.ID, err)
		}
		d.dms.Add(target.ID, ch.ID)
		return ch.ID, nil
	default:
		return "", fmt.Errorf("%w: target type %q", domain.ErrUnsupported, target.Type)
	}
}

func (d *Discord) send(ctx context.Context, channelID string, ref *discordgo.MessageReference, chain domain.MessageChain) error {
	text := renderText(chain, func(a domain.At) string {
		return "<@" + a.Target + ">"
	}, "@everyone")

	if text != "" {
		for _, chunk := range splitMessage(text, discordMaxMsgLen) {
			msg := &discordgo.MessageSend{Content: chunk, Reference: ref}
			if _, err := d.api.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(ctx)); err != nil {
				return fmt.Errorf("discord send to %s: %w", channelID, err)
			}
			ref = nil
		}
	}

	images := &discordgo.MessageSend{Reference: ref}
	for i, img := range chainImages(chain) {
		switch {
		case len(img.Data) > 0:
			images.Files = append(images.Files, &discordgo.File{
				Name:        fmt.Sprintf("image_%d%s", i+1, imageExtension(img.MimeType)),
				ContentType: img.MimeType,
				Reader:      bytes.NewReader(img.Data),
			})
		case img.URL != "":
			images.Embeds = append(images.Embeds, &discordgo.MessageEmbed{Image: &discordgo.MessageEmbedImage{URL: img.URL}})
		}
	}
	if len(images.Files) == 0 && len(images.Embeds) == 0 {
		return nil
	}
	if _, err := d.api.ChannelMessageSendComplex(channelID, images, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send images to %s: %w", channelID, err)
	}
	return nil
}

func imageExtension(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
