package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"chatbridge/internal/cardstate"
	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
)

// ReplyMode selects how replies are delivered on Lark.
type ReplyMode string

const (
	// ReplyModeNormal sends every reply as a new post message.
	ReplyModeNormal ReplyMode = "normal"
	// ReplyModeCard rewrites one interactive card with the full reply so far.
	ReplyModeCard ReplyMode = "card"
	// ReplyModeStream appends sequenced chunks to one card element.
	ReplyModeStream ReplyMode = "stream"
)

const (
	defaultStreamField = "content"
	// Card creation failures are remembered so the reply for that turn
	// reports them instead of ErrNoReplyCard.
	larkFailedCardsSize = 256
)

// ErrCardCreate wraps failures to create the reply card of a conversation.
var ErrCardCreate = errors.New("lark: create reply card")

// ParseReplyMode accepts "normal", "card", "stream" and "stream_message".
func ParseReplyMode(s string) (ReplyMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ReplyModeNormal):
		return ReplyModeNormal, nil
	case string(ReplyModeCard):
		return ReplyModeCard, nil
	case string(ReplyModeStream), "stream_message":
		return ReplyModeStream, nil
	default:
		return "", fmt.Errorf("unknown reply mode %q", s)
	}
}

type larkReplierConfig struct {
	Mode             ReplyMode
	API              LarkAPI
	Messages         *LarkMessageConverter
	States           *cardstate.Store
	CardTemplateID   string
	CardTemplateJSON string
	StreamField      string
	Logger           *slog.Logger
	Metrics          *metrics.Collector
}

// larkReplier owns the reply strategy of one adapter. All work for a given
// inbound message id runs under that id's lock in the state store. Cards are
// only created by Prepare; replies never open a second card for a conversation.
type larkReplier struct {
	mode         ReplyMode
	api          LarkAPI
	messages     *LarkMessageConverter
	states       *cardstate.Store
	failed       *lru.Cache[string, error]
	templateID   string
	templateJSON string
	streamField  string
	logger       *slog.Logger
	metrics      *metrics.Collector
}

func newLarkReplier(cfg larkReplierConfig) (*larkReplier, error) {
	if cfg.StreamField == "" {
		cfg.StreamField = defaultStreamField
	}
	failed, err := lru.New[string, error](larkFailedCardsSize)
	if err != nil {
		return nil, fmt.Errorf("lark: create card failure cache: %w", err)
	}
	return &larkReplier{
		mode:         cfg.Mode,
		api:          cfg.API,
		messages:     cfg.Messages,
		states:       cfg.States,
		failed:       failed,
		templateID:   cfg.CardTemplateID,
		templateJSON: cfg.CardTemplateJSON,
		streamField:  cfg.StreamField,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}, nil
}

func (r *larkReplier) usesCard() bool {
	return r.mode == ReplyModeCard || r.mode == ReplyModeStream
}

// Prepare creates the reply card for messageID ahead of the first reply. It
// is a no-op in normal mode or when the card already exists. A failure is
// kept and returned by the replies for messageID.
func (r *larkReplier) Prepare(ctx context.Context, messageID string) error {
	if !r.usesCard() || messageID == "" {
		return nil
	}
	err := r.states.Do(ctx, messageID, func(tx *cardstate.Txn) error {
		if _, ok := tx.Get(); ok {
			return nil
		}
		return r.createCard(ctx, tx)
	})
	if err != nil {
		r.failed.Add(messageID, err)
		return err
	}
	r.failed.Remove(messageID)
	return nil
}

// Reply delivers chain as an answer to source.
func (r *larkReplier) Reply(ctx context.Context, source domain.Event, chain domain.MessageChain) error {
	err := r.reply(ctx, source, chain)
	r.metrics.RecordReply("lark", string(r.mode), err)
	return err
}

func (r *larkReplier) reply(ctx context.Context, source domain.Event, chain domain.MessageChain) error {
	messageID := source.MessageID()
	chain = chain.WithoutSource()

	if !r.usesCard() {
		if messageID == "" {
			return r.sendPost(ctx, source.ReplyTarget(), chain)
		}
		return r.states.Do(ctx, messageID, func(*cardstate.Txn) error {
			return r.replyPost(ctx, messageID, chain)
		})
	}

	if messageID == "" {
		return domain.ErrNoSourceMessage
	}
	return r.states.Do(ctx, messageID, func(tx *cardstate.Txn) error {
		conv, ok := tx.Get()
		if !ok {
			if err, failed := r.failed.Get(messageID); failed {
				return err
			}
			return fmt.Errorf("%w: %s", domain.ErrNoReplyCard, messageID)
		}
		text := renderCardMarkdown(chain)
		if r.mode == ReplyModeCard {
			return r.updateCard(ctx, conv, text)
		}
		if err := r.api.AppendCardChunk(ctx, conv.CardID, r.streamField, text, conv.Sequence); err != nil {
			return fmt.Errorf("append card chunk %d: %w", conv.Sequence, err)
		}
		conv.Sequence++
		tx.Put(conv)
		return nil
	})
}

func (r *larkReplier) replyPost(ctx context.Context, messageID string, chain domain.MessageChain) error {
	paragraphs, err := r.messages.ToNative(ctx, chain)
	if err != nil {
		return err
	}
	content, err := PostContent(paragraphs)
	if err != nil {
		return err
	}
	if _, err := r.api.Reply(ctx, messageID, larkim.MsgTypePost, content); err != nil {
		return fmt.Errorf("reply to %s: %w", messageID, err)
	}
	return nil
}

func (r *larkReplier) sendPost(ctx context.Context, target domain.Target, chain domain.MessageChain) error {
	idType, err := larkReceiveIDType(target.Type)
	if err != nil {
		return err
	}
	paragraphs, err := r.messages.ToNative(ctx, chain)
	if err != nil {
		return err
	}
	content, err := PostContent(paragraphs)
	if err != nil {
		return err
	}
	if _, err := r.api.Send(ctx, idType, target.ID, larkim.MsgTypePost, content); err != nil {
		return fmt.Errorf("send to %s %s: %w", target.Type, target.ID, err)
	}
	return nil
}

// createCard creates the card entity and the reply message that shows it,
// recording the conversation with sequence 1.
func (r *larkReplier) createCard(ctx context.Context, tx *cardstate.Txn) error {
	cardJSON, err := r.cardJSON()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCardCreate, err)
	}
	cardID, err := r.api.CreateCard(ctx, cardJSON)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCardCreate, err)
	}

	content, err := json.Marshal(map[string]any{
		"type": "card",
		"data": map[string]string{"card_id": cardID},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCardCreate, err)
	}
	replyID, err := r.api.Reply(ctx, tx.Key(), larkim.MsgTypeInteractive, string(content))
	if err != nil {
		return fmt.Errorf("%w: send card: %w", ErrCardCreate, err)
	}

	tx.Put(cardstate.Conversation{CardID: cardID, ReplyMessageID: replyID, Sequence: 1})
	r.logger.Debug("lark reply card created", "message_id", tx.Key(), "card_id", cardID)
	return nil
}

func (r *larkReplier) cardJSON() (string, error) {
	if r.templateJSON != "" {
		return r.templateJSON, nil
	}
	b, err := json.Marshal(map[string]any{
		"schema": "2.0",
		"config": map[string]any{
			"streaming_mode": r.mode == ReplyModeStream,
			"update_multi":   true,
		},
		"body": map[string]any{
			"elements": []map[string]any{
				{"tag": "markdown", "content": "", "element_id": r.streamField},
			},
		},
	})
	return string(b), err
}

func (r *larkReplier) updateCard(ctx context.Context, conv cardstate.Conversation, text string) error {
	content, err := json.Marshal(map[string]any{
		"type": "template",
		"data": map[string]any{
			"template_id":       r.templateID,
			"template_variable": map[string]string{"content": text},
		},
	})
	if err != nil {
		return err
	}
	if err := r.api.UpdateCard(ctx, conv.ReplyMessageID, string(content)); err != nil {
		return fmt.Errorf("update card %s: %w", conv.CardID, err)
	}
	return nil
}

// renderCardMarkdown flattens chain into card markdown. Images are not
// rendered in cards.
func renderCardMarkdown(chain domain.MessageChain) string {
	var sb strings.Builder
	writeCardMarkdown(&sb, chain)
	return sb.String()
}

func writeCardMarkdown(sb *strings.Builder, chain domain.MessageChain) {
	for _, e := range chain.Elements() {
		switch v := e.(type) {
		case domain.Plain:
			sb.WriteString(sanitizeText(v.Text))
		case domain.At:
			fmt.Fprintf(sb, "<at id=%s></at>", v.Target)
		case domain.AtAll:
			sb.WriteString("<at id=all></at>")
		case domain.Forward:
			for _, n := range v.Nodes {
				if sb.Len() > 0 {
					sb.WriteByte('\n')
				}
				writeCardMarkdown(sb, n.Chain)
			}
		}
	}
}

func larkReceiveIDType(t domain.TargetType) (string, error) {
	switch t {
	case domain.TargetPerson:
		return larkim.ReceiveIdTypeOpenId, nil
	case domain.TargetGroup:
		return larkim.ReceiveIdTypeChatId, nil
	default:
		return "", fmt.Errorf("%w: target type %q", domain.ErrUnsupported, t)
	}
}
