package channel

import (
	"context"
	"fmt"
	"time"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"chatbridge/internal/domain"
)

const (
	larkChatP2P   = "p2p"
	larkChatGroup = "group"
)

// LarkEventConverter maps im.message.receive_v1 payloads to canonical events.
type LarkEventConverter struct {
	adapter  string
	messages *LarkMessageConverter
}

func NewLarkEventConverter(adapter string, messages *LarkMessageConverter) *LarkEventConverter {
	return &LarkEventConverter{adapter: adapter, messages: messages}
}

// ToCanonical yields a friend message for p2p chats and a group message for
// group chats. Group names are not part of the payload and stay empty.
func (c *LarkEventConverter) ToCanonical(ctx context.Context, data *larkim.P2MessageReceiveV1Data) (domain.Event, error) {
	if data == nil || data.Message == nil {
		return domain.Event{}, fmt.Errorf("%w: missing message", domain.ErrMalformedEvent)
	}
	if data.Sender == nil || data.Sender.SenderId == nil {
		return domain.Event{}, fmt.Errorf("%w: missing sender", domain.ErrMalformedEvent)
	}

	chatType := deref(data.Message.ChatType)
	if chatType != larkChatP2P && chatType != larkChatGroup {
		return domain.Event{}, fmt.Errorf("%w: %q", domain.ErrUnknownChatType, chatType)
	}

	chain, err := c.messages.ToCanonical(ctx, data.Message)
	if err != nil {
		return domain.Event{}, err
	}

	at := time.Now()
	if src, ok := chain.Source(); ok && !src.Time.IsZero() {
		at = src.Time
	}

	var ev domain.Event
	if chatType == larkChatP2P {
		sender := domain.Sender{
			ID:   deref(data.Sender.SenderId.OpenId),
			Name: deref(data.Sender.SenderId.UnionId),
		}
		ev = domain.NewFriendMessage(sender, chain, at)
	} else {
		sender := domain.Sender{ID: deref(data.Sender.SenderId.OpenId)}
		group := domain.Group{ID: deref(data.Message.ChatId)}
		ev = domain.NewGroupMessage(sender, group, chain, at)
	}
	ev.Adapter = c.adapter
	return ev, nil
}

// ToNative is not supported: outbound traffic goes through the send and reply
// APIs, never through synthesized platform events.
func (c *LarkEventConverter) ToNative(domain.Event) (*larkim.P2MessageReceiveV1Data, error) {
	return nil, domain.ErrUnsupported
}
