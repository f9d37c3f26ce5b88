package domain

import (
	"fmt"
	"time"
)

// EventKind is the closed set of canonical event variants.
type EventKind int

const (
	KindFriendMessage EventKind = iota + 1
	KindGroupMessage
)

func (k EventKind) String() string {
	switch k {
	case KindFriendMessage:
		return "friend_message"
	case KindGroupMessage:
		return "group_message"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type Sender struct {
	ID   string
	Name string
}

type Group struct {
	ID   string
	Name string
}

// Event is a platform-independent inbound message. Group is set only for
// KindGroupMessage.
type Event struct {
	Kind    EventKind
	Adapter string
	Sender  Sender
	Group   *Group
	Chain   MessageChain
	Time    time.Time
}

func NewFriendMessage(sender Sender, chain MessageChain, at time.Time) Event {
	return Event{Kind: KindFriendMessage, Sender: sender, Chain: chain, Time: at}
}

func NewGroupMessage(sender Sender, group Group, chain MessageChain, at time.Time) Event {
	g := group
	return Event{Kind: KindGroupMessage, Sender: sender, Group: &g, Chain: chain, Time: at}
}

// MessageID returns the platform message id carried by the chain's Source.
func (e Event) MessageID() string {
	if s, ok := e.Chain.Source(); ok {
		return s.ID
	}
	return ""
}

// ConversationID is the chat the event belongs to: the group id for group
// messages, the sender id otherwise.
func (e Event) ConversationID() string {
	if e.Kind == KindGroupMessage && e.Group != nil {
		return e.Group.ID
	}
	return e.Sender.ID
}

// ReplyTarget returns the Target that addresses the event's conversation.
func (e Event) ReplyTarget() Target {
	if e.Kind == KindGroupMessage {
		return Target{Type: TargetGroup, ID: e.ConversationID()}
	}
	return Target{Type: TargetPerson, ID: e.Sender.ID}
}
