package domain

import "context"

// TargetType selects the kind of conversation a proactive message goes to.
type TargetType string

const (
	TargetPerson TargetType = "person"
	TargetGroup  TargetType = "group"
)

// Target addresses a conversation on a platform.
type Target struct {
	Type TargetType
	ID   string
}

// Listener handles one canonical event. The adapter that produced the event is
// passed so the listener can reply through it.
type Listener func(ctx context.Context, ev Event, adapter Adapter)

// Adapter is the interface every platform integration (Lark, Slack, Telegram,
// Discord, WebChat) implements.
type Adapter interface {
	Name() string
	SendMessage(ctx context.Context, target Target, chain MessageChain) error
	ReplyMessage(ctx context.Context, source Event, chain MessageChain, quoteOrigin bool) error
	// RegisterListener replaces any listener already registered for kind.
	RegisterListener(kind EventKind, l Listener)
	UnregisterListener(kind EventKind)
	// Run blocks until ctx is cancelled, Shutdown is called or the transport fails.
	Run(ctx context.Context) error
	// Shutdown is idempotent.
	Shutdown(ctx context.Context) error
}
