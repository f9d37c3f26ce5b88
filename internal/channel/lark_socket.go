package channel

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"
)

const (
	socketBackoffMin = time.Second
	socketBackoffMax = 30 * time.Second
	// A connection that stayed up this long resets the backoff.
	socketStableAfter = time.Minute
)

// socketClient is a push connection that blocks until it fails.
type socketClient interface {
	Start(ctx context.Context) error
}

type socketFactory func(handler *dispatcher.EventDispatcher) socketClient

// larkSocketFactory builds SDK push clients. The SDK reconnects a dropped
// connection by itself and only returns from Start when the first connect
// fails. It has no way to close an established connection: once the context
// given to Start is cancelled its reconnect attempts fail at the endpoint
// request, but the open connection lives until the server drops it.
func larkSocketFactory(appID, appSecret, domain string, logger *slog.Logger) socketFactory {
	return func(handler *dispatcher.EventDispatcher) socketClient {
		return larkws.NewClient(appID, appSecret,
			larkws.WithEventHandler(handler),
			larkws.WithDomain(ResolveLarkDomain(domain)),
			larkws.WithAutoReconnect(true),
			larkws.WithLogger(newLarkLogger(logger)),
			larkws.WithLogLevel(larkcore.LogLevelInfo),
		)
	}
}

type socketHandleFunc func(ctx context.Context, data *larkim.P2MessageReceiveV1Data) error

// socketEvents feeds push events to a handler until detached. The SDK keeps
// its dispatcher for the life of the client, so detaching clears the handler
// the dispatcher calls instead.
type socketEvents struct {
	handle atomic.Pointer[socketHandleFunc]
	logger *slog.Logger
}

func newSocketEvents(h socketHandleFunc, logger *slog.Logger) *socketEvents {
	e := &socketEvents{logger: logger}
	e.handle.Store(&h)
	return e
}

func (e *socketEvents) dispatcher(verificationToken, encryptKey string) *dispatcher.EventDispatcher {
	return dispatcher.NewEventDispatcher(verificationToken, encryptKey).
		OnP2MessageReceiveV1(e.receive)
}

// receive acknowledges every event; events after detach are discarded.
func (e *socketEvents) receive(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
	h := e.handle.Load()
	if h == nil {
		e.logger.Debug("lark socket event after shutdown discarded")
		return nil
	}
	if event == nil {
		return nil
	}
	if err := (*h)(ctx, event.Event); err != nil {
		e.logger.Warn("lark event rejected", "err", err)
	}
	return nil
}

func (e *socketEvents) detach() {
	e.handle.Store(nil)
}

// socketSupervisor keeps a push connection alive, reconnecting with backoff
// until reconnects are disabled or its context ends.
type socketSupervisor struct {
	connect   func() socketClient
	reconnect *atomic.Bool
	logger    *slog.Logger
	backoff   func(attempt int) time.Duration
}

func (s *socketSupervisor) run(ctx context.Context) error {
	delay := s.backoff
	if delay == nil {
		delay = socketBackoff
	}

	attempt := 0
	for {
		if ctx.Err() != nil || !s.reconnect.Load() {
			return nil
		}
		started := time.Now()
		err := s.start(ctx, s.connect())
		if ctx.Err() != nil || !s.reconnect.Load() {
			s.logger.Info("lark socket stopped")
			return nil
		}
		if time.Since(started) > socketStableAfter {
			attempt = 0
		}
		wait := delay(attempt)
		attempt++
		if err != nil {
			s.logger.Warn("lark socket disconnected, reconnecting", "err", err, "retry_in", wait)
		} else {
			s.logger.Warn("lark socket exited without error, reconnecting", "retry_in", wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// start runs client until it returns or ctx ends. The SDK client may keep
// blocking after its context is cancelled, so it is not awaited then.
func (s *socketSupervisor) start(ctx context.Context, client socketClient) error {
	errCh := make(chan error, 1)
	go func() { errCh <- client.Start(ctx) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func socketBackoff(attempt int) time.Duration {
	d := socketBackoffMin
	for i := 0; i < attempt && d < socketBackoffMax; i++ {
		d *= 2
	}
	if d > socketBackoffMax {
		d = socketBackoffMax
	}
	return d
}
