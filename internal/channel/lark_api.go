package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkcardkit "github.com/larksuite/oapi-sdk-go/v3/service/cardkit/v1"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"chatbridge/internal/metrics"
)

const defaultLarkRequestTimeout = 10 * time.Second

// LarkResource is a downloaded message attachment.
type LarkResource struct {
	Data     []byte
	FileName string
	MimeType string
}

// LarkAPI is the subset of the Lark open platform the adapter calls.
type LarkAPI interface {
	UploadImage(ctx context.Context, image io.Reader) (string, error)
	FetchResource(ctx context.Context, messageID, fileKey, resourceType string) (LarkResource, error)
	// Reply answers messageID and returns the new message id.
	Reply(ctx context.Context, messageID, msgType, content string) (string, error)
	// Send posts a new message and returns its id.
	Send(ctx context.Context, receiveIDType, receiveID, msgType, content string) (string, error)
	CreateCard(ctx context.Context, cardJSON string) (string, error)
	// UpdateCard replaces the content of an interactive message.
	UpdateCard(ctx context.Context, messageID, content string) error
	// AppendCardChunk sets the content of one card element. Sequence must
	// increase strictly for a given card.
	AppendCardChunk(ctx context.Context, cardID, elementID, content string, sequence int) error
}

// APIError is a non-success response from the Lark open platform.
type APIError struct {
	Op    string
	Code  int
	Msg   string
	LogID string
}

func (e *APIError) Error() string {
	if e.LogID != "" {
		return fmt.Sprintf("lark %s: %s (code: %d, log_id: %s)", e.Op, e.Msg, e.Code, e.LogID)
	}
	return fmt.Sprintf("lark %s: %s (code: %d)", e.Op, e.Msg, e.Code)
}

// LarkClientConfig configures the SDK-backed LarkAPI.
type LarkClientConfig struct {
	AppID     string
	AppSecret string
	// Domain is "feishu", "lark" or a base URL.
	Domain  string
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// larkClient implements LarkAPI on top of the official SDK. Every call runs
// under its own timeout.
type larkClient struct {
	client  *lark.Client
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Collector
}

// NewLarkClient creates a LarkAPI backed by the Lark SDK.
func NewLarkClient(cfg LarkClientConfig) LarkAPI {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultLarkRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := lark.NewClient(cfg.AppID, cfg.AppSecret,
		lark.WithAppType(larkcore.AppTypeSelfBuilt),
		lark.WithOpenBaseUrl(ResolveLarkDomain(cfg.Domain)),
		lark.WithReqTimeout(timeout),
		lark.WithLogger(newLarkLogger(logger)),
		lark.WithLogLevel(larkcore.LogLevelWarn),
	)
	return &larkClient{client: client, timeout: timeout, logger: logger, metrics: cfg.Metrics}
}

// ResolveLarkDomain maps a configured domain name to the open platform base URL.
func ResolveLarkDomain(domain string) string {
	switch domain {
	case "", "feishu":
		return lark.FeishuBaseUrl
	case "lark":
		return lark.LarkBaseUrl
	default:
		return domain
	}
}

func (c *larkClient) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	c.metrics.ObserveAPICall("lark", op, time.Since(start), err)
	if err != nil {
		c.logger.Warn("lark api call failed", "op", op, "err", err)
	}
	return err
}

func (c *larkClient) UploadImage(ctx context.Context, image io.Reader) (string, error) {
	var key string
	err := c.call(ctx, "upload_image", func(ctx context.Context) error {
		req := larkim.NewCreateImageReqBuilder().
			Body(larkim.NewCreateImageReqBodyBuilder().
				ImageType(larkim.ImageTypeMessage).
				Image(image).
				Build()).
			Build()
		resp, err := c.client.Im.V1.Image.Create(ctx, req)
		if err != nil {
			return fmt.Errorf("lark upload_image: %w", err)
		}
		if !resp.Success() {
			return &APIError{Op: "upload_image", Code: resp.Code, Msg: resp.Msg, LogID: resp.RequestId()}
		}
		if resp.Data == nil || resp.Data.ImageKey == nil {
			return &APIError{Op: "upload_image", Msg: "empty image key"}
		}
		key = *resp.Data.ImageKey
		return nil
	})
	return key, err
}

func (c *larkClient) FetchResource(ctx context.Context, messageID, fileKey, resourceType string) (LarkResource, error) {
	var res LarkResource
	err := c.call(ctx, "fetch_resource", func(ctx context.Context) error {
		req := larkim.NewGetMessageResourceReqBuilder().
			MessageId(messageID).
			FileKey(fileKey).
			Type(resourceType).
			Build()
		resp, err := c.client.Im.V1.MessageResource.Get(ctx, req)
		if err != nil {
			return fmt.Errorf("lark fetch_resource: %w", err)
		}
		if !resp.Success() {
			return &APIError{Op: "fetch_resource", Code: resp.Code, Msg: resp.Msg, LogID: resp.RequestId()}
		}
		if resp.File == nil {
			return &APIError{Op: "fetch_resource", Msg: "empty payload"}
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, resp.File); err != nil {
			return fmt.Errorf("lark fetch_resource: read body: %w", err)
		}
		res = LarkResource{
			Data:     buf.Bytes(),
			FileName: resp.FileName,
			MimeType: http.DetectContentType(buf.Bytes()),
		}
		return nil
	})
	return res, err
}

func (c *larkClient) Reply(ctx context.Context, messageID, msgType, content string) (string, error) {
	var id string
	err := c.call(ctx, "reply", func(ctx context.Context) error {
		req := larkim.NewReplyMessageReqBuilder().
			MessageId(messageID).
			Body(larkim.NewReplyMessageReqBodyBuilder().
				Content(content).
				MsgType(msgType).
				ReplyInThread(false).
				Uuid(uuid.NewString()).
				Build()).
			Build()
		resp, err := c.client.Im.V1.Message.Reply(ctx, req)
		if err != nil {
			return fmt.Errorf("lark reply: %w", err)
		}
		if !resp.Success() {
			return &APIError{Op: "reply", Code: resp.Code, Msg: resp.Msg, LogID: resp.RequestId()}
		}
		if resp.Data != nil && resp.Data.MessageId != nil {
			id = *resp.Data.MessageId
		}
		return nil
	})
	return id, err
}

func (c *larkClient) Send(ctx context.Context, receiveIDType, receiveID, msgType, content string) (string, error) {
	var id string
	err := c.call(ctx, "send", func(ctx context.Context) error {
		req := larkim.NewCreateMessageReqBuilder().
			ReceiveIdType(receiveIDType).
			Body(larkim.NewCreateMessageReqBodyBuilder().
				ReceiveId(receiveID).
				MsgType(msgType).
				Content(content).
				Uuid(uuid.NewString()).
				Build()).
			Build()
		resp, err := c.client.Im.V1.Message.Create(ctx, req)
		if err != nil {
			return fmt.Errorf("lark send: %w", err)
		}
		if !resp.Success() {
			return &APIError{Op: "send", Code: resp.Code, Msg: resp.Msg, LogID: resp.RequestId()}
		}
		if resp.Data != nil && resp.Data.MessageId != nil {
			id = *resp.Data.MessageId
		}
		return nil
	})
	return id, err
}

func (c *larkClient) CreateCard(ctx context.Context, cardJSON string) (string, error) {
	var id string
	err := c.call(ctx, "create_card", func(ctx context.Context) error {
		req := larkcardkit.NewCreateCardReqBuilder().
			Body(larkcardkit.NewCreateCardReqBodyBuilder().
				Type("card_json").
				Data(cardJSON).
				Build()).
			Build()
		resp, err := c.client.Cardkit.V1.Card.Create(ctx, req)
		if err != nil {
			return fmt.Errorf("lark create_card: %w", err)
		}
		if !resp.Success() {
			return &APIError{Op: "create_card", Code: resp.Code, Msg: resp.Msg, LogID: resp.RequestId()}
		}
		if resp.Data == nil || resp.Data.CardId == nil {
			return &APIError{Op: "create_card", Msg: "empty card id"}
		}
		id = *resp.Data.CardId
		return nil
	})
	return id, err
}

func (c *larkClient) UpdateCard(ctx context.Context, messageID, content string) error {
	return c.call(ctx, "update_card", func(ctx context.Context) error {
		req := larkim.NewPatchMessageReqBuilder().
			MessageId(messageID).
			Body(larkim.NewPatchMessageReqBodyBuilder().
				Content(content).
				Build()).
			Build()
		resp, err := c.client.Im.V1.Message.Patch(ctx, req)
		if err != nil {
			return fmt.Errorf("lark update_card: %w", err)
		}
		if !resp.Success() {
			return &APIError{Op: "update_card", Code: resp.Code, Msg: resp.Msg, LogID: resp.RequestId()}
		}
		return nil
	})
}

func (c *larkClient) AppendCardChunk(ctx context.Context, cardID, elementID, content string, sequence int) error {
	return c.call(ctx, "append_card_chunk", func(ctx context.Context) error {
		req := larkcardkit.NewContentCardElementReqBuilder().
			CardId(cardID).
			ElementId(elementID).
			Body(larkcardkit.NewContentCardElementReqBodyBuilder().
				Uuid(uuid.NewString()).
				Content(content).
				Sequence(sequence).
				Build()).
			Build()
		resp, err := c.client.Cardkit.V1.CardElement.Content(ctx, req)
		if err != nil {
			return fmt.Errorf("lark append_card_chunk: %w", err)
		}
		if !resp.Success() {
			return &APIError{Op: "append_card_chunk", Code: resp.Code, Msg: resp.Msg, LogID: resp.RequestId()}
		}
		return nil
	})
}

// larkLogger routes SDK log output into slog.
type larkLogger struct {
	logger *slog.Logger
}

func newLarkLogger(logger *slog.Logger) larkcore.Logger {
	return &larkLogger{logger: logger.With("component", "lark-sdk")}
}

func (l *larkLogger) Debug(ctx context.Context, args ...interface{}) {
	l.logger.DebugContext(ctx, fmt.Sprint(args...))
}

func (l *larkLogger) Info(ctx context.Context, args ...interface{}) {
	l.logger.InfoContext(ctx, fmt.Sprint(args...))
}

func (l *larkLogger) Warn(ctx context.Context, args ...interface{}) {
	l.logger.WarnContext(ctx, fmt.Sprint(args...))
}

func (l *larkLogger) Error(ctx context.Context, args ...interface{}) {
	l.logger.ErrorContext(ctx, fmt.Sprint(args...))
}
