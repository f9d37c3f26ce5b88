package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

const (
	larkEventMessageReceive = "im.message.receive_v1"
	larkURLVerification     = "url_verification"

	defaultLarkCallbackPath = "/lark/callback"
	maxWebhookBody          = 1 << 20
)

var (
	errUnknownEventType = errors.New("lark: unknown event type")
	errTokenMismatch    = errors.New("lark: verification token mismatch")
)

// larkEnvelope covers the plain, encrypted and url_verification callback bodies.
type larkEnvelope struct {
	Encrypt   string           `json:"encrypt,omitempty"`
	Schema    string           `json:"schema,omitempty"`
	Type      string           `json:"type,omitempty"`
	Challenge string           `json:"challenge,omitempty"`
	Token     string           `json:"token,omitempty"`
	Header    *larkEventHeader `json:"header,omitempty"`
	Event     json.RawMessage  `json:"event,omitempty"`
}

type larkEventHeader struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	CreateTime string `json:"create_time"`
	Token      string `json:"token"`
	AppID      string `json:"app_id"`
}

type larkCallbackResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// larkWebhookConfig configures the webhook transport.
type larkWebhookConfig struct {
	Host   string
	Port   int
	Path   string
	Cipher *LarkCipher // nil when callbacks are not encrypted
	// VerificationToken, when set, must match the token in every callback.
	VerificationToken string
	Handle            func(ctx context.Context, data *larkim.P2MessageReceiveV1Data) error
	Logger            *slog.Logger
}

// larkWebhook receives Lark event callbacks over HTTP.
type larkWebhook struct {
	addr   string
	path   string
	cipher *LarkCipher
	token  string
	handle func(ctx context.Context, data *larkim.P2MessageReceiveV1Data) error
	logger *slog.Logger
	server *http.Server
}

func newLarkWebhook(cfg larkWebhookConfig) *larkWebhook {
	if cfg.Path == "" {
		cfg.Path = defaultLarkCallbackPath
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	return &larkWebhook{
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		path:   cfg.Path,
		cipher: cfg.Cipher,
		token:  cfg.VerificationToken,
		handle: cfg.Handle,
		logger: cfg.Logger,
	}
}

func (w *larkWebhook) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(w.path, w.handleCallback)
	return mux
}

// Start serves callbacks until ctx is cancelled.
func (w *larkWebhook) Start(ctx context.Context) error {
	w.server = &http.Server{
		Addr:              w.addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	w.logger.Info("lark webhook server starting", "addr", w.addr, "path", w.path)

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("lark webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return w.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("lark webhook server: %w", err)
	}
}

func (w *larkWebhook) handleCallback(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		w.fail(rw, "read body", err)
		return
	}

	env, err := w.open(body)
	if err != nil {
		w.fail(rw, "open envelope", err)
		return
	}

	if env.Type == larkURLVerification {
		if err := w.checkToken(env.Token); err != nil {
			w.fail(rw, "url verification", err)
			return
		}
		w.logger.Info("lark url verification")
		writeJSON(rw, http.StatusOK, map[string]string{"challenge": env.Challenge})
		return
	}

	if env.Header == nil || env.Header.EventType != larkEventMessageReceive {
		eventType := ""
		if env.Header != nil {
			eventType = env.Header.EventType
		}
		w.fail(rw, "dispatch", fmt.Errorf("%w: %q", errUnknownEventType, eventType))
		return
	}
	if err := w.checkToken(env.Header.Token); err != nil {
		w.fail(rw, "dispatch", err)
		return
	}

	var data larkim.P2MessageReceiveV1Data
	if err := json.Unmarshal(env.Event, &data); err != nil {
		w.fail(rw, "decode event", err)
		return
	}
	if err := w.handle(r.Context(), &data); err != nil {
		w.fail(rw, "handle event", err)
		return
	}

	writeJSON(rw, http.StatusOK, larkCallbackResponse{Code: http.StatusOK, Message: "ok"})
}

// open parses body and, when it is encrypted, decrypts the inner envelope.
func (w *larkWebhook) open(body []byte) (*larkEnvelope, error) {
	var env larkEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if env.Encrypt == "" {
		return &env, nil
	}
	if w.cipher == nil {
		return nil, fmt.Errorf("%w: encrypted callback but no encrypt key configured", ErrDecrypt)
	}
	plain, err := w.cipher.Decrypt(env.Encrypt)
	if err != nil {
		return nil, err
	}
	var inner larkEnvelope
	if err := json.Unmarshal(plain, &inner); err != nil {
		return nil, fmt.Errorf("decode decrypted body: %w", err)
	}
	return &inner, nil
}

func (w *larkWebhook) checkToken(token string) error {
	if w.token != "" && token != w.token {
		return errTokenMismatch
	}
	return nil
}

// fail logs the cause and answers with the generic error body.
func (w *larkWebhook) fail(rw http.ResponseWriter, stage string, err error) {
	w.logger.Warn("lark callback failed", "stage", stage, "err", err)
	writeJSON(rw, http.StatusInternalServerError, larkCallbackResponse{Code: http.StatusInternalServerError, Message: "error"})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
