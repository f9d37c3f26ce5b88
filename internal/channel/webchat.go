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
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
)

const (
	webchatAdapterName   = "webchat"
	webchatMaxFrameSize  = 1 << 20 // 1MB
	webchatDefaultPort   = 8081
	webchatDefaultLength = 100

	// The debug chat has one person session and one group session.
	webchatSessionPerson = "person"
	webchatSessionGroup  = "group"
	webchatUserID        = "webchatperson"
	webchatGroupID       = "webchatgroup"
)

var webchatUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // debug channel, bound to localhost by default
	},
}

// WebChatConfig configures the WebChat debug adapter.
type WebChatConfig struct {
	Host string
	Port int
	// HistorySize bounds the transcript kept per session.
	HistorySize         int
	MaxConcurrentEvents int
	Logger              *slog.Logger
	Metrics             *metrics.Collector
}

// WebChat is a domain.Adapter that lets a browser or script talk to the
// pipeline over a websocket, with an HTTP view of the session transcripts.
type WebChat struct {
	*adapterCore
	addr        string
	historySize int

	mu       sync.RWMutex
	history  map[string][]webchatEntry
	clients  map[*webchatClient]struct{}
	listener net.Listener
}

var _ domain.Adapter = (*WebChat)(nil)

type webchatClient struct {
	conn        *websocket.Conn
	sessionType string
	mu          sync.Mutex
}

// webchatFrame is the JSON protocol spoken over the websocket.
type webchatFrame struct {
	Type        string           `json:"type"` // "message" | "reply" | "status" | "error"
	SessionType string           `json:"session_type,omitempty"`
	ID          string           `json:"id,omitempty"`
	Quote       string           `json:"quote,omitempty"`
	Message     []webchatElement `json:"message,omitempty"`
	Content     string           `json:"content,omitempty"`
}

// webchatElement is the JSON form of one chain element.
type webchatElement struct {
	Type     string `json:"type"` // "Plain" | "At" | "AtAll" | "Image"
	Text     string `json:"text,omitempty"`
	Target   string `json:"target,omitempty"`
	Display  string `json:"display,omitempty"`
	URL      string `json:"url,omitempty"`
	Base64   []byte `json:"base64,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// webchatEntry is one transcript line.
type webchatEntry struct {
	ID      string           `json:"id"`
	Role    string           `json:"role"` // "user" | "bot"
	Quote   string           `json:"quote,omitempty"`
	Message []webchatElement `json:"message"`
	Time    time.Time        `json:"time"`
}

func NewWebChat(cfg WebChatConfig) *WebChat {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = webchatDefaultPort
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = webchatDefaultLength
	}
	return &WebChat{
		adapterCore: newAdapterCore(webchatAdapterName, cfg.MaxConcurrentEvents, cfg.Logger, cfg.Metrics),
		addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		historySize: cfg.HistorySize,
		history:     make(map[string][]webchatEntry),
		clients:     make(map[*webchatClient]struct{}),
	}
}

// Handler returns the websocket endpoint and the transcript API.
func (w *WebChat) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /webchat/ws", w.handleUpgrade)
	mux.HandleFunc("POST /webchat/send/{session_type}", w.handleSend)
	mux.HandleFunc("GET /webchat/messages/{session_type}", w.handleMessages)
	mux.HandleFunc("POST /webchat/reset/{session_type}", w.handleReset)
	return mux
}

// Run serves Handler until ctx is cancelled or Shutdown.
func (w *WebChat) Run(ctx context.Context) error {
	ctx, cancel, ok := w.begin(ctx)
	if !ok {
		return nil
	}
	defer cancel()

	ln, err := net.Listen("tcp", w.addr)
	if err != nil {
		return fmt.Errorf("webchat listen: %w", err)
	}
	w.mu.Lock()
	w.listener = ln
	w.mu.Unlock()

	server := &http.Server{
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	w.logger.Info("webchat server starting", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.closeAllClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("webchat server: %w", err)
	}
}

// Addr reports the address the server listens on once Run has started.
func (w *WebChat) Addr() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.listener == nil {
		return w.addr
	}
	return w.listener.Addr().String()
}

func (w *WebChat) Shutdown(ctx context.Context) error {
	return w.stop(ctx, w.closeAllClients)
}

func (w *WebChat) SendMessage(_ context.Context, target domain.Target, chain domain.MessageChain) error {
	var sessionType string
	switch target.Type {
	case domain.TargetPerson:
		sessionType = webchatSessionPerson
	case domain.TargetGroup:
		sessionType = webchatSessionGroup
	default:
		return fmt.Errorf("%w: target type %q", domain.ErrUnsupported, target.Type)
	}
	w.push(sessionType, "", chain.WithoutSource())
	return nil
}

// ReplyMessage appends chain to the source's session transcript and pushes it
// to connected clients, naming the source message when quoteOrigin is set.
func (w *WebChat) ReplyMessage(_ context.Context, source domain.Event, chain domain.MessageChain, quoteOrigin bool) error {
	sessionType := webchatSessionPerson
	if source.Kind == domain.KindGroupMessage {
		sessionType = webchatSessionGroup
	}
	quote := ""
	if quoteOrigin {
		quote = source.MessageID()
	}
	w.push(sessionType, quote, chain.WithoutSource())
	w.metrics.RecordReply(webchatAdapterName, string(ReplyModeNormal), nil)
	return nil
}

func (w *WebChat) push(sessionType, quote string, chain domain.MessageChain) {
	entry := webchatEntry{
		ID:      uuid.NewString(),
		Role:    "bot",
		Quote:   quote,
		Message: webchatEncode(chain),
		Time:    time.Now(),
	}
	w.record(sessionType, entry)
	w.broadcast(sessionType, webchatFrame{
		Type:        "reply",
		SessionType: sessionType,
		ID:          entry.ID,
		Quote:       quote,
		Message:     entry.Message,
	})
}

// receive converts an inbound frame, records it and hands it to the listener.
func (w *WebChat) receive(ctx context.Context, sessionType string, message []webchatElement) (webchatEntry, error) {
	if sessionType != webchatSessionPerson && sessionType != webchatSessionGroup {
		return webchatEntry{}, fmt.Errorf("%w: session type %q", domain.ErrUnknownChatType, sessionType)
	}
	if len(message) == 0 {
		return webchatEntry{}, fmt.Errorf("%w: empty message", domain.ErrMalformedEvent)
	}

	now := time.Now()
	entry := webchatEntry{ID: uuid.NewString(), Role: "user", Message: message, Time: now}
	elems := append([]domain.Element{domain.Source{ID: entry.ID, Time: now}}, w.decode(message)...)
	chain, err := domain.NewMessageChain(elems...)
	if err != nil {
		return webchatEntry{}, err
	}
	w.record(sessionType, entry)

	sender := domain.Sender{ID: webchatUserID, Name: "WebChat"}
	ev := domain.NewFriendMessage(sender, chain, now)
	if sessionType == webchatSessionGroup {
		ev = domain.NewGroupMessage(sender, domain.Group{ID: webchatGroupID, Name: "WebChat"}, chain, now)
	}
	w.logger.Debug("webchat message received", "session_type", sessionType, "id", entry.ID)
	w.deliver(ctx, ev, w)
	return entry, nil
}

func (w *WebChat) record(sessionType string, entry webchatEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := append(w.history[sessionType], entry)
	if len(h) > w.historySize {
		h = append([]webchatEntry(nil), h[len(h)-w.historySize:]...)
	}
	w.history[sessionType] = h
}

// Messages returns a copy of the transcript of a session.
func (w *WebChat) Messages(sessionType string) []webchatEntry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]webchatEntry{}, w.history[sessionType]...)
}

func (w *WebChat) reset(sessionType string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.history, sessionType)
}

func (w *WebChat) handleUpgrade(rw http.ResponseWriter, r *http.Request) {
	sessionType := r.URL.Query().Get("session_type")
	if sessionType == "" {
		sessionType = webchatSessionPerson
	}
	if !validSessionType(sessionType) {
		http.Error(rw, "session_type must be person or group", http.StatusBadRequest)
		return
	}

	conn, err := webchatUpgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Error("webchat upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(webchatMaxFrameSize)

	client := &webchatClient{conn: conn, sessionType: sessionType}
	w.mu.Lock()
	w.clients[client] = struct{}{}
	w.mu.Unlock()
	w.logger.Info("webchat client connected", "session_type", sessionType, "remote", r.RemoteAddr)

	defer func() {
		w.mu.Lock()
		delete(w.clients, client)
		w.mu.Unlock()
		conn.Close()
		w.logger.Info("webchat client disconnected", "session_type", sessionType)
	}()

	client.send(webchatFrame{Type: "status", SessionType: sessionType, Content: "connected"})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Error("webchat read error", "err", err)
			}
			return
		}

		var frame webchatFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			w.logger.Warn("invalid webchat frame", "err", err)
			client.send(webchatFrame{Type: "error", Content: "invalid frame"})
			continue
		}
		if frame.Type != "message" {
			w.logger.Debug("webchat frame ignored", "type", frame.Type)
			continue
		}
		st := frame.SessionType
		if st == "" {
			st = sessionType
		}
		if _, err := w.receive(r.Context(), st, frame.Message); err != nil {
			w.logger.Warn("webchat message rejected", "err", err)
			w.metrics.RecordDropped(webchatAdapterName, "malformed")
			client.send(webchatFrame{Type: "error", Content: err.Error()})
		}
	}
}

type webchatResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

func (w *WebChat) handleSend(rw http.ResponseWriter, r *http.Request) {
	sessionType := r.PathValue("session_type")
	if !validSessionType(sessionType) {
		writeJSON(rw, http.StatusBadRequest, webchatResponse{Code: -1, Msg: "session_type must be person or group"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, webchatMaxFrameSize))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, webchatResponse{Code: -1, Msg: "read body failed"})
		return
	}
	var req struct {
		Message []webchatElement `json:"message"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(rw, http.StatusBadRequest, webchatResponse{Code: -1, Msg: "invalid JSON"})
		return
	}
	if len(req.Message) == 0 {
		writeJSON(rw, http.StatusBadRequest, webchatResponse{Code: -1, Msg: "message is required"})
		return
	}
	entry, err := w.receive(r.Context(), sessionType, req.Message)
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, webchatResponse{Code: -1, Msg: err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, webchatResponse{Msg: "ok", Data: map[string]any{"message": entry}})
}

func (w *WebChat) handleMessages(rw http.ResponseWriter, r *http.Request) {
	sessionType := r.PathValue("session_type")
	if !validSessionType(sessionType) {
		writeJSON(rw, http.StatusBadRequest, webchatResponse{Code: -1, Msg: "session_type must be person or group"})
		return
	}
	writeJSON(rw, http.StatusOK, webchatResponse{Msg: "ok", Data: map[string]any{"messages": w.Messages(sessionType)}})
}

func (w *WebChat) handleReset(rw http.ResponseWriter, r *http.Request) {
	sessionType := r.PathValue("session_type")
	if !validSessionType(sessionType) {
		writeJSON(rw, http.StatusBadRequest, webchatResponse{Code: -1, Msg: "session_type must be person or group"})
		return
	}
	w.reset(sessionType)
	w.logger.Info("webchat session reset", "session_type", sessionType)
	writeJSON(rw, http.StatusOK, webchatResponse{Msg: "ok", Data: map[string]string{"message": "Session reset successfully"}})
}

func (w *WebChat) broadcast(sessionType string, frame webchatFrame) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for client := range w.clients {
		if client.sessionType == sessionType {
			client.send(frame)
		}
	}
}

func (c *webchatClient) send(frame webchatFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *WebChat) closeAllClients() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for client := range w.clients {
		client.conn.Close()
		delete(w.clients, client)
	}
}

func validSessionType(s string) bool {
	return s == webchatSessionPerson || s == webchatSessionGroup
}

// decode maps wire elements to chain elements. Unknown element types are
// dropped.
func (w *WebChat) decode(message []webchatElement) []domain.Element {
	elems := make([]domain.Element, 0, len(message))
	for _, e := range message {
		switch e.Type {
		case "Plain":
			elems = append(elems, domain.Plain{Text: e.Text})
		case "At":
			elems = append(elems, domain.At{Target: e.Target, Display: e.Display})
		case "AtAll":
			elems = append(elems, domain.AtAll{})
		case "Image":
			elems = append(elems, domain.Image{Data: e.Base64, URL: e.URL, MimeType: e.MimeType})
		default:
			w.logger.Warn("webchat element dropped", "type", e.Type)
		}
	}
	return elems
}

// webchatEncode maps a chain to wire elements. Forwards are flattened to text.
func webchatEncode(chain domain.MessageChain) []webchatElement {
	out := make([]webchatElement, 0, chain.Len())
	for _, e := range chain.Elements() {
		switch v := e.(type) {
		case domain.Plain:
			out = append(out, webchatElement{Type: "Plain", Text: v.Text})
		case domain.At:
			out = append(out, webchatElement{Type: "At", Target: v.Target, Display: v.Display})
		case domain.AtAll:
			out = append(out, webchatElement{Type: "AtAll"})
		case domain.Image:
			out = append(out, webchatElement{Type: "Image", URL: v.URL, Base64: v.Data, MimeType: v.MimeType})
		case domain.Forward:
			text := renderText(domain.MustMessageChain(v), func(a domain.At) string {
				return "@" + firstNonEmpty(a.Display, a.Target)
			}, "@all")
			out = append(out, webchatElement{Type: "Plain", Text: text})
		}
	}
	return out
}
