package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

func testLarkLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// larkCall records one outbound call made through recordingLarkAPI.
type larkCall struct {
	Method        string // "UploadImage", "FetchResource", "Reply", "Send", "CreateCard", "UpdateCard", "AppendCardChunk"
	MessageID     string
	MsgType       string
	Content       string
	ReceiveIDType string
	ReceiveID     string
	CardID        string
	ElementID     string
	FileKey       string
	Sequence      int
	Payload       []byte
}

// recordingLarkAPI implements LarkAPI by recording calls for later assertion.
type recordingLarkAPI struct {
	mu    sync.Mutex
	calls []larkCall

	// Errors maps a method name to the error every call of it returns.
	Errors map[string]error
	// Resources maps a file key to the resource FetchResource returns.
	Resources map[string]LarkResource
	// Delay is slept inside every call, to widen race windows.
	Delay time.Duration

	images, messages, cards int
}

func newRecordingLarkAPI() *recordingLarkAPI {
	return &recordingLarkAPI{Errors: map[string]error{}, Resources: map[string]LarkResource{}}
}

func (r *recordingLarkAPI) record(c larkCall) error {
	if r.Delay > 0 {
		time.Sleep(r.Delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	return r.Errors[c.Method]
}

func (r *recordingLarkAPI) setError(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors[method] = err
}

func (r *recordingLarkAPI) Calls() []larkCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]larkCall, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *recordingLarkAPI) CallsByMethod(method string) []larkCall {
	var out []larkCall
	for _, c := range r.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (r *recordingLarkAPI) UploadImage(_ context.Context, image io.Reader) (string, error) {
	data, _ := io.ReadAll(image)
	if err := r.record(larkCall{Method: "UploadImage", Payload: data}); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images++
	return fmt.Sprintf("img_%d", r.images), nil
}

func (r *recordingLarkAPI) FetchResource(_ context.Context, messageID, fileKey, _ string) (LarkResource, error) {
	if err := r.record(larkCall{Method: "FetchResource", MessageID: messageID, FileKey: fileKey}); err != nil {
		return LarkResource{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.Resources[fileKey]
	if !ok {
		return LarkResource{}, fmt.Errorf("resource %s not found", fileKey)
	}
	return res, nil
}

func (r *recordingLarkAPI) nextMessageID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages++
	return fmt.Sprintf("om_recorded_%d", r.messages)
}

func (r *recordingLarkAPI) Reply(_ context.Context, messageID, msgType, content string) (string, error) {
	if err := r.record(larkCall{Method: "Reply", MessageID: messageID, MsgType: msgType, Content: content}); err != nil {
		return "", err
	}
	return r.nextMessageID(), nil
}

func (r *recordingLarkAPI) Send(_ context.Context, receiveIDType, receiveID, msgType, content string) (string, error) {
	if err := r.record(larkCall{Method: "Send", ReceiveIDType: receiveIDType, ReceiveID: receiveID, MsgType: msgType, Content: content}); err != nil {
		return "", err
	}
	return r.nextMessageID(), nil
}

func (r *recordingLarkAPI) CreateCard(_ context.Context, cardJSON string) (string, error) {
	if err := r.record(larkCall{Method: "CreateCard", Content: cardJSON}); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cards++
	return fmt.Sprintf("card_%d", r.cards), nil
}

func (r *recordingLarkAPI) UpdateCard(_ context.Context, messageID, content string) error {
	return r.record(larkCall{Method: "UpdateCard", MessageID: messageID, Content: content})
}

func (r *recordingLarkAPI) AppendCardChunk(_ context.Context, cardID, elementID, content string, sequence int) error {
	return r.record(larkCall{Method: "AppendCardChunk", CardID: cardID, ElementID: elementID, Content: content, Sequence: sequence})
}
