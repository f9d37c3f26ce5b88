package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatbridge/internal/channel"
	"chatbridge/internal/config"
	"chatbridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestDecryptPayload(t *testing.T) {
	const key = "test key"
	cipher, err := channel.NewLarkCipher(key).Encrypt([]byte(`{"type":"url_verification","challenge":"abc123"}`), bytes.Repeat([]byte{1}, 16))
	if err != nil {
		t.Fatal(err)
	}

	for _, input := range []string{cipher, `{"encrypt":"` + cipher + `"}`, "  " + cipher + "\n"} {
		plain, err := decryptPayload(key, []byte(input))
		if err != nil {
			t.Fatalf("decrypt %q: %v", input, err)
		}
		if !strings.Contains(string(plain), `"challenge": "abc123"`) {
			t.Errorf("plaintext not indented JSON: %s", plain)
		}
	}

	if _, err := decryptPayload("wrong", []byte(cipher)); !errors.Is(err, channel.ErrDecrypt) {
		t.Errorf("expected ErrDecrypt, got %v", err)
	}
	if _, err := decryptPayload(key, []byte(`{"type":"event_callback"}`)); err == nil {
		t.Error("expected error for body without encrypt field")
	}
}

func TestBuildAdapters(t *testing.T) {
	cfg := config.Defaults()
	adapters, err := buildAdapters(cfg, testLogger(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(adapters) != 0 {
		t.Fatalf("no channels enabled, got %d adapters", len(adapters))
	}

	cfg.Channels.Lark.Enabled = true
	cfg.Channels.Lark.AppID = "cli_x"
	cfg.Channels.Lark.AppSecret = "secret"
	cfg.Channels.Lark.ReplyMode = "stream_message"
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.Token = "123:abc"
	cfg.Channels.WebChat.Enabled = true

	adapters, err = buildAdapters(cfg, testLogger(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, a := range adapters {
		names = append(names, a.Name())
	}
	if got := strings.Join(names, ","); got != "lark,telegram,webchat" {
		t.Errorf("adapters = %s", got)
	}

	cfg.Channels.Lark.ReplyMode = "fancy"
	if _, err := buildAdapters(cfg, testLogger(), nil, nil); err == nil {
		t.Error("expected error for unknown reply mode")
	}
}

type slowAdapter struct {
	domain.Adapter
	name  string
	delay time.Duration
}

func (s slowAdapter) Name() string { return s.name }

func (s slowAdapter) Shutdown(ctx context.Context) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestShutdownAll(t *testing.T) {
	fast := slowAdapter{name: "fast"}
	if err := shutdownAll([]domain.Adapter{fast, fast}, time.Second, testLogger()); err != nil {
		t.Fatal(err)
	}

	slow := slowAdapter{name: "slow", delay: time.Minute}
	err := shutdownAll([]domain.Adapter{fast, slow}, 20*time.Millisecond, testLogger())
	if !errors.Is(err, context.DeadlineExceeded) || !strings.Contains(err.Error(), "slow") {
		t.Errorf("expected slow adapter timeout, got %v", err)
	}
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "chatbridge.log")
	log, closer, err := newLogger(config.GeneralConfig{LogLevel: "debug", LogFile: path})
	if err != nil {
		t.Fatal(err)
	}
	log.Debug("hello", "k", "v")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "msg=hello k=v") {
		t.Errorf("log file = %q", data)
	}
}

func TestRenderUnit(t *testing.T) {
	unit := renderUnit(systemdTemplate, map[string]string{"{{EXEC}}": "/usr/bin/chatbridge", "{{CONFIG}}": "/etc/cb.yaml"})
	if !strings.Contains(unit, "ExecStart=/usr/bin/chatbridge serve --config /etc/cb.yaml") {
		t.Errorf("unit = %s", unit)
	}
}
