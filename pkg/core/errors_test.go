package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/gorilla/websocket"
)

func TestClassify_Nil(t *testing.T) {
	if got := Classify(nil); got != nil {
		t.Fatalf("Classify(nil)=%v, want nil", got)
	}
}

func TestClassify_PassThrough(t *testing.T) {
	orig := NewUnknownConversationError("c_123")
	got := Classify(fmt.Errorf("wrap: %w", orig))
	if got != orig {
		t.Fatalf("classified=%v, want original error passed through", got)
	}
}

func TestClassify_TransportFaults(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code string
	}{
		{"eof", io.EOF, "disconnect"},
		{"unexpected_eof", io.ErrUnexpectedEOF, "disconnect"},
		{"ws_close", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, "ws_close"},
		{"deadline", context.DeadlineExceeded, "timeout"},
		{"canceled", context.Canceled, "canceled"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			if got.Type != ErrTransport {
				t.Fatalf("type=%s, want %s", got.Type, ErrTransport)
			}
			if got.Code != tc.code {
				t.Fatalf("code=%q, want %q", got.Code, tc.code)
			}
			if !got.IsRetryable() {
				t.Fatalf("transport fault must be retryable")
			}
		})
	}
}

func TestClassify_RateLimitKeywords(t *testing.T) {
	cases := []string{
		"429 Too Many Requests",
		"you have exceeded your quota",
		"Rate limit reached for gpt-4o-realtime",
		"insufficient_quota: please check billing",
		"server overloaded, retry later",
	}
	for _, msg := range cases {
		got := Classify(errors.New(msg))
		if got.Type != ErrRateLimit {
			t.Fatalf("Classify(%q).Type=%s, want %s", msg, got.Type, ErrRateLimit)
		}
		if !got.IsRetryable() {
			t.Fatalf("rate limit must be retryable")
		}
	}
}

func TestClassify_FallbackAPI(t *testing.T) {
	got := Classify(errors.New("model produced malformed output"))
	if got.Type != ErrAPI {
		t.Fatalf("type=%s, want %s", got.Type, ErrAPI)
	}
	if got.IsRetryable() {
		t.Fatalf("plain api error must not be retryable")
	}
}

func TestUserMessage_Distinct(t *testing.T) {
	rate := NewRateLimitError("limited", 2).UserMessage()
	transport := NewTransportError("gone", nil).UserMessage()
	generic := NewAPIError("boom").UserMessage()

	if rate == generic || transport == generic || rate == transport {
		t.Fatalf("rate-limit and transport messages must be distinct from each other and from the generic message")
	}
}

func TestRetryAfterCarried(t *testing.T) {
	e := NewRateLimitError("limited", 30)
	if e.RetryAfter == nil || *e.RetryAfter != 30 {
		t.Fatalf("RetryAfter=%v, want 30", e.RetryAfter)
	}
	if NewRateLimitError("limited", 0).RetryAfter != nil {
		t.Fatalf("zero retry-after must not be set")
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("inner")
	e := NewPersistenceError("save failed", inner)
	if !errors.Is(e, inner) {
		t.Fatalf("expected errors.Is to see wrapped error")
	}
}
