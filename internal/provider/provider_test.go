package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	cases := map[int]Kind{
		401: KindAuth,
		403: KindAuth,
		429: KindRateLimit,
		400: KindInvalidRequest,
		422: KindInvalidRequest,
		500: KindUnknown,
		503: KindUnknown,
	}
	for status, want := range cases {
		if got := classifyStatus(status); got != want {
			t.Errorf("classifyStatus(%d) = %s, want %s", status, got, want)
		}
	}
}

func TestClassifyNetworkErrors(t *testing.T) {
	err := classify("test", context.DeadlineExceeded)
	if err.Kind != KindNetwork {
		t.Errorf("deadline exceeded classified as %s, want network", err.Kind)
	}
	err = classify("test", errors.New("dial tcp: connection refused"))
	if err.Kind != KindNetwork {
		t.Errorf("connection refused classified as %s, want network", err.Kind)
	}
	err = classify("test", errors.New("something odd"))
	if err.Kind != KindUnknown {
		t.Errorf("arbitrary error classified as %s, want unknown", err.Kind)
	}
}

func TestKindOf(t *testing.T) {
	wrapped := &Error{Kind: KindRateLimit, Provider: "x", Err: errors.New("slow down")}
	if got := KindOf(wrapped); got != KindRateLimit {
		t.Errorf("KindOf = %s, want rate_limit", got)
	}
	if got := KindOf(errors.New("bare")); got != KindUnknown {
		t.Errorf("KindOf(bare) = %s, want unknown", got)
	}
}

func TestStubComplete(t *testing.T) {
	stub := NewStubClient(Completion{Text: "4", TokensIn: 5, TokensOut: 1, Model: "stub-model"})

	resp, err := stub.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "2+2?"}},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Text != "4" || resp.TokensIn != 5 || resp.TokensOut != 1 {
		t.Errorf("unexpected completion: %+v", resp)
	}
	if len(stub.Requests) != 1 {
		t.Errorf("request not recorded")
	}
}

func TestStubFailureQueue(t *testing.T) {
	stub := NewStubClient(Completion{Text: "later"})
	stub.FailWith(&Error{Kind: KindRateLimit, Provider: "stub", Err: errors.New("throttled")})

	_, err := stub.Complete(context.Background(), Request{})
	if KindOf(err) != KindRateLimit {
		t.Fatalf("expected queued rate-limit failure, got %v", err)
	}

	resp, err := stub.Complete(context.Background(), Request{})
	if err != nil || resp.Text != "later" {
		t.Fatalf("expected queued completion after failure, got (%+v, %v)", resp, err)
	}
}

func TestStubStreamAssemblesChunks(t *testing.T) {
	stub := NewStubClient(Completion{Text: "the quick brown fox"})

	var chunks []string
	resp, err := stub.Stream(context.Background(), Request{}, func(c Chunk) error {
		chunks = append(chunks, c.Text)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if len(chunks) < 2 {
		t.Errorf("expected multiple chunks, got %v", chunks)
	}
	if strings.Join(chunks, "") != resp.Text {
		t.Errorf("chunks %q do not assemble to %q", strings.Join(chunks, ""), resp.Text)
	}
}

func TestStubStreamAbortsOnCallbackError(t *testing.T) {
	stub := NewStubClient(Completion{Text: "one two three"})

	abort := errors.New("stop")
	_, err := stub.Stream(context.Background(), Request{}, func(c Chunk) error {
		return abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("expected callback error to propagate, got %v", err)
	}
}

func TestAnthropicCompleteAgainstTestServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"content": [{"type": "text", "text": "hello"}],
			"usage": {"input_tokens": 7, "output_tokens": 2}
		}`))
	}))
	defer server.Close()

	client, err := NewAnthropicClient("test-key", "claude-3-5-sonnet-latest")
	if err != nil {
		t.Fatalf("NewAnthropicClient failed: %v", err)
	}
	client.SetBaseURL(server.URL)

	resp, err := client.Complete(context.Background(), Request{
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Text != "hello" || resp.TokensIn != 7 || resp.TokensOut != 2 {
		t.Errorf("unexpected completion: %+v", resp)
	}
}

func TestAnthropicAuthErrorClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"type": "authentication_error", "message": "bad key"}}`))
	}))
	defer server.Close()

	client, _ := NewAnthropicClient("wrong", "")
	client.SetBaseURL(server.URL)

	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if KindOf(err) != KindAuth {
		t.Fatalf("expected auth classification, got %v", err)
	}
}

func TestAnthropicStreamAgainstTestServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"event: message_start\n" +
				"data: {\"type\": \"message_start\", \"message\": {\"usage\": {\"input_tokens\": 9}}}\n\n" +
				"event: content_block_delta\n" +
				"data: {\"type\": \"content_block_delta\", \"delta\": {\"type\": \"text_delta\", \"text\": \"hel\"}}\n\n" +
				"event: content_block_delta\n" +
				"data: {\"type\": \"content_block_delta\", \"delta\": {\"type\": \"text_delta\", \"text\": \"lo\"}}\n\n" +
				"event: message_delta\n" +
				"data: {\"type\": \"message_delta\", \"usage\": {\"output_tokens\": 3}}\n\n"))
	}))
	defer server.Close()

	client, _ := NewAnthropicClient("test-key", "")
	client.SetBaseURL(server.URL)

	var got string
	resp, err := client.Stream(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, func(c Chunk) error {
		got += c.Text
		return nil
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if got != "hello" || resp.Text != "hello" {
		t.Errorf("streamed text = %q, assembled = %q", got, resp.Text)
	}
	if resp.TokensIn != 9 || resp.TokensOut != 3 {
		t.Errorf("usage = %d/%d, want 9/3", resp.TokensIn, resp.TokensOut)
	}
}
