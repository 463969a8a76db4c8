package daytona

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/JoeProAI/neural-weights-hub/internal/domain"
)

func TestClientCreateSendsHeadersAndBody(t *testing.T) {
	var got CreateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sandbox" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer key-1" {
			t.Errorf("unexpected authorization header %q", auth)
		}
		if org := r.Header.Get("X-Daytona-Organization-ID"); org != "org-1" {
			t.Errorf("unexpected organization header %q", org)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"sb-1","state":"started","createdAt":"2025-01-02T03:04:05Z","labels":{"neural-weights/user-id":"u1"}}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, APIKey: "key-1", OrganizationID: "org-1"})
	sb, err := client.Create(context.Background(), CreateRequest{
		Name:    "neural-weights-demo-1234abcd",
		Labels:  map[string]string{"neural-weights/user-id": "u1"},
		CPU:     2,
		Volumes: []VolumeMount{{VolumeID: "v1", MountPath: "/models/gpt-20b"}},
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if got.CPU != 2 || len(got.Volumes) != 1 || got.Volumes[0].MountPath != "/models/gpt-20b" {
		t.Fatalf("unexpected request body: %+v", got)
	}
	if sb.State() != domain.StateStarted {
		t.Fatalf("expected STARTED, got %s", sb.State())
	}
	if sb.CreatedAt().IsZero() {
		t.Fatalf("expected parsed creation time")
	}
	if sb.Label("neural-weights/user-id") != "u1" {
		t.Fatalf("expected owner label")
	}
}

func TestClientListEncodesLabelFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		labels := r.URL.Query().Get("labels")
		if labels != `{"neural-weights/user-id":"u1"}` {
			t.Errorf("unexpected labels filter %q", labels)
		}
		_, _ = w.Write([]byte(`[{"id":"a","state":"stopped"},{"id":"b","state":"started"}]`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	list, err := client.List(context.Background(), map[string]string{"neural-weights/user-id": "u1"})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(list) != 2 || list[0].State() != domain.StateStopped {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestClientMapsAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"sandbox not found"}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	_, err := client.Get(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found error, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "sandbox not found" {
		t.Fatalf("expected message to be extracted, got %v", err)
	}
}

func TestClientExecuteAndPreview(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/toolbox/sb-1/toolbox/process/execute":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["command"] != "echo hi" {
				t.Errorf("unexpected command %v", body["command"])
			}
			_, _ = w.Write([]byte(`{"exitCode":0,"result":"hi\n"}`))
		case "/sandbox/sb-1/ports/22222/preview-url":
			_, _ = w.Write([]byte(`{"url":"https://22222-sb-1.proxy.daytona.work","token":"tok"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	res, err := client.Execute(context.Background(), "sb-1", "echo hi", 30*time.Second)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if res.ExitCode != 0 || res.Result != "hi\n" {
		t.Fatalf("unexpected exec result %+v", res)
	}
	preview, err := client.PreviewURL(context.Background(), "sb-1", 22222)
	if err != nil {
		t.Fatalf("PreviewURL returned error: %v", err)
	}
	if preview.Token != "tok" {
		t.Fatalf("unexpected preview %+v", preview)
	}
	if FallbackPreviewURL("sb-1", 22222) != "https://22222-sb-1.proxy.daytona.work" {
		t.Fatalf("unexpected fallback url %s", FallbackPreviewURL("sb-1", 22222))
	}
}

func TestWaitForStateReturnsWhenReached(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		state := "starting"
		if n >= 3 {
			state = "started"
		}
		_, _ = w.Write([]byte(`{"id":"sb-1","state":"` + state + `"}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	sb, err := client.WaitForState(context.Background(), "sb-1", domain.StateStarted, 5*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("WaitForState returned error: %v", err)
	}
	if sb.State() != domain.StateStarted {
		t.Fatalf("expected STARTED, got %s", sb.State())
	}
}

func TestWaitForStateTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"sb-1","state":"starting"}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	sb, err := client.WaitForState(context.Background(), "sb-1", domain.StateStarted, 5*time.Millisecond, 30*time.Millisecond)
	if !errors.Is(err, ErrStateTimeout) {
		t.Fatalf("expected ErrStateTimeout, got %v", err)
	}
	if sb == nil || sb.State() != domain.StateStarting {
		t.Fatalf("expected last observed sandbox, got %+v", sb)
	}
}

func TestWaitForStateBoundsHungPolls(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := New(Config{BaseURL: srv.URL, Timeout: time.Minute})
	start := time.Now()
	sb, err := client.WaitForState(context.Background(), "sb-1", domain.StateStarted, 5*time.Millisecond, 50*time.Millisecond)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("wait should stop near its budget, took %s", elapsed)
	}
	if !errors.Is(err, ErrStateTimeout) {
		t.Fatalf("expected ErrStateTimeout, got %v", err)
	}
	if sb != nil {
		t.Fatalf("no poll completed, got %+v", sb)
	}
}

func TestWaitForStateHonoursCallerCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"sb-1","state":"starting"}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := New(Config{BaseURL: srv.URL})
	if _, err := client.WaitForState(ctx, "sb-1", domain.StateStarted, 5*time.Millisecond, time.Second); errors.Is(err, ErrStateTimeout) || err == nil {
		t.Fatalf("a cancelled caller should see its own error, got %v", err)
	}
}
