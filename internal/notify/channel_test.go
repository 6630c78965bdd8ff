package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
	"github.com/tjfontaine/sitepipe/internal/pkg/config"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent map[string][]string
	fail map[string]bool
}

func newFakeTransport(failing ...string) *fakeTransport {
	t := &fakeTransport{sent: make(map[string][]string), fail: make(map[string]bool)}
	for _, f := range failing {
		t.fail[f] = true
	}
	return t
}

func (t *fakeTransport) Send(_ context.Context, address, text string) error {
	if address == "panic@example.com" {
		panic("transport bug")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail[address] {
		return errors.New("mailbox full")
	}
	t.sent[address] = append(t.sent[address], text)
	return nil
}

func (t *fakeTransport) recipients() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for addr := range t.sent {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func executionEvent(state string) *domain.Event {
	return &domain.Event{
		ID:         "e1",
		Source:     domain.SourcePipelineLifecycle,
		DetailType: domain.DetailPipelineExecution,
		Time:       time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC),
		Account:    "123456789012",
		Pipeline:   &domain.PipelineEventDetail{Pipeline: "site-pipeline", RunID: "run-1", State: state},
	}
}

func wait(t *testing.T, c *Channel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestFormat(t *testing.T) {
	noAccount := executionEvent("SUCCEEDED")
	noAccount.Account = ""

	tests := []struct {
		name  string
		event *domain.Event
		want  string
	}{
		{
			name:  "with account",
			event: executionEvent("FAILED"),
			want:  "The pipeline site-pipeline from account 123456789012 has FAILED at 2024-05-01T12:30:00Z.",
		},
		{
			name:  "without account",
			event: noAccount,
			want:  "The pipeline site-pipeline has SUCCEEDED at 2024-05-01T12:30:00Z.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(tt.event); got != tt.want {
				t.Errorf("Format() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChannel_Deliver(t *testing.T) {
	tests := []struct {
		name  string
		event *domain.Event
		want  bool
	}{
		{name: "started", event: executionEvent("STARTED"), want: true},
		{name: "superseded", event: executionEvent("SUPERSEDED"), want: true},
		{name: "resumed", event: executionEvent("RESUMED"), want: true},
		{name: "unannounced state", event: executionEvent("STOPPING")},
		{name: "stage event", event: func() *domain.Event {
			e := executionEvent("FAILED")
			e.DetailType = domain.DetailPipelineStage
			return e
		}()},
		{name: "build event", event: &domain.Event{Source: domain.SourceBuildLifecycle, Build: &domain.BuildCompletionEvent{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport()
			c := NewChannel(tr, []string{"ops@example.com"})

			if err := c.Deliver(context.Background(), tt.event); err != nil {
				t.Fatalf("Deliver() error = %v", err)
			}
			wait(t, c)

			if got := len(tr.recipients()) == 1; got != tt.want {
				t.Errorf("delivered = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChannel_FailingSubscriberDoesNotAffectOthers(t *testing.T) {
	tr := newFakeTransport("broken@example.com")
	c := NewChannel(tr, []string{"a@example.com", "broken@example.com", "panic@example.com", "b@example.com"})

	if err := c.Deliver(context.Background(), executionEvent("SUCCEEDED")); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	wait(t, c)

	got := tr.recipients()
	if len(got) != 2 || got[0] != "a@example.com" || got[1] != "b@example.com" {
		t.Errorf("recipients = %v", got)
	}
}

func TestChannel_SetSubscribers(t *testing.T) {
	tr := newFakeTransport()
	c := NewChannel(tr, []string{"old@example.com"})
	c.SetSubscribers([]string{"new@example.com"})

	c.Report(context.Background(), "verdict for pull request 42 was not posted")
	wait(t, c)

	if got := tr.recipients(); len(got) != 1 || got[0] != "new@example.com" {
		t.Errorf("recipients = %v", got)
	}
}

func TestWebhookTransport(t *testing.T) {
	var (
		mu   sync.Mutex
		msgs []webhookMessage
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m webhookMessage
		json.NewDecoder(r.Body).Decode(&m)
		mu.Lock()
		msgs = append(msgs, m)
		mu.Unlock()
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	relay := NewWebhookTransport(srv.URL, srv.Client())
	if err := relay.Send(context.Background(), "ops@example.com", "hello"); err != nil {
		t.Fatalf("relay Send() error = %v", err)
	}

	direct := NewWebhookTransport("", srv.Client())
	if err := direct.Send(context.Background(), srv.URL+"/hook", "hi"); err != nil {
		t.Fatalf("direct Send() error = %v", err)
	}

	err := direct.Send(context.Background(), srv.URL+"/fail", "hi")
	if e, ok := domain.AsError(err); !ok || e.Type != domain.ErrorTypeDelivery {
		t.Errorf("failing Send() error = %v, want delivery error", err)
	}
	if err := direct.Send(context.Background(), "ops@example.com", "hi"); err == nil {
		t.Error("expected error for non-URL subscriber without relay")
	}

	if msgs[0].Address != "ops@example.com" || msgs[0].Text != "hello" {
		t.Errorf("relay message = %+v", msgs[0])
	}
	if msgs[1].Address != "" || msgs[1].Text != "hi" {
		t.Errorf("direct message = %+v", msgs[1])
	}
}

func TestNewTransportFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.NotificationsConfig
		want    string
		wantErr bool
	}{
		{name: "default", cfg: config.NotificationsConfig{}, want: "*notify.LogTransport"},
		{name: "webhook", cfg: config.NotificationsConfig{Transport: "webhook", WebhookURL: "https://relay.example.com"}, want: "*notify.WebhookTransport"},
		{name: "webhook blocking private", cfg: config.NotificationsConfig{Transport: "webhook", BlockPrivateNetworks: true}, want: "*notify.WebhookTransport"},
		{name: "bad timeout", cfg: config.NotificationsConfig{Transport: "log", Timeout: "forever"}, wantErr: true},
		{name: "unknown", cfg: config.NotificationsConfig{Transport: "pigeon"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := NewTransportFromConfig(tt.cfg, nil)
			if tt.wantErr {
				if !domain.IsConfigError(err) {
					t.Errorf("error = %v, want config error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			switch tr.(type) {
			case *LogTransport:
				if tt.want != "*notify.LogTransport" {
					t.Errorf("got LogTransport, want %s", tt.want)
				}
			case *WebhookTransport:
				if tt.want != "*notify.WebhookTransport" {
					t.Errorf("got WebhookTransport, want %s", tt.want)
				}
			}
		})
	}
}
