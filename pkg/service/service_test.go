package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"ipverse/pkg/admission"
	"ipverse/pkg/fetch"
	"ipverse/pkg/model"
	"ipverse/pkg/userstore"
)

// memCache satisfies fetch.Store without touching disk.
type memCache struct {
	mu      sync.Mutex
	entries map[string]*model.IPRangeReport
}

func (m *memCache) Get(country, date string) (*model.IPRangeReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rep, ok := m.entries[country+":"+date]
	if !ok {
		return nil, model.ErrNotFound
	}
	return rep, nil
}

func (m *memCache) Put(country, date string, rep *model.IPRangeReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[country+":"+date] = rep
	return nil
}

// stubProvider serves one fixed page, or fails every call.
type stubProvider struct {
	fail bool
}

func (s *stubProvider) FetchPage(ctx context.Context, country string, pageNumber int) (*model.Page, error) {
	if s.fail {
		return nil, fmt.Errorf("directory page %d: %w", pageNumber, model.ErrProviderUnavailable)
	}
	if pageNumber > 1 {
		return &model.Page{Number: pageNumber}, nil
	}
	return &model.Page{Number: 1, Raw: 1, Records: []*model.ASNRecord{
		{ASN: 13335, Name: "Cloudflare", Ranges: []string{"1.0.0.0/24"}},
	}}, nil
}

func newTestService(t *testing.T, p *stubProvider) (*Service, *userstore.Store) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "service-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	users, err := userstore.Open(tmpDir)
	if err != nil {
		t.Fatalf("Failed to open user store: %v", err)
	}
	t.Cleanup(func() { users.Close() })

	ctrl := admission.NewController(users, admission.DefaultConfig())
	coord := fetch.New(p, &memCache{entries: make(map[string]*model.IPRangeReport)})
	return New(users, ctrl, coord), users
}

func TestHandleRequestSuccess(t *testing.T) {
	svc, users := newTestService(t, &stubProvider{})

	res, err := svc.HandleRequest(context.Background(), "alice", "us", false)
	if err != nil {
		t.Fatalf("HandleRequest failed: %v", err)
	}
	if res.Report == nil || res.Report.Country != "US" {
		t.Fatalf("got report %+v, want normalized country US", res.Report)
	}
	if !strings.Contains(res.Artifact, "1.0.0.0/24") {
		t.Errorf("artifact missing range:\n%s", res.Artifact)
	}
	if !res.Decision.Allowed || res.Decision.FreeUsed != 1 {
		t.Errorf("got decision %+v", res.Decision)
	}

	p, err := users.Get("alice")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if p.Processing {
		t.Error("processing flag left set after a successful request")
	}
}

func TestHandleRequestInvalidCountry(t *testing.T) {
	svc, users := newTestService(t, &stubProvider{})

	_, err := svc.HandleRequest(context.Background(), "alice", "usa", false)
	if !errors.Is(err, model.ErrInvalidCountry) {
		t.Fatalf("got %v, want ErrInvalidCountry", err)
	}

	// Validation happens before registration or admission: no state.
	if _, err := users.Get("alice"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("invalid request created a profile: %v", err)
	}
}

func TestHandleRequestDenied(t *testing.T) {
	svc, _ := newTestService(t, &stubProvider{})

	if _, err := svc.HandleRequest(context.Background(), "alice", "US", false); err != nil {
		t.Fatalf("first request failed: %v", err)
	}

	// Immediate second request trips the debounce.
	res, err := svc.HandleRequest(context.Background(), "alice", "US", false)
	if !errors.Is(err, model.ErrTooFast) {
		t.Fatalf("got %v, want ErrTooFast", err)
	}
	if res == nil || res.Report != nil {
		t.Error("denial carried a report")
	}
	if msg := UserMessage(err, res.Decision); !strings.Contains(msg, "Slow down") {
		t.Errorf("got message %q", msg)
	}
}

func TestHandleRequestClearsProcessingOnFailure(t *testing.T) {
	svc, users := newTestService(t, &stubProvider{fail: true})

	_, err := svc.HandleRequest(context.Background(), "alice", "US", false)
	if !errors.Is(err, model.ErrProviderUnavailable) {
		t.Fatalf("got %v, want ErrProviderUnavailable", err)
	}

	p, err := users.Get("alice")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if p.Processing {
		t.Error("processing flag left set after a failed fetch")
	}
}

func TestHandleRequestProcessingGuard(t *testing.T) {
	svc, users := newTestService(t, &stubProvider{})

	if err := users.SetProcessing("alice", true); err != nil {
		t.Fatalf("SetProcessing failed: %v", err)
	}

	res, err := svc.HandleRequest(context.Background(), "alice", "US", false)
	if !errors.Is(err, model.ErrAlreadyProcessing) {
		t.Fatalf("got %v, want ErrAlreadyProcessing", err)
	}
	if msg := UserMessage(err, res.Decision); !strings.Contains(msg, "still being processed") {
		t.Errorf("got message %q", msg)
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		d    admission.Decision
		want string
	}{
		{
			name: "success is silent",
			err:  nil,
			want: "",
		},
		{
			name: "too fast includes wait hint",
			err:  model.ErrTooFast,
			d:    admission.Decision{RetryAfter: 1400 * time.Millisecond},
			want: "wait 1 seconds",
		},
		{
			name: "rate limited includes wait hint",
			err:  model.ErrRateLimited,
			d:    admission.Decision{RetryAfter: 42 * time.Second},
			want: "42 seconds",
		},
		{
			name: "quota exhausted shows balance",
			err:  model.ErrQuotaExhausted,
			d:    admission.Decision{Coins: 0},
			want: "balance: 0",
		},
		{
			name: "internal errors are not leaked",
			err:  fmt.Errorf("dial tcp: %w", model.ErrProviderUnavailable),
			want: "try again later",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UserMessage(tt.err, tt.d)
			if !strings.Contains(got, tt.want) {
				t.Errorf("got %q, want it to contain %q", got, tt.want)
			}
		})
	}
}
