package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"o2y-gateway/internal/auth"
)

// fakeJobs finishes each operation after pendingPolls pending answers.
// pendingPolls < 0 never finishes.
type fakeJobs struct {
	mu           sync.Mutex
	pendingPolls int
	failWith     *UpstreamError
	image        []byte

	submitted int
	polls     map[string]int
	lastJob   ImageJob
}

func (f *fakeJobs) SubmitImage(_ context.Context, _ auth.Credential, job ImageJob) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted++
	f.lastJob = job
	return fmt.Sprintf("op-%d", f.submitted), nil
}

func (f *fakeJobs) PollImage(_ context.Context, _ auth.Credential, opID string) (*ImageJobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.polls == nil {
		f.polls = make(map[string]int)
	}
	f.polls[opID]++

	if f.failWith != nil {
		return &ImageJobStatus{OperationID: opID, State: JobFailed, Err: f.failWith}, nil
	}
	if f.pendingPolls < 0 || f.polls[opID] <= f.pendingPolls {
		return &ImageJobStatus{OperationID: opID, State: JobPending}, nil
	}
	return &ImageJobStatus{OperationID: opID, State: JobDone, Image: f.image}, nil
}

func (f *fakeJobs) pollCount(opID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls[opID]
}

type memorySink struct {
	mu    sync.Mutex
	items map[string][]byte
}

func (s *memorySink) Put(_ context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items == nil {
		s.items = make(map[string][]byte)
	}
	s.items[name] = data
	return nil
}

type recordingExpirer struct {
	mu        sync.Mutex
	scheduled map[string]time.Duration
}

func (e *recordingExpirer) Schedule(name string, after time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.scheduled == nil {
		e.scheduled = make(map[string]time.Duration)
	}
	e.scheduled[name] = after
}

func newTestPoller(t *testing.T, jobs ImageJobClient, sink ImageSink, expirer ExpiryScheduler) *Poller {
	t.Helper()
	return NewPoller(jobs, sink, expirer, PollerConfig{
		Interval:  time.Millisecond,
		PublicURL: "https://gw.example.com/",
		Now:       func() time.Time { return testNow },
	}, zaptest.NewLogger(t))
}

func TestPollerPendingThenDone(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{pendingPolls: 3, image: []byte("jpeg")}
	p := newTestPoller(t, jobs, nil, nil)

	resp, err := p.Generate(context.Background(), testCred, ImageRequest{
		Model:          "dall-e-3",
		Prompt:         "a lighthouse",
		ResponseFormat: ImageFormatB64JSON,
		Timeout:        10,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if got := jobs.pollCount("op-1"); got != 4 {
		t.Fatalf("expected k+1 = 4 polls, got %d", got)
	}
	if len(resp.Data) != 1 || resp.Data[0].B64JSON != base64.StdEncoding.EncodeToString([]byte("jpeg")) {
		t.Fatalf("unexpected data: %#v", resp.Data)
	}
	if resp.Data[0].URL != "" {
		t.Fatalf("b64_json responses must not carry a url")
	}
	if resp.Created != testNow.Unix() {
		t.Fatalf("unexpected created: %d", resp.Created)
	}
	if jobs.lastJob.Size != DefaultImageSize {
		t.Fatalf("expected default size, got %q", jobs.lastJob.Size)
	}
}

func TestPollerTimeout(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{pendingPolls: -1}
	p := newTestPoller(t, jobs, nil, nil)

	_, err := p.Generate(context.Background(), testCred, ImageRequest{
		Model:          "dall-e-3",
		Prompt:         "never finishes",
		ResponseFormat: ImageFormatB64JSON,
		Timeout:        5,
	})

	var tErr *TimeoutError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected *TimeoutError, got %v", err)
	}
	if tErr.Seconds != 5 || tErr.Error() != "image generation timed out after 5 seconds" {
		t.Fatalf("unexpected timeout error: %v", tErr)
	}
	if got := jobs.pollCount("op-1"); got != 6 {
		t.Fatalf("expected timeout+1 = 6 polls, got %d", got)
	}
}

func TestPollerOperationError(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{failWith: &UpstreamError{StatusCode: http.StatusBadRequest, Body: []byte(`{"error":{"message":"nope"}}`)}}
	p := newTestPoller(t, jobs, nil, nil)

	_, err := p.Generate(context.Background(), testCred, ImageRequest{
		Model:          "dall-e-3",
		Prompt:         "x",
		ResponseFormat: ImageFormatB64JSON,
	})

	var upErr *UpstreamError
	if !errors.As(err, &upErr) || upErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 *UpstreamError, got %v", err)
	}
	if got := jobs.pollCount("op-1"); got != 1 {
		t.Fatalf("failed job must not be polled again, got %d polls", got)
	}
}

func TestPollerStoresURLImages(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{image: []byte("jpeg")}
	sink := &memorySink{}
	expirer := &recordingExpirer{}
	p := newTestPoller(t, jobs, sink, expirer)

	resp, err := p.Generate(context.Background(), testCred, ImageRequest{
		Model:  "dall-e-3",
		Prompt: "two cats",
		N:      2,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if len(resp.Data) != 2 {
		t.Fatalf("expected 2 images, got %d", len(resp.Data))
	}
	seen := map[string]bool{}
	for _, d := range resp.Data {
		seen[d.URL] = true
	}
	for _, name := range []string{"op-1.jpg", "op-2.jpg"} {
		if !seen["https://gw.example.com/v1/images/"+name] {
			t.Fatalf("missing url for %s in %#v", name, resp.Data)
		}
		if string(sink.items[name]) != "jpeg" {
			t.Fatalf("image %s not stored", name)
		}
		if expirer.scheduled[name] != time.Hour {
			t.Fatalf("image %s expiry = %v, want 1h", name, expirer.scheduled[name])
		}
	}
}

func TestPollerCancelled(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{pendingPolls: -1}
	p := NewPoller(jobs, nil, nil, PollerConfig{Interval: time.Hour}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := p.Generate(ctx, testCred, ImageRequest{
		Model:          "dall-e-3",
		Prompt:         "x",
		ResponseFormat: ImageFormatB64JSON,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPollerValidation(t *testing.T) {
	t.Parallel()

	p := newTestPoller(t, &fakeJobs{}, nil, nil)

	_, err := p.Generate(context.Background(), testCred, ImageRequest{Model: "dall-e-3"})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected *ValidationError for empty prompt, got %v", err)
	}

	_, err = p.Generate(context.Background(), testCred, ImageRequest{Model: "dall-e-3", Prompt: "x", N: 10})
	if !errors.As(err, &vErr) {
		t.Fatalf("expected *ValidationError for n too large, got %v", err)
	}

	_, err = p.Generate(context.Background(), testCred, ImageRequest{Model: "dall-e-3", Prompt: "x", Timeout: MaxImageTimeout + 1})
	if !errors.As(err, &vErr) {
		t.Fatalf("expected *ValidationError for timeout too large, got %v", err)
	}
}
