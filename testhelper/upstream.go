package testhelper

import (
	"context"
	"io"
	"sync"

	"github.com/kalbasit/pkgcache/pkg/upstream"
)

// FakeUpstream is an in-process upstream.Server implementation for tests,
// avoiding the cost and noise of a real httptest.Server per upstream. It
// records every Head and Get call it receives.
type FakeUpstream struct {
	baseURL string

	mu       sync.Mutex
	bodies   map[string][]byte
	heads    int
	gets     int
	headSeen []string
	getSeen  []string
}

var _ upstream.Server = (*FakeUpstream)(nil)

// NewFakeUpstream returns a FakeUpstream identified by baseURL (used only as
// a map key by callers; no network listener is created).
func NewFakeUpstream(baseURL string) *FakeUpstream {
	return &FakeUpstream{baseURL: baseURL, bodies: make(map[string][]byte)}
}

// Serve makes resourcePath resolve to 200 with the given body on both Head
// and Get.
func (f *FakeUpstream) Serve(resourcePath string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.bodies[resourcePath] = body
}

func (f *FakeUpstream) BaseURL() string { return f.baseURL }

func (f *FakeUpstream) Head(_ context.Context, resourcePath string) (upstream.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.heads++
	f.headSeen = append(f.headSeen, resourcePath)

	if _, ok := f.bodies[resourcePath]; ok {
		return upstream.StatusOK, nil
	}

	return upstream.StatusNotFound, nil
}

func (f *FakeUpstream) Get(_ context.Context, resourcePath string, sink io.Writer) (upstream.Status, error) {
	f.mu.Lock()
	body, ok := f.bodies[resourcePath]
	f.gets++
	f.getSeen = append(f.getSeen, resourcePath)
	f.mu.Unlock()

	if !ok {
		return upstream.StatusNotFound, nil
	}

	if _, err := sink.Write(body); err != nil {
		return upstream.StatusOther, err
	}

	return upstream.StatusOK, nil
}

// GetCount returns the number of Get calls received so far.
func (f *FakeUpstream) GetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.gets
}

// HeadCount returns the number of Head calls received so far.
func (f *FakeUpstream) HeadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.heads
}
