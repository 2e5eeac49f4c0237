package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// Mirror is an in-process configuration mirror. Paths are served with the
// registered bytes and content type; everything else is 404.
type Mirror struct {
	server *httptest.Server

	mu       sync.Mutex
	files    map[string]mirrorFile
	requests map[string]int
	delay    time.Duration
}

type mirrorFile struct {
	data        []byte
	contentType string
}

// NewMirror starts a mirror that is closed when the test ends.
func NewMirror(t testing.TB) *Mirror {
	t.Helper()
	m := &Mirror{
		files:    make(map[string]mirrorFile),
		requests: make(map[string]int),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.server.Close)
	return m
}

func (m *Mirror) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests[r.URL.Path]++
	file, ok := m.files[r.URL.Path]
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if !ok {
		http.NotFound(w, r)
		return
	}
	if file.contentType != "" {
		w.Header().Set("Content-Type", file.contentType)
	}
	w.Write(file.data)
}

// Put registers data under path.
func (m *Mirror) Put(path string, data []byte, contentType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = mirrorFile{data: append([]byte(nil), data...), contentType: contentType}
}

// SetDelay makes every response wait d before being written.
func (m *Mirror) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Requests returns how many times path was requested.
func (m *Mirror) Requests(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[path]
}

// ResetRequests clears the request counters.
func (m *Mirror) ResetRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = make(map[string]int)
}

// URL returns the absolute URL of path on this mirror.
func (m *Mirror) URL(path string) string {
	return m.server.URL + path
}
