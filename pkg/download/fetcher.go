package download

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"globalconf/pkg/conferr"
)

// DefaultMaxResponseSize bounds envelope and content downloads.
const DefaultMaxResponseSize = 64 << 20

// Fetcher retrieves raw bytes from a mirror.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (body []byte, contentType string, err error)
}

// HTTPFetcher fetches over HTTP(S). Failures are network errors.
type HTTPFetcher struct {
	Client  *http.Client
	MaxSize int64
}

// NewHTTPFetcher returns a fetcher using client, or http.DefaultClient.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{Client: client, MaxSize: DefaultMaxResponseSize}
}

// Fetch performs a GET and returns the body and its content type.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", conferr.Malformed("invalid download URL %q: %w", url, err)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, "", conferr.Network("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, "", conferr.Network("fetching %s: unexpected status %s", url, resp.Status)
	}

	max := f.MaxSize
	if max <= 0 {
		max = DefaultMaxResponseSize
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, max+1))
	if err != nil {
		return nil, "", conferr.Network("reading %s: %w", url, err)
	}
	if int64(len(body)) > max {
		return nil, "", conferr.Malformed("response from %s exceeds %d bytes", url, max)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (f *HTTPFetcher) String() string {
	return fmt.Sprintf("http(max=%d)", f.MaxSize)
}
