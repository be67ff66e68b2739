package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPSource fetches media from the file store over HTTP. Absolute URLs are
// used as-is; other refs are resolved against BaseURL.
type HTTPSource struct {
	client   *http.Client
	baseURL  string
	maxBytes int64
}

func NewHTTPSource(baseURL string, timeout time.Duration, maxBytes int64) *HTTPSource {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 20 << 20
	}
	return &HTTPSource{
		client:   &http.Client{Timeout: timeout},
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		maxBytes: maxBytes,
	}
}

// WithClient swaps the HTTP client, mainly for tests.
func (s *HTTPSource) WithClient(c *http.Client) *HTTPSource {
	s.client = c
	return s
}

func (s *HTTPSource) Fetch(ctx context.Context, ref string) ([]byte, error) {
	url := ref
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		if s.baseURL == "" {
			return nil, fmt.Errorf("media ref %q is not a URL and no base URL is configured", ref)
		}
		url = s.baseURL + "/" + strings.TrimPrefix(ref, "/")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build media request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch media %s: %w", ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch media %s: status %d: %s", ref, resp.StatusCode, string(b))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read media %s: %w", ref, err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("media %s exceeds %d bytes", ref, s.maxBytes)
	}
	return data, nil
}

// StaticSource serves media from memory. Used for inline uploads and tests.
type StaticSource map[string][]byte

func (s StaticSource) Fetch(_ context.Context, ref string) ([]byte, error) {
	data, ok := s[ref]
	if !ok {
		return nil, fmt.Errorf("media %s not found", ref)
	}
	return data, nil
}
