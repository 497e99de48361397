package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

type httpTransport struct {
	client    *http.Client
	userAgent string
}

// NewHTTPTransport sends requests over net/http. A zero timeout leaves the
// deadline to the caller's context.
func NewHTTPTransport(timeout time.Duration, userAgent string) Transport {
	return &httpTransport{client: &http.Client{Timeout: timeout}, userAgent: userAgent}
}

func (t *httpTransport) Send(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 && req.Method != http.MethodGet && req.Method != http.MethodHead {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, &GenerationError{Message: "build tts request", Err: err}
	}
	for _, h := range req.Headers {
		httpReq.Header.Add(h.Name, h.Value)
	}
	if t.userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &GenerationError{Message: fmt.Sprintf("%s %s failed", req.Method, req.URL), Err: err}
	}
	return NewResponse(resp.StatusCode, resp.Header.Get("Content-Type"), resp.Body), nil
}
