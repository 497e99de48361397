package tts

import (
	"bytes"
	"context"
	"io"
	"time"
)

// MockTransport answers every request with a fixed audio payload after a
// short delay. It backs the "mock" tts mode and tests.
type MockTransport struct {
	Delay   time.Duration
	MIME    string
	Payload []byte
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		Delay:   50 * time.Millisecond,
		MIME:    DefaultMIME,
		Payload: []byte("mock-audio"),
	}
}

func (m *MockTransport) Send(ctx context.Context, req Request) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(m.Delay):
	}
	return NewResponse(200, m.MIME, io.NopCloser(bytes.NewReader(m.Payload))), nil
}
