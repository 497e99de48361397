package tts

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
)

const maxResponseBytes = 64 << 20

// ErrBodyConsumed is returned when a response body is read a second time.
var ErrBodyConsumed = errors.New("response body already consumed")

// Response is a transport reply whose body can be read exactly once, as
// bytes, as JSON or as text.
type Response struct {
	StatusCode  int
	ContentType string

	mu       sync.Mutex
	body     io.ReadCloser
	consumed bool
}

func NewResponse(status int, contentType string, body io.ReadCloser) *Response {
	if body == nil {
		body = io.NopCloser(eofReader{})
	}
	return &Response{StatusCode: status, ContentType: contentType, body: body}
}

func (r *Response) take() (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.consumed {
		return nil, ErrBodyConsumed
	}
	r.consumed = true
	return r.body, nil
}

func (r *Response) Bytes() ([]byte, error) {
	body, err := r.take()
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(io.LimitReader(body, maxResponseBytes))
}

func (r *Response) JSON(v any) error {
	body, err := r.take()
	if err != nil {
		return err
	}
	defer body.Close()
	return json.NewDecoder(io.LimitReader(body, maxResponseBytes)).Decode(v)
}

func (r *Response) Text() (string, error) {
	data, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Close releases the body if nobody read it.
func (r *Response) Close() error {
	body, err := r.take()
	if err != nil {
		return nil
	}
	return body.Close()
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
