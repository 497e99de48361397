package session

import (
	"errors"
	"testing"
)

func TestParseScript(t *testing.T) {
	script := `
[
  {"user": "a", "content": "  Welcome to the show.  "},
  {"user": "b", "content": "Thanks for having me."},
  {"user": "a"},
  {"content": "orphan line"},
  "not an object",
  {"user": 2, "content": "numbered speaker"}
]`
	sess, err := ParseScript("", script)
	if err != nil {
		t.Fatalf("parse script: %v", err)
	}
	if sess.ID == "" {
		t.Fatalf("expected generated session id")
	}
	if len(sess.Segments) != 3 {
		t.Fatalf("expected 3 segments, got %+v", sess.Segments)
	}
	if sess.Segments[0] != (Segment{Speaker: "A", Text: "Welcome to the show."}) {
		t.Fatalf("unexpected first segment %+v", sess.Segments[0])
	}
	if sess.Segments[1].Speaker != "B" || sess.Segments[2].Speaker != "2" {
		t.Fatalf("unexpected speakers %+v", sess.Segments)
	}
}

func TestParseScriptKeepsGivenID(t *testing.T) {
	sess, err := ParseScript("episode-7", `[{"user":"host","content":"hi"}]`)
	if err != nil {
		t.Fatalf("parse script: %v", err)
	}
	if sess.ID != "episode-7" || sess.Segments[0].Speaker != "HOST" {
		t.Fatalf("unexpected session %+v", sess)
	}
}

func TestParseScriptRejectsNonArrays(t *testing.T) {
	for _, script := range []string{`{"user":"a","content":"b"}`, `not json`, `[]`, `[{"user":"a"}]`} {
		if _, err := ParseScript("x", script); !errors.Is(err, ErrInvalidScript) {
			t.Fatalf("expected ErrInvalidScript for %q, got %v", script, err)
		}
	}
}
