package recipe

import (
	"bytes"
	"net/url"
	"strings"
)

// Substitute returns a copy of r with every placeholder occurrence replaced
// by text: percent-encoded in the URL, verbatim in body string leaves.
//
// When the serialized body does not contain the text afterwards, it is
// injected under both "text" and "input" so endpoints expecting either
// convention still get it. Keys count: a text equal to a body key is never
// injected.
func Substitute(r Recipe, text, placeholder string) Recipe {
	if placeholder == "" {
		placeholder = DefaultPlaceholder
	}

	out := Recipe{
		Method:  r.Method,
		URL:     strings.ReplaceAll(r.URL, placeholder, encodeComponent(text)),
		Headers: append([]Header(nil), r.Headers...),
		Body:    r.Body.MapStrings(func(s string) string { return strings.ReplaceAll(s, placeholder, text) }),
	}

	if !mentions(out.Body, text) {
		body := out.Body
		if body.Kind != KindObject {
			body = Object()
		}
		out.Body = body.With("text", String(text)).With("input", String(text))
	}
	return out
}

// mentions reports whether the JSON rendering of body contains text, escaped
// the way the body encoder escapes it.
func mentions(body Value, text string) bool {
	rendered, err := body.MarshalJSON()
	if err != nil {
		return false
	}
	quoted, err := String(text).MarshalJSON()
	if err != nil {
		return false
	}
	return bytes.Contains(rendered, quoted[1:len(quoted)-1])
}

// componentUnescapes undoes the escapes url.QueryEscape applies to characters
// encodeURIComponent leaves alone.
var componentUnescapes = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

// encodeComponent matches encodeURIComponent: only A-Z a-z 0-9 and
// -_.!~*'() pass through unescaped.
func encodeComponent(s string) string {
	return componentUnescapes.Replace(url.QueryEscape(s))
}
