package recipe

import (
	"encoding/json"
	"strings"

	"github.com/mattn/go-shellwords"
)

// DefaultPlaceholder marks where the spoken text goes in a recipe.
const DefaultPlaceholder = "{text}"

// Header is one request header line copied from the recipe.
type Header struct {
	Name  string
	Value string
}

// Recipe is the structured form of a curl-style request description.
type Recipe struct {
	Method  string
	URL     string
	Headers []Header
	Body    Value
}

// Header returns the first header matching name, case-insensitively.
func (r Recipe) Header(name string) (string, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// RecipeParseError is returned when a recipe has no usable URL.
type RecipeParseError struct {
	Reason string
}

func (e *RecipeParseError) Error() string {
	return "parse recipe: " + e.Reason
}

var (
	headerFlags = flagSet("-H", "--header")
	methodFlags = flagSet("-X", "--request")
	bodyFlags   = flagSet("-d", "--data", "--data-raw", "--data-binary", "--data-ascii", "--json")
	agentFlags  = flagSet("-A", "--user-agent")
	// flags whose argument must be skipped so it is never taken as the URL
	otherValueFlags = flagSet(
		"--url", "-u", "--user", "-o", "--output", "-e", "--referer", "-b", "--cookie",
		"-c", "--cookie-jar", "-m", "--max-time", "--connect-timeout", "-x", "--proxy",
		"-w", "--write-out", "--retry", "-F", "--form", "-r", "--range", "-T", "--upload-file",
		"-E", "--cert", "--key", "--cacert", "--limit-rate", "--resolve", "--data-urlencode",
	)
	httpMethods = flagSet("GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS")

	continuations = strings.NewReplacer("\\\r\n", " ", "\\\n", " ")
)

func flagSet(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

func has(set map[string]struct{}, name string) bool {
	_, ok := set[name]
	return ok
}

func takesValue(name string) bool {
	return has(headerFlags, name) || has(methodFlags, name) || has(bodyFlags, name) ||
		has(agentFlags, name) || has(otherValueFlags, name)
}

// Parse turns a curl-like recipe into a Recipe. Only a missing URL is fatal;
// a body that is not valid JSON degrades to an empty object.
func Parse(text string) (Recipe, error) {
	folded := continuations.Replace(text)
	tokens := tokenize(folded)
	offsets := tokenOffsets(folded)
	if len(offsets) != len(tokens) {
		offsets = nil
	}
	if len(tokens) > 0 && strings.EqualFold(tokens[0], "curl") {
		tokens = tokens[1:]
		if offsets != nil {
			offsets = offsets[1:]
		}
	}

	var (
		r            Recipe
		method       string
		bodyRaw      string
		haveBody     bool
		jsonBody     bool
		positional   []string
		positionalAt []int
	)
	bodyAt := -1

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if len(tok) < 2 || tok[0] != '-' {
			positional = append(positional, tok)
			positionalAt = append(positionalAt, i)
			continue
		}
		name, value, inline := splitFlag(tok)
		if !inline {
			if i+1 >= len(tokens) {
				break
			}
			i++
			value = tokens[i]
		}

		switch {
		case has(headerFlags, name):
			if h, ok := parseHeader(value); ok {
				r.Headers = append(r.Headers, h)
			}
		case has(methodFlags, name):
			method = strings.ToUpper(strings.TrimSpace(value))
		case has(bodyFlags, name):
			if !haveBody {
				bodyRaw = value
				bodyAt = i
				haveBody = true
			}
			if name == "--json" {
				jsonBody = true
			}
		case has(agentFlags, name):
			r.Headers = append(r.Headers, Header{Name: "User-Agent", Value: strings.TrimSpace(value)})
		case name == "--url":
			if r.URL == "" {
				r.URL = value
			}
		}
	}

	if len(positional) > 1 && has(httpMethods, positional[0]) {
		if method == "" {
			method = positional[0]
		}
		positional, positionalAt = positional[1:], positionalAt[1:]
	}
	if r.URL == "" && len(positional) > 0 {
		r.URL = positional[0]
		positional, positionalAt = positional[1:], positionalAt[1:]
	}
	if !haveBody {
		for k, p := range positional {
			if trimmed := strings.TrimSpace(p); strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
				bodyRaw = trimmed
				bodyAt = positionalAt[k]
				haveBody = true
				break
			}
		}
	}

	r.URL = strings.Trim(strings.TrimSpace(r.URL), `'"`)
	if r.URL == "" {
		return Recipe{}, &RecipeParseError{Reason: "no URL found"}
	}

	r.Method = method
	if r.Method == "" {
		r.Method = "POST"
	}

	r.Body = Object()
	if haveBody {
		if v, err := ParseValue([]byte(strings.TrimSpace(bodyRaw))); err == nil {
			r.Body = v
		} else if v, ok := recoverBody(folded, offsets, bodyAt); ok {
			r.Body = v
		}
	}

	if jsonBody {
		if _, ok := r.Header("Content-Type"); !ok {
			r.Headers = append(r.Headers, Header{Name: "Content-Type", Value: "application/json"})
		}
		if _, ok := r.Header("Accept"); !ok {
			r.Headers = append(r.Headers, Header{Name: "Accept", Value: "application/json"})
		}
	}

	return r, nil
}

// splitFlag resolves a flag token into its canonical name and, when the
// value is attached (--header=x, -XPOST, -sH), the inline value. Boolean
// flags come back with inline=true so no argument is consumed.
func splitFlag(tok string) (name, value string, inline bool) {
	if strings.HasPrefix(tok, "--") {
		if idx := strings.IndexByte(tok, '='); idx > 0 {
			name = tok[:idx]
			if takesValue(name) {
				return name, tok[idx+1:], true
			}
			return name, "", true
		}
		if takesValue(tok) {
			return tok, "", false
		}
		return tok, "", true
	}

	// short flags may be clustered: the first one taking a value ends the cluster
	for j := 1; j < len(tok); j++ {
		short := "-" + string(tok[j])
		if takesValue(short) {
			rest := tok[j+1:]
			if rest != "" {
				return short, rest, true
			}
			return short, "", false
		}
	}
	return tok, "", true
}

func parseHeader(line string) (Header, bool) {
	idx := strings.IndexByte(line, ':')
	if idx <= 0 {
		return Header{}, false
	}
	name := strings.TrimSpace(line[:idx])
	if name == "" {
		return Header{}, false
	}
	return Header{Name: name, Value: strings.TrimSpace(line[idx+1:])}, true
}

// tokenize splits the recipe like a shell would. Shell operators are escaped
// first because recipes are never pipelines, and an unquoted & in a URL must
// not end the command. Unparseable input falls back to whitespace splitting.
func tokenize(line string) []string {
	parser := shellwords.NewParser()
	args, err := parser.Parse(escapeOperators(line))
	if err != nil {
		return strings.Fields(line)
	}
	return args
}

// recoverBody decodes the body straight from the raw recipe text, starting at
// the first brace or bracket of the token that carried it. Tokenizing strips
// the quotes of an unquoted JSON body, so the raw text is the only place the
// body is still intact. Nothing before that token is ever considered.
func recoverBody(raw string, offsets []int, at int) (Value, bool) {
	if at < 0 || at >= len(offsets) {
		return Value{}, false
	}
	start, end := offsets[at], len(raw)
	if at+1 < len(offsets) {
		end = offsets[at+1]
	}
	idx := strings.IndexAny(raw[start:end], "{[")
	if idx < 0 {
		return Value{}, false
	}
	dec := json.NewDecoder(strings.NewReader(raw[start+idx:]))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, false
	}
	return v, true
}

// tokenOffsets returns the byte offset where each shell word of line starts,
// following the same quoting rules as tokenize.
func tokenOffsets(line string) []int {
	var (
		offsets []int
		single  bool
		double  bool
		escaped bool
		inWord  bool
	)
	for i, r := range line {
		if !escaped && !single && !double && (r == ' ' || r == '\t' || r == '\r' || r == '\n') {
			inWord = false
			continue
		}
		if !inWord {
			offsets = append(offsets, i)
			inWord = true
		}
		switch {
		case escaped:
			escaped = false
		case r == '\\' && !single:
			escaped = true
		case r == '\'' && !double:
			single = !single
		case r == '"' && !single:
			double = !double
		}
	}
	return offsets
}

func escapeOperators(line string) string {
	var (
		b       strings.Builder
		single  bool
		double  bool
		escaped bool
	)
	b.Grow(len(line))
	for _, r := range line {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && !single:
			escaped = true
		case r == '\'' && !double:
			single = !single
		case r == '"' && !single:
			double = !double
		case !single && !double && strings.ContainsRune(";&|<>()`$", r):
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
