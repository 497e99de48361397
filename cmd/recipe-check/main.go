package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-podcast/internal/recipe"
	"github.com/loqalabs/loqa-podcast/internal/tts"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'parse', 'render', 'synth' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "parse":
		err = runParse(os.Args[2:])
	case "render":
		err = runRender(os.Args[2:])
	case "synth":
		err = runSynth(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runParse(args []string) error {
	fs := flag.NewFlagSet("parse", flag.ExitOnError)
	path := fs.String("file", "recipe.txt", "Path to a curl recipe, - for stdin")
	_ = fs.Parse(args)

	r, err := loadRecipe(*path)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", r.Method, r.URL)
	for _, h := range r.Headers {
		fmt.Printf("%s: %s\n", h.Name, h.Value)
	}
	if r.Body.Kind != recipe.KindNull {
		body, err := r.Body.MarshalJSON()
		if err != nil {
			return err
		}
		fmt.Printf("\n%s\n", body)
	}
	return nil
}

func runRender(args []string) error {
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	path := fs.String("file", "recipe.txt", "Path to a curl recipe, - for stdin")
	text := fs.String("text", "Hello from the studio.", "Text to substitute")
	placeholder := fs.String("placeholder", recipe.DefaultPlaceholder, "Placeholder token")
	_ = fs.Parse(args)

	r, err := loadRecipe(*path)
	if err != nil {
		return err
	}
	req, err := tts.BuildRequest(recipe.Substitute(r, *text, *placeholder))
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", req.Method, req.URL)
	for _, h := range req.Headers {
		fmt.Printf("%s: %s\n", h.Name, h.Value)
	}
	fmt.Printf("\n%s\n", req.Body)
	return nil
}

func runSynth(args []string) error {
	fs := flag.NewFlagSet("synth", flag.ExitOnError)
	path := fs.String("file", "recipe.txt", "Path to a curl recipe, - for stdin")
	text := fs.String("text", "Hello from the studio.", "Text to speak")
	out := fs.String("out", "out.mp3", "Where to write embedded audio")
	policy := fs.String("json-policy", string(tts.JSONPolicyStrict), "strict or envelope")
	timeout := fs.Duration("timeout", 60*time.Second, "Request timeout")
	_ = fs.Parse(args)

	raw, err := readSource(*path)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	invoker := tts.NewInvoker(
		tts.NewHTTPTransport(*timeout, "recipe-check/"+version),
		tts.Normalizer{JSONPolicy: tts.JSONPolicy(*policy)},
		recipe.DefaultPlaceholder,
		logger,
	)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	audio, err := invoker.Synthesize(ctx, tts.VoiceProfile{ID: "cli", Recipe: raw}, *text)
	if err != nil {
		return err
	}
	if audio.IsRemote() {
		fmt.Println(audio.URL)
		return nil
	}
	payload, err := audio.Payload()
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, payload, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %d bytes of %s to %s (%s)\n", len(payload), audio.MIME, *out, audio.Duration)
	return nil
}

func loadRecipe(path string) (recipe.Recipe, error) {
	raw, err := readSource(path)
	if err != nil {
		return recipe.Recipe{}, err
	}
	return recipe.Parse(raw)
}

func readSource(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.New("recipe is empty")
	}
	return text, nil
}
