// Package flavor produces the decorative mission narration. Generation may
// call out to an external text service; every failure path degrades to a
// deterministic templated string, never to an error the game surfaces.
package flavor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Generator produces one sentence of narration for a mission round.
type Generator interface {
	Generate(ctx context.Context, roundNumber int, teamNames []string) (string, error)
}

// Fallback is the deterministic templated string used whenever no generator
// is configured, the call fails, or the result has not arrived yet.
func Fallback(roundNumber int) string {
	return fmt.Sprintf("Mission %d: classified operations in progress.", roundNumber)
}

// Static always answers with the fallback template. It is the generator of
// choice for tests and for peers running without an API key.
type Static struct{}

func (Static) Generate(_ context.Context, roundNumber int, _ []string) (string, error) {
	return Fallback(roundNumber), nil
}

// HTTP asks a text-generation endpoint for narration. Responses are trimmed
// to a single line; empty or failed responses fall back to the template.
type HTTP struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	Client  *http.Client
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Text string `json:"text"`
}

func (g *HTTP) Generate(ctx context.Context, roundNumber int, teamNames []string) (string, error) {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Write a single, tense, dramatic sentence describing a covert mission (Mission #%d) for agents: %s. Do not reveal the outcome. Keep it under 30 words.",
		roundNumber, strings.Join(teamNames, ", "),
	)
	body, err := json.Marshal(generateRequest{Prompt: prompt})
	if err != nil {
		return Fallback(roundNumber), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(body))
	if err != nil {
		return Fallback(roundNumber), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if g.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.APIKey)
	}

	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Fallback(roundNumber), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Fallback(roundNumber), nil
	}

	var out generateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return Fallback(roundNumber), nil
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return Fallback(roundNumber), nil
	}
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}
	return text, nil
}

// FromEnv picks a generator from AVALON_FLAVOR_URL / AVALON_FLAVOR_API_KEY.
// With no URL configured, narration stays on the static template.
func FromEnv() Generator {
	url := os.Getenv("AVALON_FLAVOR_URL")
	if url == "" {
		return Static{}
	}
	return &HTTP{URL: url, APIKey: os.Getenv("AVALON_FLAVOR_API_KEY")}
}
