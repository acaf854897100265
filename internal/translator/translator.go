package translator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cqframework/cql-studio-sub002/internal/locator"
)

// Client submits CQL source to an external CQL-to-ELM translation service.
// The service is a black box: it either returns compiled ELM or a list of
// error annotations whose locator fields feed the locator decoder.
type Client struct {
	Endpoint   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func New(endpoint string) *Client {
	return &Client{Endpoint: endpoint, Timeout: 30 * time.Second}
}

type Issue struct {
	Message string
	// Locator holds the raw annotation object. Field names are not stable
	// across translator builds, so it stays opaque until decoded.
	Locator map[string]any
}

type Error struct {
	Issues []Issue
}

func (e *Error) Error() string {
	if len(e.Issues) == 0 {
		return "translation failed"
	}
	return strings.Join(e.Messages(), "; ")
}

// Messages renders one human-readable line per issue, with the decoded
// source position appended when the annotation carries one.
func (e *Error) Messages() []string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		msg := issue.Message
		if msg == "" {
			msg = "translation error"
		}
		if pos := locator.Format(locator.Decode(issue.Locator)); pos != "" {
			msg = msg + " " + pos
		}
		parts = append(parts, msg)
	}
	return parts
}

func (c *Client) Translate(ctx context.Context, source string) (string, error) {
	if c.HTTPClient == nil {
		timeout := c.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.HTTPClient = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, strings.NewReader(source))
	if err != nil {
		return "", fmt.Errorf("build translate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/cql")
	req.Header.Set("Accept", "application/elm+xml")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call translator: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read translator response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", decodeError(resp.StatusCode, body)
	}
	return string(body), nil
}

// decodeError turns a non-2xx translator response into an *Error. The body
// is expected to be a JSON list of annotation objects, either bare or under
// an "errors" key; anything else becomes a single opaque issue.
func decodeError(status int, body []byte) error {
	if issues := decodeIssueList(body); len(issues) > 0 {
		return &Error{Issues: issues}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = fmt.Sprintf("translator returned status %d", status)
	}
	return &Error{Issues: []Issue{{Message: msg}}}
}

func decodeIssueList(body []byte) []Issue {
	var raw []map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		var wrapped struct {
			Errors []map[string]any `json:"errors"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil
		}
		raw = wrapped.Errors
	}
	issues := make([]Issue, 0, len(raw))
	for _, obj := range raw {
		issue := Issue{Locator: obj}
		if m, ok := obj["message"].(string); ok {
			issue.Message = m
		}
		issues = append(issues, issue)
	}
	return issues
}
