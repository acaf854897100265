package cqlstudiosdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal CQL Studio HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Library represents the API guideline model (partial).
type Library struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	URL          string `json:"url,omitempty"`
	Name         string `json:"name,omitempty"`
	Title        string `json:"title,omitempty"`
	Version      string `json:"version,omitempty"`
	Status       string `json:"status,omitempty"`
	Description  string `json:"description,omitempty"`
	Date         string `json:"date,omitempty"`
}

// GuidelineSummary is one row of a guideline listing.
type GuidelineSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version,omitempty"`
	Status  string `json:"status,omitempty"`
	Date    string `json:"date,omitempty"`
}

// Session is the authoring session's view state.
type Session struct {
	State             string   `json:"state"`
	Path              string   `json:"path"`
	ConversionPrompt  bool     `json:"conversion_prompt"`
	NewGuidelineModal bool     `json:"new_guideline_modal"`
	Library           *Library `json:"library,omitempty"`
	PendingID         string   `json:"pending_id,omitempty"`
	PendingIssues     []string `json:"pending_issues,omitempty"`
}

// Validation reports a stored guideline's conformance.
type Validation struct {
	Valid          bool     `json:"valid"`
	Issues         []string `json:"issues"`
	CanOpenCleanly bool     `json:"can_open_cleanly"`
}

// PatientSummary is one roster row.
type PatientSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PatientPage is one page of the roster.
type PatientPage struct {
	Items []PatientSummary `json:"items"`
	Total int              `json:"total"`
	Page  int              `json:"page"`
	Pages int              `json:"pages"`
}

// TestResult is one subject's outcome from a batch run.
type TestResult struct {
	SubjectID   string `json:"subject_id"`
	SubjectName string `json:"subject_name"`
	Outcome     any    `json:"outcome,omitempty"`
	Error       string `json:"error,omitempty"`
	ElapsedMs   int64  `json:"elapsed_ms"`
	Expanded    bool   `json:"expanded"`
}

// TestRun is a completed batch run.
type TestRun struct {
	RunID   string       `json:"run_id"`
	Results []TestResult `json:"results"`
	Total   int          `json:"total"`
	Failed  int          `json:"failed"`
}

// Event represents a journal entry.
type Event struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	EntityID string         `json:"entity_id,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Session returns the current authoring session state.
func (c *Client) Session(ctx context.Context) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, c.apiPath("session"), nil, &resp)
	return resp, err
}

// Navigate moves the session: empty id browses, an id opens that guideline,
// testing selects its testing view.
func (c *Client) Navigate(ctx context.Context, id string, testing bool) (Session, error) {
	body := map[string]any{
		"id":      id,
		"testing": testing,
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, c.apiPath("session/navigate"), body, &resp)
	return resp, err
}

// CreateGuideline runs the authoring flow: generate CQL, translate, persist.
func (c *Client) CreateGuideline(ctx context.Context, name, title, version, description string) (Library, error) {
	body := map[string]any{
		"name":        name,
		"title":       title,
		"version":     version,
		"description": description,
	}
	var resp Library
	err := c.do(ctx, http.MethodPost, c.apiPath("guidelines"), body, &resp)
	return resp, err
}

// Guidelines lists guidelines, filtered by search when non-empty.
func (c *Client) Guidelines(ctx context.Context, search string) ([]GuidelineSummary, error) {
	endpoint := c.apiPath("guidelines")
	if search != "" {
		endpoint = fmt.Sprintf("%s?search=%s", endpoint, url.QueryEscape(search))
	}
	var resp struct {
		Items []GuidelineSummary `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Guideline fetches one guideline by id.
func (c *Client) Guideline(ctx context.Context, id string) (Library, error) {
	var resp Library
	err := c.do(ctx, http.MethodGet, c.apiPath("guidelines/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// DeleteGuideline removes a guideline.
func (c *Client) DeleteGuideline(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.apiPath("guidelines/"+url.PathEscape(id)), nil, nil)
}

// Validate checks a stored guideline's conformance.
func (c *Client) Validate(ctx context.Context, id string) (Validation, error) {
	var resp Validation
	endpoint := c.apiPath(fmt.Sprintf("guidelines/%s/validation", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CQL returns a guideline's CQL source.
func (c *Client) CQL(ctx context.Context, id string) (string, error) {
	var resp struct {
		Content string `json:"content"`
	}
	endpoint := c.apiPath(fmt.Sprintf("guidelines/%s/cql", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Content, err
}

// ELM returns a guideline's compiled ELM.
func (c *Client) ELM(ctx context.Context, id string) (string, error) {
	var resp struct {
		Content string `json:"content"`
	}
	endpoint := c.apiPath(fmt.Sprintf("guidelines/%s/elm", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Content, err
}

// Patients loads the subject roster, filtered by search when non-empty.
func (c *Client) Patients(ctx context.Context, search string, page int) (PatientPage, error) {
	endpoint := c.apiPath("patients")
	if search != "" {
		endpoint = fmt.Sprintf("%s?search=%s", endpoint, url.QueryEscape(search))
	}
	if page > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%spage=%d", endpoint, sep, page)
	}
	var resp PatientPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RunTests evaluates a guideline against subjects; nil ids runs the whole
// roster.
func (c *Client) RunTests(ctx context.Context, guidelineID string, subjectIDs []string) (TestRun, error) {
	body := map[string]any{
		"subject_ids": subjectIDs,
	}
	var resp TestRun
	endpoint := c.apiPath(fmt.Sprintf("guidelines/%s/test-runs", url.PathEscape(guidelineID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// LatestTestRun returns the most recent run's results.
func (c *Client) LatestTestRun(ctx context.Context) (TestRun, error) {
	var resp TestRun
	err := c.do(ctx, http.MethodGet, c.apiPath("test-runs/latest"), nil, &resp)
	return resp, err
}

// Events returns recent journal events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	return c.events(ctx, 0, limit)
}

// EventsAfter returns journal events with an id greater than afterID.
func (c *Client) EventsAfter(ctx context.Context, afterID int64, limit int) ([]Event, error) {
	return c.events(ctx, afterID, limit)
}

func (c *Client) events(ctx context.Context, afterID int64, limit int) ([]Event, error) {
	endpoint := c.apiPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if afterID > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%safter=%d", endpoint, sep, afterID)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// DevLogin mints a development token and installs it on the client.
func (c *Client) DevLogin(ctx context.Context, subject string) (string, error) {
	body := map[string]any{
		"subject": subject,
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, c.apiPath("auth/dev/login"), body, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(p string) string {
	return "v1/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
