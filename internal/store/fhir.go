package store

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

	"github.com/cqframework/cql-studio-sub002/internal/domain"
)

// rosterLimit caps how many subjects a full roster load requests. Paging
// through the roster happens client-side, so one generous page is enough.
const rosterLimit = 1000

// FHIRClient implements Store and SubjectSource against a FHIR R4 server.
type FHIRClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewFHIRClient(baseURL string) *FHIRClient {
	return &FHIRClient{BaseURL: baseURL, Timeout: 30 * time.Second}
}

// UpstreamError reports an unexpected status from a backing FHIR or
// evaluation server.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("fhir server: status=%d body=%s", e.Status, e.Body)
}

type bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Entry        []bundleEntry `json:"entry,omitempty"`
}

type bundleEntry struct {
	Resource json.RawMessage `json:"resource"`
}

func (c *FHIRClient) Get(ctx context.Context, id string) (domain.Library, error) {
	var lib domain.Library
	err := c.do(ctx, http.MethodGet, "Library/"+url.PathEscape(id), nil, nil, &lib)
	if statusIs(err, http.StatusNotFound, http.StatusGone) {
		return domain.Library{}, ErrNotFound
	}
	if err != nil {
		return domain.Library{}, fmt.Errorf("fetch library %s: %w", id, err)
	}
	return lib, nil
}

func (c *FHIRClient) Search(ctx context.Context, term string) ([]domain.Library, error) {
	query := url.Values{}
	if term != "" {
		query.Set("name:contains", term)
	}
	var b bundle
	if err := c.do(ctx, http.MethodGet, "Library", query, nil, &b); err != nil {
		return nil, fmt.Errorf("search libraries: %w", err)
	}
	return decodeLibraries(b)
}

func (c *FHIRClient) Create(ctx context.Context, lib domain.Library) (domain.Library, error) {
	if lib.ID == "" {
		return domain.Library{}, fmt.Errorf("library id required")
	}
	lib.ResourceType = domain.ResourceTypeLibrary
	var created domain.Library
	headers := map[string]string{"If-None-Match": "*"}
	err := c.do(ctx, http.MethodPut, "Library/"+url.PathEscape(lib.ID), nil, &requestBody{payload: lib, headers: headers}, &created)
	if statusIs(err, http.StatusPreconditionFailed, http.StatusConflict) {
		return domain.Library{}, fmt.Errorf("library %s: %w", lib.ID, ErrExists)
	}
	if err != nil {
		return domain.Library{}, fmt.Errorf("create library %s: %w", lib.ID, err)
	}
	if created.ID == "" {
		created = lib
	}
	return created, nil
}

func (c *FHIRClient) Delete(ctx context.Context, lib domain.Library) error {
	err := c.do(ctx, http.MethodDelete, "Library/"+url.PathEscape(lib.ID), nil, nil, nil)
	if statusIs(err, http.StatusNotFound, http.StatusGone) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete library %s: %w", lib.ID, err)
	}
	return nil
}

func (c *FHIRClient) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	if opts.Size <= 0 {
		opts.Size = 20
	}
	if opts.Page <= 0 {
		opts.Page = 1
	}
	query := url.Values{}
	query.Set("_count", fmt.Sprintf("%d", opts.Size))
	query.Set("_getpagesoffset", fmt.Sprintf("%d", (opts.Page-1)*opts.Size))
	if opts.SortKey != "" {
		sort := opts.SortKey
		if strings.EqualFold(opts.SortDir, "desc") {
			sort = "-" + sort
		}
		query.Set("_sort", sort)
	}
	var b bundle
	if err := c.do(ctx, http.MethodGet, "Library", query, nil, &b); err != nil {
		return ListResult{}, fmt.Errorf("list libraries: %w", err)
	}
	items, err := decodeLibraries(b)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: b.Total}, nil
}

func (c *FHIRClient) Patients(ctx context.Context, term string) ([]domain.Patient, error) {
	query := url.Values{}
	query.Set("_count", fmt.Sprintf("%d", rosterLimit))
	if term != "" {
		query.Set("name:contains", term)
	}
	var b bundle
	if err := c.do(ctx, http.MethodGet, "Patient", query, nil, &b); err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	patients := make([]domain.Patient, 0, len(b.Entry))
	for _, entry := range b.Entry {
		var p domain.Patient
		if err := json.Unmarshal(entry.Resource, &p); err != nil {
			return nil, fmt.Errorf("decode patient entry: %w", err)
		}
		patients = append(patients, p)
	}
	return patients, nil
}

func decodeLibraries(b bundle) ([]domain.Library, error) {
	items := make([]domain.Library, 0, len(b.Entry))
	for _, entry := range b.Entry {
		var lib domain.Library
		if err := json.Unmarshal(entry.Resource, &lib); err != nil {
			return nil, fmt.Errorf("decode library entry: %w", err)
		}
		items = append(items, lib)
	}
	return items, nil
}

type requestBody struct {
	payload any
	headers map[string]string
}

func (c *FHIRClient) do(ctx context.Context, method, endpoint string, query url.Values, body *requestBody, out any) error {
	if c.HTTPClient == nil {
		timeout := c.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.HTTPClient = &http.Client{Timeout: timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body.payload); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/fhir+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/fhir+json")
		for k, v := range body.headers {
			req.Header.Set(k, v)
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &UpstreamError{Status: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return err
		}
	}
	return nil
}

func statusIs(err error, statuses ...int) bool {
	he, ok := err.(*UpstreamError)
	if !ok {
		return false
	}
	for _, s := range statuses {
		if he.Status == s {
			return true
		}
	}
	return false
}

// EvalClient implements Evaluator against a CQL evaluation endpoint that
// understands the Library/$evaluate operation.
type EvalClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewEvalClient(baseURL string) *EvalClient {
	return &EvalClient{BaseURL: baseURL, Timeout: 60 * time.Second}
}

func (c *EvalClient) Evaluate(ctx context.Context, libraryID string, params domain.Parameters) (any, error) {
	if c.HTTPClient == nil {
		timeout := c.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		c.HTTPClient = &http.Client{Timeout: timeout}
	}
	params.ResourceType = "Parameters"
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(params); err != nil {
		return nil, err
	}
	target := fmt.Sprintf("%s/Library/%s/$evaluate", strings.TrimRight(c.BaseURL, "/"), url.PathEscape(libraryID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	req.Header.Set("Accept", "application/fhir+json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("evaluate library %s: %w", libraryID, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read evaluation response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(body)}
	}
	var outcome any
	if err := json.Unmarshal(body, &outcome); err != nil {
		// some evaluators answer with plain text
		return strings.TrimSpace(string(body)), nil
	}
	return outcome, nil
}
