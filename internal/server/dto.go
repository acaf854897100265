package server

import (
	"encoding/json"

	"github.com/cqframework/cql-studio-sub002/internal/domain"
	"github.com/cqframework/cql-studio-sub002/internal/runner"
	"github.com/cqframework/cql-studio-sub002/internal/studio"
)

// Request payloads

type NavigateRequest struct {
	ID      string `json:"id,omitempty"`
	Testing bool   `json:"testing,omitempty"`
}

type CreateGuidelineRequest struct {
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
}

type TestRunRequest struct {
	SubjectIDs []string `json:"subject_ids,omitempty"`
	Search     string   `json:"search,omitempty"`
}

type ToggleExpandedRequest struct {
	SubjectID string `json:"subject_id,omitempty"`
}

type DevLoginRequest struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type SessionResponse struct {
	State             string                    `json:"state" enum:"browser,editor,testing"`
	Path              string                    `json:"path"`
	ConversionPrompt  bool                      `json:"conversion_prompt"`
	NewGuidelineModal bool                      `json:"new_guideline_modal"`
	Library           *domain.Library           `json:"library,omitempty"`
	Artifact          *domain.GuidelineArtifact `json:"artifact,omitempty"`
	PendingID         string                    `json:"pending_id,omitempty"`
	PendingIssues     []string                  `json:"pending_issues,omitempty"`
}

type GuidelineSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version,omitempty"`
	Status  string `json:"status,omitempty"`
	Date    string `json:"date,omitempty" format:"date-time"`
}

type GuidelineListResponse struct {
	Items []GuidelineSummary `json:"items"`
	Total *int               `json:"total,omitempty"`
}

type ValidationResponse struct {
	Valid          bool     `json:"valid"`
	Issues         []string `json:"issues"`
	CanOpenCleanly bool     `json:"can_open_cleanly"`
}

type ContentResponse struct {
	ID          string `json:"id"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
}

type PatientSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type PatientListResponse struct {
	Items []PatientSummary `json:"items"`
	Total int              `json:"total"`
	Page  int              `json:"page"`
	Pages int              `json:"pages"`
}

type TestResultResponse struct {
	SubjectID   string `json:"subject_id"`
	SubjectName string `json:"subject_name"`
	Outcome     any    `json:"outcome,omitempty"`
	Error       string `json:"error,omitempty"`
	ElapsedMs   int64  `json:"elapsed_ms"`
	Expanded    bool   `json:"expanded"`
}

type TestRunResponse struct {
	RunID   string               `json:"run_id"`
	Results []TestResultResponse `json:"results"`
	Total   int                  `json:"total"`
	Failed  int                  `json:"failed"`
}

type EventResponse struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts" format:"date-time"`
	Type     string         `json:"type"`
	EntityID string         `json:"entity_id,omitempty"`
	Payload  map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type paginatedEvents struct {
	Items []EventResponse `json:"items"`
}

// Conversion helpers

func sessionResponse(snap studio.Snapshot, path string) SessionResponse {
	resp := SessionResponse{
		State:             string(snap.State),
		Path:              path,
		ConversionPrompt:  snap.ConversionPrompt,
		NewGuidelineModal: snap.NewGuidelineModal,
		Library:           snap.Current,
		Artifact:          snap.Artifact,
		PendingIssues:     snap.PendingIssues,
	}
	if snap.Pending != nil {
		resp.PendingID = snap.Pending.ID
	}
	return resp
}

func summarize(lib domain.Library) GuidelineSummary {
	return GuidelineSummary{
		ID:      lib.ID,
		Name:    lib.Name,
		Title:   lib.Title,
		Version: lib.Version,
		Status:  lib.Status,
		Date:    lib.Date,
	}
}

func mapSummaries(items []domain.Library) []GuidelineSummary {
	res := make([]GuidelineSummary, 0, len(items))
	for _, lib := range items {
		res = append(res, summarize(lib))
	}
	return res
}

func mapPatients(items []domain.Patient) []PatientSummary {
	res := make([]PatientSummary, 0, len(items))
	for _, p := range items {
		res = append(res, PatientSummary{ID: p.ID, Name: p.DisplayName()})
	}
	return res
}

func testResultResponse(res runner.TestResult, expanded bool) TestResultResponse {
	out := TestResultResponse{
		SubjectID:   res.SubjectID,
		SubjectName: res.SubjectName,
		Outcome:     res.Outcome,
		ElapsedMs:   res.ElapsedMs,
		Expanded:    expanded,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:       evt.ID,
		TS:       evt.TS,
		Type:     evt.Type,
		EntityID: evt.EntityID,
		Payload:  decodeJSONMap(evt.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
