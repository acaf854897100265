package format_test

import (
	"testing"

	"github.com/cqframework/cql-studio-sub002/internal/domain"
	"github.com/cqframework/cql-studio-sub002/internal/format"
)

func validLibrary() domain.Library {
	return domain.Library{
		ResourceType: domain.ResourceTypeLibrary,
		ID:           "chf-screening",
		Name:         "chf-screening",
		Title:        "CHF Screening",
		Version:      "1.0.0",
		Status:       domain.StatusActive,
		Type: &domain.CodeableConcept{Coding: []domain.Coding{{
			System: domain.LibraryTypeSystem,
			Code:   domain.LibraryTypeCode,
		}}},
		Extension: []domain.Extension{{
			URL:         domain.ArtifactExtensionURL,
			ValueString: `{"name":"chf-screening","version":"1.0.0"}`,
		}},
		Content: []domain.Attachment{{
			ContentType: domain.ContentTypeCQL,
			Data:        []byte("library ChfScreening version '1.0.0'"),
		}},
	}
}

func TestValidateCleanLibrary(t *testing.T) {
	res := format.Validate(validLibrary())
	if !res.Valid {
		t.Fatalf("expected valid, issues: %v", res.Issues)
	}
	if len(res.Issues) != 0 {
		t.Fatalf("expected no issues, got %v", res.Issues)
	}
}

func TestValidateAccumulatesAllIssues(t *testing.T) {
	res := format.Validate(domain.Library{ResourceType: domain.ResourceTypeLibrary})
	if res.Valid {
		t.Fatalf("expected invalid")
	}
	want := []string{
		"missing name",
		"missing version",
		"no text/cql content with data",
		"missing cql-studio artifact extension",
		"type coding does not include logic-library",
	}
	if len(res.Issues) != len(want) {
		t.Fatalf("expected %d issues, got %v", len(want), res.Issues)
	}
	for i := range want {
		if res.Issues[i] != want[i] {
			t.Fatalf("issue %d: got %q want %q", i, res.Issues[i], want[i])
		}
	}
}

func TestValidateRejectsEmptyCQLPayload(t *testing.T) {
	lib := validLibrary()
	lib.Content = []domain.Attachment{{ContentType: domain.ContentTypeCQL}}
	res := format.Validate(lib)
	if res.Valid {
		t.Fatalf("expected invalid for empty cql payload")
	}
	if len(res.Issues) != 1 || res.Issues[0] != "no text/cql content with data" {
		t.Fatalf("unexpected issues: %v", res.Issues)
	}
	if format.CanOpenCleanly(lib) {
		t.Fatalf("empty cql payload should not open cleanly")
	}
}

func TestOpenCleanlyIgnoresTypeCoding(t *testing.T) {
	lib := validLibrary()
	lib.Type = &domain.CodeableConcept{Coding: []domain.Coding{{
		System: domain.LibraryTypeSystem,
		Code:   "module-definition",
	}}}
	// mistagged library still opens, but validation flags it
	if !format.CanOpenCleanly(lib) {
		t.Fatalf("expected clean open without logic-library coding")
	}
	res := format.Validate(lib)
	if res.Valid {
		t.Fatalf("expected validation failure for missing logic-library coding")
	}
	if len(res.Issues) != 1 || res.Issues[0] != "type coding does not include logic-library" {
		t.Fatalf("unexpected issues: %v", res.Issues)
	}
}

func TestOpenCleanlyRequiresArtifactExtension(t *testing.T) {
	lib := validLibrary()
	lib.Extension = []domain.Extension{{URL: "http://example.org/other", ValueString: "x"}}
	if format.CanOpenCleanly(lib) {
		t.Fatalf("expected no clean open without artifact extension")
	}
}

func TestOpenCleanlyRequiresIdentity(t *testing.T) {
	lib := validLibrary()
	lib.Name = ""
	if format.CanOpenCleanly(lib) {
		t.Fatalf("expected no clean open without name")
	}
	lib = validLibrary()
	lib.Version = ""
	if format.CanOpenCleanly(lib) {
		t.Fatalf("expected no clean open without version")
	}
}
