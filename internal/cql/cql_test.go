package cql_test

import (
	"strings"
	"testing"

	"github.com/cqframework/cql-studio-sub002/internal/cql"
	"github.com/cqframework/cql-studio-sub002/internal/domain"
)

func TestDeriveID(t *testing.T) {
	if got := cql.DeriveID("My Guideline!"); got != "My-Guideline-" {
		t.Fatalf("got %q", got)
	}
	if got := cql.DeriveID("chf-screening-2"); got != "chf-screening-2" {
		t.Fatalf("expected passthrough, got %q", got)
	}
	// each offending character maps to its own hyphen, runs are kept
	if got := cql.DeriveID("a  b"); got != "a--b" {
		t.Fatalf("got %q", got)
	}
	if got := cql.DeriveID("café"); got != "caf-" {
		t.Fatalf("non-ascii should map to one hyphen, got %q", got)
	}
}

func TestGenerateHeader(t *testing.T) {
	src := cql.Generate(domain.GuidelineArtifact{
		Name:        "ChfScreening",
		Version:     "2.1.0",
		FHIRVersion: "4.0.1",
	})
	if !strings.Contains(src, `library "ChfScreening" version '2.1.0'`) {
		t.Fatalf("missing library header:\n%s", src)
	}
	if !strings.Contains(src, `using FHIR version '4.0.1'`) {
		t.Fatalf("missing using statement:\n%s", src)
	}
	if !strings.Contains(src, "context Patient") {
		t.Fatalf("missing default context:\n%s", src)
	}
}

func TestGenerateDefaults(t *testing.T) {
	src := cql.Generate(domain.GuidelineArtifact{Name: "X"})
	if !strings.Contains(src, `version '1.0.0'`) {
		t.Fatalf("expected default version:\n%s", src)
	}
	if !strings.Contains(src, `using FHIR version '4.0.1'`) {
		t.Fatalf("expected default fhir version:\n%s", src)
	}
}

func TestGenerateExpressions(t *testing.T) {
	src := cql.Generate(domain.GuidelineArtifact{
		Name:    "X",
		Version: "1.0.0",
		Expressions: []domain.NamedExpression{
			{Name: "InPopulation", Expression: "AgeInYears() >= 18", Description: "adults only"},
			{Name: "Flagged", Expression: "true"},
		},
	})
	first := strings.Index(src, `define "InPopulation":`)
	second := strings.Index(src, `define "Flagged":`)
	if first < 0 || second < 0 {
		t.Fatalf("missing defines:\n%s", src)
	}
	if first > second {
		t.Fatalf("expressions out of authoring order:\n%s", src)
	}
	if !strings.Contains(src, "// adults only") {
		t.Fatalf("missing description comment:\n%s", src)
	}
	if !strings.Contains(src, "AgeInYears() >= 18") {
		t.Fatalf("missing expression body:\n%s", src)
	}
}
