package cql

import (
	"fmt"
	"strings"

	"github.com/cqframework/cql-studio-sub002/internal/domain"
)

const (
	DefaultContext     = "Patient"
	DefaultFHIRVersion = "4.0.1"
	DefaultVersion     = "1.0.0"
)

// DeriveID maps a guideline name to a resource identifier. Every character
// that is not an ASCII letter, digit or hyphen becomes one hyphen, so
// "My Guideline!" yields "My-Guideline-". The mapping is one hyphen per
// character, never collapsing runs.
func DeriveID(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '-':
			return r
		default:
			return '-'
		}
	}, name)
}

// Generate renders CQL source text for an artifact. Expressions are emitted
// in authoring order; name and version fall back to defaults so the output
// is always a parseable library header.
func Generate(a domain.GuidelineArtifact) string {
	name := a.Name
	if name == "" {
		name = "Untitled"
	}
	version := a.Version
	if version == "" {
		version = DefaultVersion
	}
	fhirVersion := a.FHIRVersion
	if fhirVersion == "" {
		fhirVersion = DefaultFHIRVersion
	}
	evalContext := a.Context
	if evalContext == "" {
		evalContext = DefaultContext
	}

	var b strings.Builder
	fmt.Fprintf(&b, "library %q version '%s'\n\n", name, version)
	fmt.Fprintf(&b, "using FHIR version '%s'\n\n", fhirVersion)
	fmt.Fprintf(&b, "context %s\n", evalContext)
	for _, expr := range a.Expressions {
		b.WriteString("\n")
		if expr.Description != "" {
			fmt.Fprintf(&b, "// %s\n", expr.Description)
		}
		fmt.Fprintf(&b, "define %q:\n  %s\n", expr.Name, expr.Expression)
	}
	return b.String()
}
