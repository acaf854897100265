package format

import (
	"github.com/cqframework/cql-studio-sub002/internal/domain"
)

// Validate reports every conformance problem that would make a stored
// library unsuitable for the studio. It never short-circuits, so callers
// always see the full list of issues in check order.
func Validate(lib domain.Library) domain.ValidationResult {
	var issues []string
	if lib.Name == "" {
		issues = append(issues, "missing name")
	}
	if lib.Version == "" {
		issues = append(issues, "missing version")
	}
	if !hasCQLSource(lib) {
		issues = append(issues, "no text/cql content with data")
	}
	if lib.ExtensionByURL(domain.ArtifactExtensionURL) == nil {
		issues = append(issues, "missing cql-studio artifact extension")
	}
	if !lib.HasTypeCoding(domain.LibraryTypeSystem, domain.LibraryTypeCode) {
		issues = append(issues, "type coding does not include logic-library")
	}
	return domain.ValidationResult{Valid: len(issues) == 0, Issues: issues}
}

// CanOpenCleanly reports whether the editor can reconstruct its builder
// state from the library without a conversion step. The type coding is
// deliberately not required here: a mistagged library still opens cleanly
// as long as the artifact snapshot, source and identity are intact.
func CanOpenCleanly(lib domain.Library) bool {
	if lib.ExtensionByURL(domain.ArtifactExtensionURL) == nil {
		return false
	}
	if !hasCQLSource(lib) {
		return false
	}
	return lib.Name != "" && lib.Version != ""
}

func hasCQLSource(lib domain.Library) bool {
	att := lib.ContentByType(domain.ContentTypeCQL)
	return att != nil && len(att.Data) > 0
}
