package domain

const (
	ResourceTypeLibrary = "Library"
	ResourceTypePatient = "Patient"

	LibraryTypeSystem = "http://terminology.hl7.org/CodeSystem/library-type"
	LibraryTypeCode   = "logic-library"

	ArtifactExtensionURL = "https://cqframework.org/fhir/StructureDefinition/cql-studio-artifact"

	ContentTypeCQL = "text/cql"
	ContentTypeELM = "application/elm+xml"

	StatusDraft   = "draft"
	StatusActive  = "active"
	StatusRetired = "retired"
)

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Attachment struct {
	ContentType string `json:"contentType,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

type Extension struct {
	URL         string `json:"url"`
	ValueString string `json:"valueString,omitempty"`
}

type Library struct {
	ResourceType string           `json:"resourceType"`
	ID           string           `json:"id,omitempty"`
	URL          string           `json:"url,omitempty"`
	Name         string           `json:"name,omitempty"`
	Title        string           `json:"title,omitempty"`
	Version      string           `json:"version,omitempty"`
	Status       string           `json:"status" enum:"draft,active,retired,unknown"`
	Description  string           `json:"description,omitempty"`
	Date         string           `json:"date,omitempty" format:"date-time"`
	Type         *CodeableConcept `json:"type,omitempty"`
	Extension    []Extension      `json:"extension,omitempty"`
	Content      []Attachment     `json:"content,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

type Patient struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id,omitempty"`
	Name         []HumanName `json:"name,omitempty"`
	Gender       string      `json:"gender,omitempty"`
	BirthDate    string      `json:"birthDate,omitempty"`
}

type Parameter struct {
	Name        string `json:"name"`
	ValueString string `json:"valueString,omitempty"`
}

type Parameters struct {
	ResourceType string      `json:"resourceType"`
	Parameter    []Parameter `json:"parameter,omitempty"`
}

type NamedExpression struct {
	Name        string `json:"name"`
	Expression  string `json:"expression"`
	Description string `json:"description,omitempty"`
}

type GuidelineArtifact struct {
	Name        string            `json:"name"`
	Title       string            `json:"title,omitempty"`
	Version     string            `json:"version"`
	Description string            `json:"description,omitempty"`
	URL         string            `json:"url,omitempty"`
	Context     string            `json:"context,omitempty"`
	FHIRVersion string            `json:"fhirVersion,omitempty"`
	Expressions []NamedExpression `json:"expressions,omitempty"`
}

func (l Library) ContentByType(contentType string) *Attachment {
	for i := range l.Content {
		if l.Content[i].ContentType == contentType {
			return &l.Content[i]
		}
	}
	return nil
}

func (l Library) ExtensionByURL(url string) *Extension {
	for i := range l.Extension {
		if l.Extension[i].URL == url {
			return &l.Extension[i]
		}
	}
	return nil
}

func (l Library) HasTypeCoding(system, code string) bool {
	if l.Type == nil {
		return false
	}
	for _, c := range l.Type.Coding {
		if c.Code == code && (system == "" || c.System == system) {
			return true
		}
	}
	return false
}

func (p Patient) DisplayName() string {
	for _, n := range p.Name {
		if n.Text != "" {
			return n.Text
		}
		parts := append([]string{}, n.Given...)
		if n.Family != "" {
			parts = append(parts, n.Family)
		}
		if len(parts) > 0 {
			return joinNonEmpty(parts)
		}
	}
	return p.ID
}

func joinNonEmpty(parts []string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += " "
		}
		out += p
	}
	return out
}

type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues,omitempty"`
}

type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	EntityID string `json:"entity_id,omitempty"`
	Payload  string `json:"payload_json"`
}
