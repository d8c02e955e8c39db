package schema

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrSchemaNotFound is returned for unknown domain ids. This is a
// configuration or programming error, never a user-recoverable condition.
var ErrSchemaNotFound = errors.New("domain schema not found")

// FieldType is the declared type of a conversational field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldEnum   FieldType = "enum"
)

// Field declares one prompt-and-response slot of a domain.
type Field struct {
	Name       string
	Type       FieldType
	EnumValues []string // only for FieldEnum
	Required   bool
}

// TerminalPages are the routing targets a domain can resolve to.
type TerminalPages struct {
	Complete   string // all fields collected, awaiting explicit confirmation
	Confirmed  string // user accepted; navigating here triggers a state reset
	Incomplete string // in-flow page while fields are still being collected
}

// Domain is the declarative schema for one self-contained conversational
// flow. The field list is the whitelist that prevents the language model from
// injecting arbitrary keys into conversation state.
type Domain struct {
	ID       string
	Goal     string // collection goal embedded in the extraction prompt
	Fields   []Field
	Pages    TerminalPages
	Defaults map[string]any // documented default values restored on reset
}

// ViolationError reports a model-returned value that does not satisfy its
// declared field type. It is recovered locally by the engine and never
// propagated as a hard failure.
type ViolationError struct {
	Domain string
	Field  string
	Value  any
	Detail string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("schema violation in %s.%s: %s", e.Domain, e.Field, e.Detail)
}

// Registry holds all domain schemas, keyed by domain id.
type Registry struct {
	domains map[string]*Domain
}

// NewRegistry builds the registry with the built-in banking domains.
func NewRegistry() *Registry {
	return &Registry{domains: builtinDomains()}
}

// Get returns the schema for a domain id.
func (r *Registry) Get(domainID string) (*Domain, error) {
	d, ok := r.domains[domainID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSchemaNotFound, domainID)
	}
	return d, nil
}

// IDs returns all registered domain ids in stable order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.domains))
	for id := range r.domains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Field looks up a declared field by name.
func (d *Domain) Field(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// ValidateField checks one candidate value against the declared field type.
// Unknown field names are violations: the schema is a whitelist.
func (d *Domain) ValidateField(name string, value any) error {
	field, ok := d.Field(name)
	if !ok {
		return &ViolationError{Domain: d.ID, Field: name, Value: value,
			Detail: "field is not declared by the domain schema"}
	}

	switch field.Type {
	case FieldString:
		if _, ok := value.(string); !ok {
			return &ViolationError{Domain: d.ID, Field: name, Value: value,
				Detail: fmt.Sprintf("expected string, got %T", value)}
		}

	case FieldNumber:
		n, ok := toNumber(value)
		if !ok {
			return &ViolationError{Domain: d.ID, Field: name, Value: value,
				Detail: fmt.Sprintf("expected number, got %T", value)}
		}
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return &ViolationError{Domain: d.ID, Field: name, Value: value,
				Detail: "number must be finite"}
		}

	case FieldEnum:
		s, ok := value.(string)
		if !ok {
			return &ViolationError{Domain: d.ID, Field: name, Value: value,
				Detail: fmt.Sprintf("expected enum string, got %T", value)}
		}
		for _, allowed := range field.EnumValues {
			if s == allowed {
				return nil
			}
		}
		return &ViolationError{Domain: d.ID, Field: name, Value: value,
			Detail: fmt.Sprintf("%q is not one of the declared enum values", s)}
	}

	return nil
}

// ValidateFields checks a candidate field set; the first violation is
// returned and the set must be rejected as a whole.
func (d *Domain) ValidateFields(fields map[string]any) error {
	for name, value := range fields {
		if err := d.ValidateField(name, value); err != nil {
			return err
		}
	}
	return nil
}

// IsSet reports whether a field value counts as collected: strings and enums
// when non-empty, numbers when non-zero.
func IsSet(field Field, value any) bool {
	switch field.Type {
	case FieldNumber:
		n, ok := toNumber(value)
		return ok && n != 0
	default:
		s, ok := value.(string)
		return ok && s != ""
	}
}

// Complete reports whether every required field of the domain is set in the
// given state.
func (d *Domain) Complete(state map[string]any) bool {
	for _, f := range d.Fields {
		if !f.Required {
			continue
		}
		if !IsSet(f, state[f.Name]) {
			return false
		}
	}
	return true
}

// MissingFields lists the required fields still unset, in declaration order.
func (d *Domain) MissingFields(state map[string]any) []string {
	var missing []string
	for _, f := range d.Fields {
		if f.Required && !IsSet(f, state[f.Name]) {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

// DefaultState returns a fresh copy of the domain's documented defaults.
func (d *Domain) DefaultState() map[string]any {
	state := make(map[string]any, len(d.Fields))
	for _, f := range d.Fields {
		if v, ok := d.Defaults[f.Name]; ok {
			state[f.Name] = v
			continue
		}
		if f.Type == FieldNumber {
			state[f.Name] = float64(0)
		} else {
			state[f.Name] = ""
		}
	}
	return state
}

// toNumber normalizes the numeric representations that survive JSON decoding.
func toNumber(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// builtinDomains declares the banking flows the gateway ships with.
func builtinDomains() map[string]*Domain {
	domains := []*Domain{
		{
			ID:   "transfers",
			Goal: "Collect the data needed to send a money transfer: recipient name, amount and a short description. Once everything is known, ask the user to confirm before executing.",
			Fields: []Field{
				{Name: "nombreDestinatario", Type: FieldString, Required: true},
				{Name: "amount", Type: FieldNumber, Required: true},
				{Name: "description", Type: FieldString, Required: true},
			},
			Pages: TerminalPages{
				Complete:   "transfers/confirmation",
				Confirmed:  "dashboard",
				Incomplete: "transfers",
			},
		},
		{
			ID:   "creditcard",
			Goal: "Collect the applicant data for a credit card request: monthly income, employment status and desired term in months. Ask the user to confirm the application once complete.",
			Fields: []Field{
				{Name: "ingresoMensual", Type: FieldNumber, Required: true},
				{Name: "employmentStatus", Type: FieldEnum, Required: true,
					EnumValues: []string{"empleado", "independiente", "empresario"}},
				{Name: "duracionMeses", Type: FieldNumber, Required: true},
			},
			Pages: TerminalPages{
				Complete:   "creditcard/confirmation",
				Confirmed:  "dashboard",
				Incomplete: "creditcard",
			},
		},
		{
			ID:   "banking",
			Goal: "Understand a generic banking request and route the user to the right screen, recording a short reason for the routing decision.",
			Fields: []Field{
				{Name: "holderName", Type: FieldString},
				{Name: "reason", Type: FieldString, Required: true},
			},
			Pages: TerminalPages{
				Complete:   "dashboard",
				Confirmed:  "dashboard",
				Incomplete: "banking",
			},
			// Demo profile data pre-populated for the simulated account.
			Defaults: map[string]any{
				"holderName": "Camila Rojas",
			},
		},
	}

	byID := make(map[string]*Domain, len(domains))
	for _, d := range domains {
		byID[d.ID] = d
	}
	return byID
}
