package event

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// Schema is the subset of JSON Schema the platform exchanges: object types
// with required fields, nested properties, array items, and local $refs into
// definitions or $defs. It exists to express which fields a payload carries,
// not to be a general validator.
type Schema struct {
	Type        string             `json:"type,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Ref         string             `json:"$ref,omitempty"`
	Definitions map[string]*Schema `json:"definitions,omitempty"`
	Defs        map[string]*Schema `json:"$defs,omitempty"`
}

// Resolve follows local $refs against the document root until it reaches a
// concrete schema.
func (s *Schema) Resolve(root *Schema) (*Schema, error) {
	seen := map[string]bool{}
	for s != nil && s.Ref != "" {
		if seen[s.Ref] {
			return nil, fmt.Errorf("$ref cycle at %q", s.Ref)
		}
		seen[s.Ref] = true
		target, err := root.lookup(s.Ref)
		if err != nil {
			return nil, err
		}
		s = target
	}
	return s, nil
}

func (s *Schema) lookup(ref string) (*Schema, error) {
	name, table := "", map[string]*Schema(nil)
	switch {
	case strings.HasPrefix(ref, "#/definitions/"):
		name, table = strings.TrimPrefix(ref, "#/definitions/"), s.Definitions
	case strings.HasPrefix(ref, "#/$defs/"):
		name, table = strings.TrimPrefix(ref, "#/$defs/"), s.Defs
	default:
		return nil, fmt.Errorf("unsupported $ref %q", ref)
	}
	target, ok := table[name]
	if !ok {
		return nil, fmt.Errorf("unresolved $ref %q", ref)
	}
	return target, nil
}

// RequiredSubset checks that every field the rx schema requires, at every
// nesting level, is also required by the tx schema. Refs resolve against each
// side's own document root.
func RequiredSubset(rx, tx *Schema) error {
	return requiredSubset(rx, rx, tx, tx, "")
}

func requiredSubset(rxRoot, rx, txRoot, tx *Schema, path string) error {
	rxr, err := rx.Resolve(rxRoot)
	if err != nil {
		return err
	}
	txr, err := tx.Resolve(txRoot)
	if err != nil {
		return err
	}
	if rxr == nil || txr == nil {
		return nil
	}
	for _, field := range rxr.Required {
		if !lo.Contains(txr.Required, field) {
			return fmt.Errorf("required field %q missing from transmitter", joinPath(path, field))
		}
	}
	for name, rxProp := range rxr.Properties {
		txProp, ok := txr.Properties[name]
		if !ok {
			continue
		}
		if err := requiredSubset(rxRoot, rxProp, txRoot, txProp, joinPath(path, name)); err != nil {
			return err
		}
	}
	if rxr.Items != nil && txr.Items != nil {
		return requiredSubset(rxRoot, rxr.Items, txRoot, txr.Items, path+"[]")
	}
	return nil
}

func joinPath(path, field string) string {
	if path == "" {
		return field
	}
	return path + "." + field
}

// ValidateInstance checks that value carries every field the schema requires,
// recursively. It validates presence only; types and ranges are out of scope.
func (s *Schema) ValidateInstance(value any) error {
	return validateInstance(s, s, value, "")
}

func validateInstance(root, s *Schema, value any, path string) error {
	resolved, err := s.Resolve(root)
	if err != nil {
		return err
	}
	if resolved == nil {
		return nil
	}
	switch v := value.(type) {
	case map[string]any:
		for _, field := range resolved.Required {
			if _, ok := v[field]; !ok {
				return fmt.Errorf("missing required field %q", joinPath(path, field))
			}
		}
		for name, prop := range resolved.Properties {
			child, ok := v[name]
			if !ok {
				continue
			}
			if err := validateInstance(root, prop, child, joinPath(path, name)); err != nil {
				return err
			}
		}
	case []any:
		if resolved.Items == nil {
			return nil
		}
		for i, item := range v {
			if err := validateInstance(root, resolved.Items, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateDetails checks an event's details against the schema for its type.
func (s *Schema) ValidateDetails(e Event) error {
	m, err := e.DetailsMap()
	if err != nil {
		return err
	}
	return s.ValidateInstance(m)
}

func locationSchema() *Schema {
	return &Schema{
		Type:     "object",
		Required: []string{"locationId", "lat", "lng"},
		Properties: map[string]*Schema{
			"locationId": {Type: "string"},
			"lat":        {Type: "number"},
			"lng":        {Type: "number"},
		},
	}
}

func locationRef() *Schema {
	return &Schema{Ref: "#/definitions/location"}
}

// DefaultSchema returns the canonical details schema for an event type, with
// the required fields of the platform protocol.
func DefaultSchema(typ Type) *Schema {
	defs := map[string]*Schema{"location": locationSchema()}
	switch typ {
	case TypeDemand:
		return &Schema{
			Type:     "object",
			Required: []string{"userId", "demandId", "org", "dst"},
			Properties: map[string]*Schema{
				"userId":   {Type: "string"},
				"demandId": {Type: "string"},
				"org":      locationRef(),
				"dst":      locationRef(),
				"service":  {Type: "string"},
				"dept":     {Type: "number"},
				"arrv":     {Type: "number"},
				"userType": {Type: "string"},
			},
			Definitions: defs,
		}
	case TypeReserve:
		return &Schema{
			Type:     "object",
			Required: []string{"userId", "demandId", "org", "dst", "dept"},
			Properties: map[string]*Schema{
				"userId":   {Type: "string"},
				"demandId": {Type: "string"},
				"org":      locationRef(),
				"dst":      locationRef(),
				"dept":     {Type: "number"},
				"arrv":     {Type: "number"},
			},
			Definitions: defs,
		}
	case TypeReserved:
		return &Schema{
			Type:     "object",
			Required: []string{"success", "userId", "demandId", "route"},
			Properties: map[string]*Schema{
				"success":  {Type: "boolean"},
				"userId":   {Type: "string"},
				"demandId": {Type: "string"},
				"route": {
					Type: "array",
					Items: &Schema{
						Type:     "object",
						Required: []string{"org", "dst", "dept", "arrv"},
						Properties: map[string]*Schema{
							"org":     locationRef(),
							"dst":     locationRef(),
							"dept":    {Type: "number"},
							"arrv":    {Type: "number"},
							"service": {Type: "string"},
						},
					},
				},
			},
			Definitions: defs,
		}
	case TypeDepart:
		return &Schema{
			Type:     "object",
			Required: []string{"userId", "demandId"},
			Properties: map[string]*Schema{
				"userId":   {Type: "string"},
				"demandId": {Type: "string"},
			},
		}
	case TypeDeparted, TypeArrived:
		return &Schema{
			Type:     "object",
			Required: []string{"location"},
			Properties: map[string]*Schema{
				"userId":     {Type: "string"},
				"demandId":   {Type: "string"},
				"location":   locationRef(),
				"mobilityId": {Type: "string"},
			},
			Definitions: defs,
		}
	}
	return &Schema{Type: "object"}
}
