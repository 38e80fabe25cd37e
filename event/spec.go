package event

import (
	"fmt"

	"github.com/samber/lo"
)

// SpecVersion is the protocol version URI this repository implements. Every
// module in a topology must advertise the same URI.
const SpecVersion = "https://mobsim.dev/spec/v1"

// Direction marks whether a module transmits or receives an event type.
type Direction string

const (
	DirTx Direction = "TX"
	DirRx Direction = "RX"
)

// Feature carries the capability tags of one event type: what a transmitter
// declares it fills in, and what a receiver requires to be filled in.
type Feature struct {
	Declared []string `json:"declared,omitempty"`
	Required []string `json:"required,omitempty"`
}

// EventSpec describes one event type in a module specification.
type EventSpec struct {
	Dir     []Direction `json:"dir"`
	Schema  *Schema     `json:"schema,omitempty"`
	Feature *Feature    `json:"feature,omitempty"`
}

// Has reports whether the event spec carries the given direction.
func (s EventSpec) Has(dir Direction) bool {
	return lo.Contains(s.Dir, dir)
}

// ModuleSpec is the document a module serves at /spec.
type ModuleSpec struct {
	Version string             `json:"version"`
	Events  map[Type]EventSpec `json:"events"`
}

// NewModuleSpec creates an empty specification at the current version.
func NewModuleSpec() *ModuleSpec {
	return &ModuleSpec{Version: SpecVersion, Events: map[Type]EventSpec{}}
}

// Tx registers typ as transmitted, with the default schema and the given
// declared feature tags.
func (m *ModuleSpec) Tx(typ Type, declared ...string) *ModuleSpec {
	m.add(typ, DirTx, declared, nil)
	return m
}

// Rx registers typ as received, with the default schema and the given
// required feature tags.
func (m *ModuleSpec) Rx(typ Type, required ...string) *ModuleSpec {
	m.add(typ, DirRx, nil, required)
	return m
}

func (m *ModuleSpec) add(typ Type, dir Direction, declared, required []string) {
	spec := m.Events[typ]
	if !lo.Contains(spec.Dir, dir) {
		spec.Dir = append(spec.Dir, dir)
	}
	if spec.Schema == nil {
		spec.Schema = DefaultSchema(typ)
	}
	if len(declared) > 0 || len(required) > 0 {
		if spec.Feature == nil {
			spec.Feature = &Feature{}
		}
		spec.Feature.Declared = append(spec.Feature.Declared, declared...)
		spec.Feature.Required = append(spec.Feature.Required, required...)
	}
	m.Events[typ] = spec
}

// TxTypes returns the transmitted event types in stable order.
func (m *ModuleSpec) TxTypes() []Type {
	return lo.Filter(Types, func(t Type, _ int) bool {
		return m.Events[t].Has(DirTx)
	})
}

// RxTypes returns the received event types in stable order.
func (m *ModuleSpec) RxTypes() []Type {
	return lo.Filter(Types, func(t Type, _ int) bool {
		return m.Events[t].Has(DirRx)
	})
}

// CheckVersions verifies that all modules advertise the same version URI.
func CheckVersions(specs map[string]*ModuleSpec) error {
	var ref string
	var refName string
	for name, spec := range specs {
		if ref == "" {
			ref, refName = spec.Version, name
			continue
		}
		if spec.Version != ref {
			return fmt.Errorf("version mismatch: %s advertises %q, %s advertises %q",
				refName, ref, name, spec.Version)
		}
	}
	return nil
}

// CheckFeatures verifies, for every event type, that each transmitter's
// declared feature set covers each receiver's required set.
func CheckFeatures(tx, rx *ModuleSpec, txName, rxName string) error {
	for typ, rxSpec := range rx.Events {
		if !rxSpec.Has(DirRx) || rxSpec.Feature == nil {
			continue
		}
		txSpec, ok := tx.Events[typ]
		if !ok || !txSpec.Has(DirTx) {
			continue
		}
		var declared []string
		if txSpec.Feature != nil {
			declared = txSpec.Feature.Declared
		}
		missing, _ := lo.Difference(rxSpec.Feature.Required, declared)
		if len(missing) > 0 {
			return fmt.Errorf("%s requires features %v on %s that %s does not declare",
				rxName, missing, typ, txName)
		}
	}
	return nil
}

// CheckSchemas verifies, for every event type both modules share, that the
// receiver's required-field graph is a subset of the transmitter's.
func CheckSchemas(tx, rx *ModuleSpec, txName, rxName string) error {
	for typ, rxSpec := range rx.Events {
		if !rxSpec.Has(DirRx) || rxSpec.Schema == nil {
			continue
		}
		txSpec, ok := tx.Events[typ]
		if !ok || !txSpec.Has(DirTx) || txSpec.Schema == nil {
			continue
		}
		if err := RequiredSubset(rxSpec.Schema, txSpec.Schema); err != nil {
			return fmt.Errorf("%s schema for %s is not satisfied by %s: %w",
				rxName, typ, txName, err)
		}
	}
	return nil
}
