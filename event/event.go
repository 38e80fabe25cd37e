// Package event defines the wire format shared by every module: the event
// envelope, the typed details payloads, and the specification documents
// modules serve at /spec. The broker treats details as opaque JSON so that
// extra fields survive fan-out; modules decode them into the typed structs.
package event

import (
	"encoding/json"
	"fmt"
)

// Type identifies an observable event.
type Type string

const (
	TypeDemand   Type = "DEMAND"
	TypeReserve  Type = "RESERVE"
	TypeReserved Type = "RESERVED"
	TypeDepart   Type = "DEPART"
	TypeDeparted Type = "DEPARTED"
	TypeArrived  Type = "ARRIVED"
)

// Types lists all event types in a stable order.
var Types = []Type{
	TypeDemand,
	TypeReserve,
	TypeReserved,
	TypeDepart,
	TypeDeparted,
	TypeArrived,
}

// Known reports whether t is one of the six event types.
func (t Type) Known() bool {
	switch t {
	case TypeDemand, TypeReserve, TypeReserved, TypeDepart, TypeDeparted, TypeArrived:
		return true
	}
	return false
}

// Location is a named point. Identity is by ID; coordinates are advisory.
type Location struct {
	ID  string  `json:"locationId"`
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Event is the common envelope. Source is stamped by the broker with the
// producing module's name. Service, when set, targets a single module.
//
// Details holds either a typed payload (when built in process) or a
// json.RawMessage (when decoded from the wire). Use Decode or the typed
// accessors to read it either way.
type Event struct {
	Type    Type    `json:"eventType"`
	Source  string  `json:"source,omitempty"`
	Time    float64 `json:"time"`
	Service string  `json:"service,omitempty"`
	Details any     `json:"details,omitempty"`
}

// New builds an event at virtual time t with the given payload.
func New(typ Type, t float64, details any) Event {
	return Event{Type: typ, Time: t, Details: details}
}

// WithService returns a copy targeted at the named module.
func (e Event) WithService(service string) Event {
	e.Service = service
	return e
}

type wireEvent struct {
	Type    Type            `json:"eventType"`
	Source  string          `json:"source"`
	Time    float64         `json:"time"`
	Service string          `json:"service"`
	Details json.RawMessage `json:"details"`
}

// UnmarshalJSON keeps the details as raw JSON so unknown fields from foreign
// modules are preserved across re-marshalling.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decoding event envelope: %w", err)
	}
	e.Type = w.Type
	e.Source = w.Source
	e.Time = w.Time
	e.Service = w.Service
	e.Details = nil
	if len(w.Details) > 0 {
		e.Details = json.RawMessage(w.Details)
	}
	return nil
}

// Decode unmarshals the details payload into v, regardless of whether the
// event was built in process or decoded from the wire.
func (e Event) Decode(v any) error {
	raw, err := e.rawDetails()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding %s details: %w", e.Type, err)
	}
	return nil
}

// DetailsMap returns the details as a generic map, for schema validation.
func (e Event) DetailsMap() (map[string]any, error) {
	var m map[string]any
	if err := e.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

func (e Event) rawDetails() (json.RawMessage, error) {
	switch d := e.Details.(type) {
	case nil:
		return nil, fmt.Errorf("%s event has no details", e.Type)
	case json.RawMessage:
		return d, nil
	case []byte:
		return json.RawMessage(d), nil
	default:
		raw, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("encoding %s details: %w", e.Type, err)
		}
		return raw, nil
	}
}

// Demand is the payload of a DEMAND event.
type Demand struct {
	UserID   string   `json:"userId"`
	DemandID string   `json:"demandId"`
	Org      Location `json:"org"`
	Dst      Location `json:"dst"`
	Service  string   `json:"service,omitempty"`
	Dept     *float64 `json:"dept,omitempty"`
	Arrv     *float64 `json:"arrv,omitempty"`
	UserType string   `json:"userType,omitempty"`
}

// Reserve is the payload of a RESERVE event.
type Reserve struct {
	UserID   string   `json:"userId"`
	DemandID string   `json:"demandId"`
	Org      Location `json:"org"`
	Dst      Location `json:"dst"`
	Dept     float64  `json:"dept"`
	Arrv     *float64 `json:"arrv,omitempty"`
}

// RouteLeg is one boarding-to-alighting pair of a reserved route.
type RouteLeg struct {
	Org     Location `json:"org"`
	Dst     Location `json:"dst"`
	Dept    float64  `json:"dept"`
	Arrv    float64  `json:"arrv"`
	Service string   `json:"service,omitempty"`
}

// Reserved is the payload of a RESERVED event.
type Reserved struct {
	Success  bool       `json:"success"`
	UserID   string     `json:"userId"`
	DemandID string     `json:"demandId"`
	Route    []RouteLeg `json:"route"`
}

// Depart is the payload of a DEPART event.
type Depart struct {
	UserID   string `json:"userId"`
	DemandID string `json:"demandId"`
}

// Traveled is the payload of DEPARTED and ARRIVED events. Vehicle-level
// events carry only the location and mobility ID; user-level ones add the
// user and demand IDs.
type Traveled struct {
	UserID     string   `json:"userId,omitempty"`
	DemandID   string   `json:"demandId,omitempty"`
	Location   Location `json:"location"`
	MobilityID string   `json:"mobilityId,omitempty"`
}

// DecodeDemand returns the typed DEMAND payload.
func (e Event) DecodeDemand() (Demand, error) {
	var d Demand
	if e.Type != TypeDemand {
		return d, fmt.Errorf("event is %s, not DEMAND", e.Type)
	}
	return d, e.Decode(&d)
}

// DecodeReserve returns the typed RESERVE payload.
func (e Event) DecodeReserve() (Reserve, error) {
	var d Reserve
	if e.Type != TypeReserve {
		return d, fmt.Errorf("event is %s, not RESERVE", e.Type)
	}
	return d, e.Decode(&d)
}

// DecodeReserved returns the typed RESERVED payload.
func (e Event) DecodeReserved() (Reserved, error) {
	var d Reserved
	if e.Type != TypeReserved {
		return d, fmt.Errorf("event is %s, not RESERVED", e.Type)
	}
	return d, e.Decode(&d)
}

// DecodeDepart returns the typed DEPART payload.
func (e Event) DecodeDepart() (Depart, error) {
	var d Depart
	if e.Type != TypeDepart {
		return d, fmt.Errorf("event is %s, not DEPART", e.Type)
	}
	return d, e.Decode(&d)
}

// DecodeTraveled returns the typed DEPARTED or ARRIVED payload.
func (e Event) DecodeTraveled() (Traveled, error) {
	var d Traveled
	if e.Type != TypeDeparted && e.Type != TypeArrived {
		return d, fmt.Errorf("event is %s, not DEPARTED or ARRIVED", e.Type)
	}
	return d, e.Decode(&d)
}

// Validate checks envelope-level rules: the type must be known and, on
// DEPARTED and ARRIVED, userId and demandId must be present or absent
// together.
func Validate(e Event) error {
	if !e.Type.Known() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Type == TypeDeparted || e.Type == TypeArrived {
		m, err := e.DetailsMap()
		if err != nil {
			return err
		}
		_, hasUser := m["userId"]
		_, hasDemand := m["demandId"]
		if hasUser != hasDemand {
			return fmt.Errorf("%s event must carry userId and demandId together", e.Type)
		}
	}
	return nil
}
