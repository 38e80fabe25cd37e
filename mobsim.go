// Package mobsim couples independent mobility simulators into one run. The
// Broker drives registered modules in virtual-time order over the Runner
// interface, fans their events out to each other, and writes every event to
// a result sink. Modules follow a common surface: they are set up from JSON
// settings, stepped to their next scheduled instant, and triggered with
// events produced elsewhere.
package mobsim

import (
	"encoding/json"

	"mobsim.dev/mobsim/event"
)

// Module is the surface a simulator exposes to its host. The broker reaches
// in-process modules through LocalRunner and remote ones over HTTP; both
// present this contract.
//
// A module owns a private virtual clock. Step advances it to the next
// scheduled instant and returns the events emitted there; Peek reports that
// instant without advancing, +Inf when nothing is pending. Triggered delivers
// a foreign event, which must never move the module past the event's time.
type Module interface {
	Name() string
	Spec() *event.ModuleSpec
	Setup(settings json.RawMessage) error
	Start() error
	Peek() float64
	Step() (float64, []event.Event, error)
	Triggered(e event.Event) error
	Reservable(orgID, dstID string) bool
	Finish() error
}
