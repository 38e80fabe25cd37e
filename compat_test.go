package mobsim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mobsim.dev/mobsim/config"
	"mobsim.dev/mobsim/event"
)

// mobilityTopologySpecs builds the specs of a typical topology: a demand
// source, a user agent and a mobility service, all exchanging the standard
// event conversation.
func mobilityTopologySpecs() map[string]*event.ModuleSpec {
	return map[string]*event.ModuleSpec{
		"broker": event.NewModuleSpec(),
		"scenario": event.NewModuleSpec().
			Tx(event.TypeDemand),
		"user_agent": event.NewModuleSpec().
			Rx(event.TypeDemand).
			Tx(event.TypeReserve).
			Tx(event.TypeDepart).
			Rx(event.TypeReserved).
			Rx(event.TypeDeparted).
			Rx(event.TypeArrived),
		"ondemand": event.NewModuleSpec().
			Rx(event.TypeReserve).
			Rx(event.TypeDepart).
			Tx(event.TypeReserved).
			Tx(event.TypeDeparted).
			Tx(event.TypeArrived),
	}
}

func TestGatePassesCompatibleTopology(t *testing.T) {
	require.NoError(t, CheckCompatibility(mobilityTopologySpecs(), config.Gate{}))
}

func TestGateRejectsVersionMismatch(t *testing.T) {
	specs := mobilityTopologySpecs()
	specs["ondemand"].Version = "https://mobsim.dev/spec/v2"

	err := CheckCompatibility(specs, config.Gate{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version mismatch")

	require.NoError(t, CheckCompatibility(specs, config.Gate{SkipVersionCheck: true}))
}

func TestGateRejectsUncoveredFeatures(t *testing.T) {
	specs := mobilityTopologySpecs()
	specs["user_agent"] = event.NewModuleSpec().
		Rx(event.TypeDemand, "userType", "arrivalConstraint")
	specs["scenario"] = event.NewModuleSpec().
		Tx(event.TypeDemand, "userType")

	err := CheckCompatibility(specs, config.Gate{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "arrivalConstraint")
	assert.Contains(t, err.Error(), "scenario")

	require.NoError(t, CheckCompatibility(specs, config.Gate{SkipFeatureCheck: true}))

	// Declaring the missing tag clears the gate.
	specs["scenario"] = event.NewModuleSpec().
		Tx(event.TypeDemand, "userType", "arrivalConstraint")
	require.NoError(t, CheckCompatibility(specs, config.Gate{}))
}

func TestGateRejectsUnsatisfiedSchema(t *testing.T) {
	specs := mobilityTopologySpecs()

	// The mobility service stops promising demandId on RESERVED while the
	// user agent still requires it.
	slim := event.NewModuleSpec().
		Rx(event.TypeReserve).
		Tx(event.TypeReserved)
	es := slim.Events[event.TypeReserved]
	es.Schema = &event.Schema{
		Type:     "object",
		Required: []string{"success", "userId"},
	}
	slim.Events[event.TypeReserved] = es
	specs["ondemand"] = slim

	err := CheckCompatibility(specs, config.Gate{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "demandId")

	require.NoError(t, CheckCompatibility(specs, config.Gate{SkipSchemaCheck: true}))
}

func TestGateIgnoresUntransmittedTypes(t *testing.T) {
	// The agent requires features on DEPARTED, but this topology has no
	// module transmitting it. Nothing to check, nothing to fail.
	specs := map[string]*event.ModuleSpec{
		"broker":     event.NewModuleSpec(),
		"scenario":   event.NewModuleSpec().Tx(event.TypeDemand),
		"user_agent": event.NewModuleSpec().Rx(event.TypeDemand).Rx(event.TypeDeparted, "mobilityId"),
	}
	require.NoError(t, CheckCompatibility(specs, config.Gate{}))
}

func TestGateChecksEveryOrderedPair(t *testing.T) {
	// Both services transmit RESERVED; only one of them declares the tag
	// the agent requires. The gate must still catch the other.
	specs := map[string]*event.ModuleSpec{
		"broker":     event.NewModuleSpec(),
		"user_agent": event.NewModuleSpec().Rx(event.TypeReserved, "route"),
		"ondemand":   event.NewModuleSpec().Tx(event.TypeReserved, "route"),
		"scheduled":  event.NewModuleSpec().Tx(event.TypeReserved),
	}
	err := CheckCompatibility(specs, config.Gate{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduled")
}
