package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequiredSubsetAccepts(t *testing.T) {
	tx := DefaultSchema(TypeReserved)
	rx := &Schema{
		Type:     "object",
		Required: []string{"success", "route"},
		Properties: map[string]*Schema{
			"route": {
				Type:  "array",
				Items: &Schema{Required: []string{"dept", "arrv"}},
			},
		},
	}

	assert.NoError(t, RequiredSubset(rx, tx))
}

func TestRequiredSubsetRejectsMissingField(t *testing.T) {
	tx := DefaultSchema(TypeDemand)
	rx := &Schema{
		Type:     "object",
		Required: []string{"userId", "priority"},
	}

	err := RequiredSubset(rx, tx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "priority")
}

func TestRequiredSubsetRecursesThroughRefs(t *testing.T) {
	tx := DefaultSchema(TypeDeparted)
	rx := &Schema{
		Type:     "object",
		Required: []string{"location"},
		Properties: map[string]*Schema{
			"location": {Ref: "#/$defs/loc"},
		},
		Defs: map[string]*Schema{
			"loc": {Type: "object", Required: []string{"locationId", "altitude"}},
		},
	}

	err := RequiredSubset(rx, tx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "location.altitude")
}

func TestRequiredSubsetUnresolvedRef(t *testing.T) {
	rx := &Schema{Ref: "#/definitions/missing"}
	err := RequiredSubset(rx, &Schema{Type: "object"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unresolved")
}

func TestValidateInstanceNested(t *testing.T) {
	schema := DefaultSchema(TypeReserve)

	good := New(TypeReserve, 490, Reserve{
		UserID: "u", DemandID: "d",
		Org: Location{ID: "a"}, Dst: Location{ID: "b"},
		Dept: 490,
	})
	assert.NoError(t, schema.ValidateDetails(good))

	bad := New(TypeReserve, 490, map[string]any{
		"userId": "u", "demandId": "d",
		"org":  map[string]any{"locationId": "a", "lat": 0.0, "lng": 0.0},
		"dst":  map[string]any{"locationId": "b", "lat": 0.0},
		"dept": 490.0,
	})
	err := schema.ValidateDetails(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dst.lng")
}

func TestValidateInstanceArrayItems(t *testing.T) {
	schema := DefaultSchema(TypeReserved)

	bad := New(TypeReserved, 480, map[string]any{
		"success": true, "userId": "u", "demandId": "d",
		"route": []any{map[string]any{
			"org":  map[string]any{"locationId": "a", "lat": 0.0, "lng": 0.0},
			"dst":  map[string]any{"locationId": "b", "lat": 0.0, "lng": 0.0},
			"dept": 490.0,
		}},
	})
	err := schema.ValidateDetails(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "route[0].arrv")
}

func TestCheckVersions(t *testing.T) {
	specs := map[string]*ModuleSpec{
		"a": NewModuleSpec(),
		"b": NewModuleSpec(),
	}
	assert.NoError(t, CheckVersions(specs))

	specs["b"].Version = "https://mobsim.dev/spec/v2"
	err := CheckVersions(specs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version mismatch")
}

func TestCheckFeatures(t *testing.T) {
	tx := NewModuleSpec().Tx(TypeReserved, "route", "partial")
	rx := NewModuleSpec().Rx(TypeReserved, "route")

	assert.NoError(t, CheckFeatures(tx, rx, "ondemand", "useragent"))

	demanding := NewModuleSpec().Rx(TypeReserved, "route", "refund")
	err := CheckFeatures(tx, demanding, "ondemand", "useragent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refund")
}

func TestCheckSchemasRejectsNarrowTx(t *testing.T) {
	tx := NewModuleSpec()
	tx.Tx(TypeReserved)
	// Transmitter that stops promising the route field.
	tx.Events[TypeReserved] = EventSpec{
		Dir: []Direction{DirTx},
		Schema: &Schema{
			Type:     "object",
			Required: []string{"success", "userId", "demandId"},
		},
	}
	rx := NewModuleSpec().Rx(TypeReserved)

	err := CheckSchemas(tx, rx, "ondemand", "useragent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "route")
}

func TestSpecDirections(t *testing.T) {
	m := NewModuleSpec().
		Tx(TypeReserved).
		Tx(TypeDeparted).
		Tx(TypeArrived).
		Rx(TypeReserve).
		Rx(TypeDepart)

	assert.Equal(t, []Type{TypeReserved, TypeDeparted, TypeArrived}, m.TxTypes())
	assert.Equal(t, []Type{TypeReserve, TypeDepart}, m.RxTypes())
	assert.True(t, m.Events[TypeReserved].Has(DirTx))
	assert.False(t, m.Events[TypeReserved].Has(DirRx))
}
