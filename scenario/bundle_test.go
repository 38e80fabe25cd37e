package scenario

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildZip(t *testing.T, files map[string][]string) []byte {
	buf := &bytes.Buffer{}
	w := zip.NewWriter(buf)
	for filename, content := range files {
		f, err := w.Create(filename)
		require.NoError(t, err)
		_, err = f.Write([]byte(strings.Join(content, "\n")))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	return buf.Bytes()
}

func validBundle() map[string][]string {
	return map[string][]string{
		"stops.csv": {
			"stop_id,stop_name,stop_lat,stop_lon",
			"A,Stop A,35.60,139.70",
			"B,Stop B,35.61,139.71",
			"C,Stop C,35.62,139.72",
		},
		"durations.csv": {
			"org,dst,minutes",
			"A,B,5",
			"B,A,5",
			"B,C,7",
		},
		"groups.csv": {
			"group,stop_id",
			"north,A",
			"north,B",
			"south,C",
		},
		"vehicles.csv": {
			"mobility_id,capacity,home_stop,group,start_window,end_window,service_id",
			"car_1,3,A,north,60,1200,weekday",
			"car_2,4,B,,,,",
		},
		"calendar.csv": {
			"service_id,start_date,end_date,monday,tuesday,wednesday,thursday,friday,saturday,sunday",
			"weekday,20240101,20241231,1,1,1,1,1,0,0",
			"special,20240101,20241231,0,0,0,0,0,0,0",
		},
		"calendar_dates.csv": {
			"service_id,date,exception_type",
			"special,20240315,1",
			"weekday,20240318,2",
			"extra,20240401,1",
		},
		"trips.csv": {
			"trip_id,service_id,block_id",
			"trip_1,weekday,morning",
			"trip_2,special,",
		},
		"stop_times.csv": {
			"trip_id,stop_sequence,stop_id,arrival,departure,location_id,start_window,end_window",
			"trip_1,1,A,,480,,,",
			"trip_1,3,C,493,,,,",
			"trip_1,2,B,485,486,,,",
			"trip_2,1,A,,540,,,",
			"trip_2,2,,,,zone_1,545,555",
			"trip_2,3,C,560,,,,",
		},
		"buses.csv": {
			"mobility_id,capacity,trip_id,block_id",
			"bus_1,20,,morning",
			"bus_2,12,trip_2,",
		},
		"demands.csv": {
			"user_id,demand_id,org,dst,dept,arrv,service,user_type",
			"u1,,A,C,100,,,senior",
			"u2,d_fixed,B,C,,493,scheduled_1,",
		},
	}
}

func TestParseBundle(t *testing.T) {
	b, err := ParseBundle(buildZip(t, validBundle()))
	require.NoError(t, err)

	assert.Len(t, b.Stops, 3)
	assert.Equal(t, "A", b.Stops[0].ID)
	assert.Equal(t, 35.60, b.Stops[0].Lat)

	assert.Len(t, b.Durations, 3)
	assert.Len(t, b.Groups, 3)
	assert.Len(t, b.Vehicles, 2)
	assert.Len(t, b.Calendars, 2)
	assert.Len(t, b.CalendarDates, 3)
	assert.Len(t, b.Trips, 2)
	assert.Len(t, b.Buses, 2)

	require.Len(t, b.StopTimes, 6)
	first := b.StopTimes[0]
	assert.Equal(t, "trip_1", first.TripID)
	assert.Nil(t, first.Arrival)
	require.NotNil(t, first.Departure)
	assert.Equal(t, 480.0, *first.Departure)

	// Rows keep file order; sequence sorting happens in the converters.
	assert.Equal(t, uint32(3), b.StopTimes[1].StopSequence)

	deviation := b.StopTimes[4]
	assert.Equal(t, "zone_1", deviation.LocationID)
	assert.Equal(t, 545.0, deviation.StartWindow)
	assert.Equal(t, 555.0, deviation.EndWindow)

	require.Len(t, b.Demands, 2)
	require.NotNil(t, b.Demands[0].Dept)
	assert.Equal(t, 100.0, *b.Demands[0].Dept)
	assert.Nil(t, b.Demands[0].Arrv)
	assert.Equal(t, "senior", b.Demands[0].UserType)
	assert.Equal(t, "d_fixed", b.Demands[1].DemandID)
}

func TestParseBundleRequiresStops(t *testing.T) {
	files := validBundle()
	delete(files, "stops.csv")
	_, err := ParseBundle(buildZip(t, files))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing stops.csv")
}

func TestParseBundleInSubdirectory(t *testing.T) {
	nested := map[string][]string{}
	for name, content := range validBundle() {
		nested["bundle/"+name] = content
	}
	b, err := ParseBundle(buildZip(t, nested))
	require.NoError(t, err)
	assert.Len(t, b.Stops, 3)
}

func TestParseBundleMinimal(t *testing.T) {
	b, err := ParseBundle(buildZip(t, map[string][]string{
		"stops.csv": {
			"stop_id,stop_name,stop_lat,stop_lon",
			"A,Stop A,35.60,139.70",
		},
	}))
	require.NoError(t, err)
	assert.Len(t, b.Stops, 1)
	assert.Empty(t, b.Demands)
}

func TestParseBundleValidation(t *testing.T) {
	for _, tc := range []struct {
		Name string
		File string
		Rows []string
		Err  string
	}{
		{
			Name: "duplicate stop",
			File: "stops.csv",
			Rows: []string{
				"stop_id,stop_name,stop_lat,stop_lon",
				"A,Stop A,35.60,139.70",
				"A,Stop A again,35.61,139.71",
			},
			Err: "repeated stop_id 'A'",
		},
		{
			Name: "unknown duration stop",
			File: "durations.csv",
			Rows: []string{"org,dst,minutes", "A,Z,5"},
			Err:  "unknown dst",
		},
		{
			Name: "unknown group stop",
			File: "groups.csv",
			Rows: []string{"group,stop_id", "north,Z"},
			Err:  "references unknown stop 'Z'",
		},
		{
			Name: "bad weekday flag",
			File: "calendar.csv",
			Rows: []string{
				"service_id,start_date,end_date,monday,tuesday,wednesday,thursday,friday,saturday,sunday",
				"weekday,20240101,20241231,2,0,0,0,0,0,0",
			},
			Err: "invalid monday value '2'",
		},
		{
			Name: "removal of unknown service",
			File: "calendar_dates.csv",
			Rows: []string{"service_id,date,exception_type", "ghost,20240315,2"},
			Err:  "removal for unknown service_id 'ghost'",
		},
		{
			Name: "trip with unknown service",
			File: "trips.csv",
			Rows: []string{"trip_id,service_id,block_id", "trip_9,ghost,"},
			Err:  "unknown service_id 'ghost'",
		},
		{
			Name: "stop time with unknown trip",
			File: "stop_times.csv",
			Rows: []string{
				"trip_id,stop_sequence,stop_id,arrival,departure,location_id,start_window,end_window",
				"ghost,1,A,,480,,,",
			},
			Err: "unknown trip_id: 'ghost'",
		},
		{
			Name: "stop time with both stop and location",
			File: "stop_times.csv",
			Rows: []string{
				"trip_id,stop_sequence,stop_id,arrival,departure,location_id,start_window,end_window",
				"trip_1,1,A,,480,zone_1,545,555",
			},
			Err: "exactly one of stop_id and location_id",
		},
		{
			Name: "scheduled stop without times",
			File: "stop_times.csv",
			Rows: []string{
				"trip_id,stop_sequence,stop_id,arrival,departure,location_id,start_window,end_window",
				"trip_1,1,A,,,,,",
			},
			Err: "needs arrival or departure",
		},
		{
			Name: "deviation with empty window",
			File: "stop_times.csv",
			Rows: []string{
				"trip_id,stop_sequence,stop_id,arrival,departure,location_id,start_window,end_window",
				"trip_1,1,,,,zone_1,555,545",
			},
			Err: "deviation window [555, 545] is empty",
		},
		{
			Name: "duplicate stop sequence",
			File: "stop_times.csv",
			Rows: []string{
				"trip_id,stop_sequence,stop_id,arrival,departure,location_id,start_window,end_window",
				"trip_1,1,A,,480,,,",
				"trip_1,1,B,485,,,,",
			},
			Err: "duplicate stop_sequence 1 for trip_id 'trip_1'",
		},
		{
			Name: "bus with trip and block",
			File: "buses.csv",
			Rows: []string{
				"mobility_id,capacity,trip_id,block_id",
				"bus_9,20,trip_1,morning",
			},
			Err: "exactly one of trip_id and block_id",
		},
		{
			Name: "bus with unknown block",
			File: "buses.csv",
			Rows: []string{
				"mobility_id,capacity,trip_id,block_id",
				"bus_9,20,,ghost",
			},
			Err: "unknown block_id 'ghost'",
		},
		{
			Name: "vehicle with unknown home stop",
			File: "vehicles.csv",
			Rows: []string{
				"mobility_id,capacity,home_stop,group,start_window,end_window,service_id",
				"car_9,3,Z,,,,",
			},
			Err: "unknown home_stop 'Z'",
		},
		{
			Name: "vehicle with zero capacity",
			File: "vehicles.csv",
			Rows: []string{
				"mobility_id,capacity,home_stop,group,start_window,end_window,service_id",
				"car_9,0,A,,,,",
			},
			Err: "invalid capacity '0'",
		},
		{
			Name: "demand from unknown stop",
			File: "demands.csv",
			Rows: []string{
				"user_id,demand_id,org,dst,dept,arrv,service,user_type",
				"u9,,Z,A,100,,,",
			},
			Err: "unknown org stop 'Z'",
		},
		{
			Name: "demand with bad minutes",
			File: "demands.csv",
			Rows: []string{
				"user_id,demand_id,org,dst,dept,arrv,service,user_type",
				"u9,,A,B,noon,,,",
			},
			Err: "non-numeric minutes 'noon'",
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			files := validBundle()
			files[tc.File] = tc.Rows
			_, err := ParseBundle(buildZip(t, files))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.Err)
		})
	}
}
