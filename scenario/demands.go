package scenario

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
)

type DemandCSV struct {
	UserID   string `csv:"user_id"`
	DemandID string `csv:"demand_id"`
	Org      string `csv:"org"`
	Dst      string `csv:"dst"`
	Dept     string `csv:"dept"`
	Arrv     string `csv:"arrv"`
	Service  string `csv:"service"`
	UserType string `csv:"user_type"`
}

// DemandRow is a demands.csv row with its minute fields parsed.
type DemandRow struct {
	UserID   string
	DemandID string
	Org      string
	Dst      string
	Dept     *float64
	Arrv     *float64
	Service  string
	UserType string
}

func parseDemands(b *Bundle, data io.Reader, stops map[string]bool) error {
	i := -1
	err := gocsv.UnmarshalToCallbackWithError(data, func(d *DemandCSV) error {
		i += 1
		if d.UserID == "" {
			return fmt.Errorf("empty user_id (row %d)", i+1)
		}
		if !stops[d.Org] {
			return fmt.Errorf("unknown org stop '%s' (row %d)", d.Org, i+1)
		}
		if !stops[d.Dst] {
			return fmt.Errorf("unknown dst stop '%s' (row %d)", d.Dst, i+1)
		}
		dept, err := parseMinutes(d.Dept)
		if err != nil {
			return errors.Wrapf(err, "parsing dept (row %d)", i+1)
		}
		arrv, err := parseMinutes(d.Arrv)
		if err != nil {
			return errors.Wrapf(err, "parsing arrv (row %d)", i+1)
		}

		b.Demands = append(b.Demands, DemandRow{
			UserID:   d.UserID,
			DemandID: d.DemandID,
			Org:      d.Org,
			Dst:      d.Dst,
			Dept:     dept,
			Arrv:     arrv,
			Service:  d.Service,
			UserType: d.UserType,
		})
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "unmarshaling demands csv")
	}

	return nil
}
