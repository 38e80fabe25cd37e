package mobsim

import (
	"sort"

	"github.com/samber/lo"

	"mobsim.dev/mobsim/config"
	"mobsim.dev/mobsim/event"
)

// CheckCompatibility runs the setup-time gate over the collected module
// specifications: one version check across all modules, then feature and
// schema checks for every ordered transmitter/receiver pair. Individual
// checks can be skipped through the gate configuration.
func CheckCompatibility(specs map[string]*event.ModuleSpec, gate config.Gate) error {
	if !gate.SkipVersionCheck {
		if err := event.CheckVersions(specs); err != nil {
			return err
		}
	}
	if gate.SkipFeatureCheck && gate.SkipSchemaCheck {
		return nil
	}

	names := lo.Keys(specs)
	sort.Strings(names)
	for _, txName := range names {
		for _, rxName := range names {
			if txName == rxName {
				continue
			}
			tx, rx := specs[txName], specs[rxName]
			if !gate.SkipFeatureCheck {
				if err := event.CheckFeatures(tx, rx, txName, rxName); err != nil {
					return err
				}
			}
			if !gate.SkipSchemaCheck {
				if err := event.CheckSchemas(tx, rx, txName, rxName); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
