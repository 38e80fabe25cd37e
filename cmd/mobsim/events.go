package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"mobsim.dev/mobsim/event"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Dump a broker's recorded events as JSON lines",
	Args:  cobra.NoArgs,
	RunE:  events,
}

var (
	brokerURL  string
	eventTypes []string
)

func init() {
	eventsCmd.Flags().StringVarP(&brokerURL, "endpoint", "e", "http://localhost:8080", "broker base URL")
	eventsCmd.Flags().StringSliceVarP(&eventTypes, "type", "t", []string{}, "only these event types")
	rootCmd.AddCommand(eventsCmd)
}

func events(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(strings.TrimRight(brokerURL, "/") + "/events")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("broker: %s", apiErr.Error)
		}
		return fmt.Errorf("broker returned %s", resp.Status)
	}

	var recorded []event.Event
	if err := json.NewDecoder(resp.Body).Decode(&recorded); err != nil {
		return fmt.Errorf("decoding events: %w", err)
	}

	if len(eventTypes) > 0 {
		want := lo.Map(eventTypes, func(t string, _ int) event.Type {
			return event.Type(strings.ToUpper(t))
		})
		recorded = lo.Filter(recorded, func(e event.Event, _ int) bool {
			return lo.Contains(want, e.Type)
		})
	}

	enc := json.NewEncoder(os.Stdout)
	for _, e := range recorded {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
