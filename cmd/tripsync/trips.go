// Trips command: offline inspection of the trip store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/voyago/tripsync/internal/store"
	"github.com/voyago/tripsync/internal/trip"
)

// TripsCmd inspects trips in the configured store without a running server.
type TripsCmd struct {
	Config string `short:"c" help:"Config file path (default: ./tripsync.toml if present)"`

	List TripsListCmd `cmd:"" default:"1" help:"List all trips"`
	Show TripsShowCmd `cmd:"" help:"Show one trip by ID or join code"`
}

// TripsListCmd lists every trip with its phase and member count.
type TripsListCmd struct{}

// TripsShowCmd dumps one trip, including its workflow state keys.
type TripsShowCmd struct {
	Trip string `arg:"" help:"Trip ID or 6-character join code"`
	JSON bool   `help:"Print the raw trip document as JSON"`
}

func (c *TripsCmd) openStore() (store.Store, error) {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Backend == "memory" {
		return nil, fmt.Errorf("the memory backend holds no data outside a running server")
	}
	return store.OpenBolt(cfg.Storage.Path)
}

func (c *TripsListCmd) Run(parent *TripsCmd) error {
	st, err := parent.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	trips, err := st.ListTrips(context.Background())
	if err != nil {
		return err
	}
	if len(trips) == 0 {
		fmt.Println("No trips.")
		return nil
	}

	fmt.Printf("%-36s  %-6s  %-22s  %-8s  %s\n", "ID", "CODE", "PHASE", "MEMBERS", "NAME")
	for _, t := range trips {
		fmt.Printf("%-36s  %-6s  %-22s  %-8d  %s\n", t.ID, t.Code, t.Phase, len(t.Members), t.Name)
	}
	return nil
}

func (c *TripsShowCmd) Run(parent *TripsCmd) error {
	st, err := parent.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	t, err := st.GetTrip(ctx, c.Trip)
	if errors.Is(err, store.ErrNotFound) && len(c.Trip) == trip.CodeLength {
		t, err = st.GetTripByCode(ctx, strings.ToUpper(c.Trip))
	}
	if err != nil {
		return fmt.Errorf("trip %s: %w", c.Trip, err)
	}

	if c.JSON {
		out, err := json.MarshalIndent(t, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("Trip: %s (%s)\n", t.Name, t.ID)
	fmt.Printf("  Code:    %s\n", t.Code)
	fmt.Printf("  Phase:   %s (epoch %d)\n", t.Phase, t.PhaseEpoch)
	fmt.Printf("  Members: %s\n", strings.Join(t.Members, ", "))
	if t.Destination != "" {
		fmt.Printf("  Destination: %s\n", t.Destination)
	}
	if t.SelectedDates != "" {
		fmt.Printf("  Dates:   %s\n", t.SelectedDates)
	}
	if t.LastError != "" {
		fmt.Printf("  Halted:  %s\n", t.LastError)
	}
	if len(t.State) > 0 {
		keys := make([]string, 0, len(t.State))
		for k := range t.State {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Printf("  State:   %s\n", strings.Join(keys, ", "))
	}
	return nil
}
