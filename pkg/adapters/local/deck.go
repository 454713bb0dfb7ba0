package local

import (
	"encoding/json"
	"fmt"
	"sort"
)

const ambientTemperature = 22.0

// deck is the simulated state of the work surface: liquid volume per well
// (µL), the volume held by the pipette, the block temperature, and the
// simulated elapsed time in seconds.
type deck struct {
	wells       map[string]float64
	pipette     float64
	temperature float64
	elapsed     float64
}

// newDeck seeds the wells from assets["wells"], a map of well -> volume.
func newDeck(assets map[string]any) *deck {
	d := &deck{wells: make(map[string]float64), temperature: ambientTemperature}
	if wells, ok := assets["wells"].(map[string]any); ok {
		for well, v := range wells {
			if vol, ok := number(v); ok {
				d.wells[well] = vol
			}
		}
	}
	if t, ok := number(assets["temperature"]); ok {
		d.temperature = t
	}
	return d
}

func (d *deck) snapshot() map[string]any {
	wells := make(map[string]any, len(d.wells))
	for w, v := range d.wells {
		wells[w] = v
	}
	return map[string]any{
		"wells":       wells,
		"pipette":     d.pipette,
		"temperature": d.temperature,
		"elapsed":     d.elapsed,
	}
}

func (d *deck) wellNames() []string {
	names := make([]string, 0, len(d.wells))
	for w := range d.wells {
		names = append(names, w)
	}
	sort.Strings(names)
	return names
}

func (d *deck) aspirate(well string, vol float64) error {
	if err := checkVolume(vol); err != nil {
		return err
	}
	have, ok := d.wells[well]
	if !ok {
		return fmt.Errorf("unknown well %q", well)
	}
	if have < vol {
		return fmt.Errorf("insufficient volume in %s: have %.1f, need %.1f", well, have, vol)
	}
	d.wells[well] = have - vol
	d.pipette += vol
	return nil
}

// dispense adds to well, creating it when it does not exist yet.
func (d *deck) dispense(well string, vol float64) error {
	if err := checkVolume(vol); err != nil {
		return err
	}
	if well == "" {
		return fmt.Errorf("well is required")
	}
	if d.pipette < vol {
		return fmt.Errorf("pipette holds %.1f, cannot dispense %.1f", d.pipette, vol)
	}
	d.pipette -= vol
	d.wells[well] += vol
	return nil
}

// transfer moves vol from one well to another as a single operation.
// The deck is left untouched when either half would fail.
func (d *deck) transfer(from, to string, vol float64) error {
	if to == "" {
		return fmt.Errorf("destination well is required")
	}
	if err := d.aspirate(from, vol); err != nil {
		return err
	}
	return d.dispense(to, vol)
}

func (d *deck) incubate(seconds, temp float64) error {
	if seconds < 0 {
		return fmt.Errorf("duration must not be negative")
	}
	d.temperature = temp
	d.elapsed += seconds
	return nil
}

func (d *deck) wait(seconds float64) error {
	if seconds < 0 {
		return fmt.Errorf("duration must not be negative")
	}
	d.elapsed += seconds
	return nil
}

func checkVolume(vol float64) error {
	if vol <= 0 {
		return fmt.Errorf("volume must be positive, got %v", vol)
	}
	return nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
