package intake

import (
	"math"
	"time"
)

// PaceBounds clamps the pace multiplier used in time estimation, guarding
// against degenerate estimates from outlier phases (a phase completed in one
// second would otherwise collapse the whole estimate).
type PaceBounds struct {
	Min float64
	Max float64
}

// DefaultPaceBounds is the stock clamp for the pace multiplier.
var DefaultPaceBounds = PaceBounds{Min: 0.5, Max: 2.0}

// Progress is the computed view of where a session stands.
type Progress struct {
	Percentage                int         `json:"percentage"`
	CurrentPhase              PhaseName   `json:"current_phase"`
	CompletedPhases           []PhaseName `json:"completed_phases"`
	NextPhase                 PhaseName   `json:"next_phase,omitempty"` // empty when current is terminal
	EstimatedMinutesRemaining int         `json:"estimated_minutes_remaining"`
}

// ComputeProgress derives progress from a snapshot and the static phase
// table. It is a pure function: no side effects, no I/O, and it never fails.
// A malformed snapshot degrades to a safe default (0%, first phase, raw
// baseline sum) - this is a read path that must not take down an otherwise
// healthy conversation.
//
// The returned percentage is already clamped to be >= snapshot.LastPercentage.
// Callers that want monotonicity across calls must persist the returned value
// back as the new LastPercentage; the clamp alone does not survive a restart.
func ComputeProgress(snapshot *ProgressSnapshot, table *PhaseTable, bounds PaceBounds) Progress {
	if table == nil || len(table.phases) == 0 {
		return Progress{CompletedPhases: []PhaseName{}}
	}
	if snapshot == nil || snapshot.LastPercentage < 0 || snapshot.LastPercentage > 100 {
		return safeDefault(table)
	}

	percentage := percentageOf(snapshot, table)
	if snapshot.LastPercentage > percentage {
		percentage = snapshot.LastPercentage
	}

	current := CurrentPhase(snapshot, table)

	completed := make([]PhaseName, 0, len(table.phases))
	for _, def := range table.phases {
		if phaseComplete(def, snapshot) {
			completed = append(completed, def.Name)
		}
	}

	next, _ := table.Next(current)

	return Progress{
		Percentage:                percentage,
		CurrentPhase:              current,
		CompletedPhases:           completed,
		NextPhase:                 next,
		EstimatedMinutesRemaining: estimateMinutes(snapshot, table, bounds),
	}
}

// CurrentPhase returns the first phase (in declared order) with at least one
// outstanding required field, or the terminal phase when everything is
// complete.
func CurrentPhase(snapshot *ProgressSnapshot, table *PhaseTable) PhaseName {
	for _, def := range table.phases {
		if !phaseComplete(def, snapshot) {
			return def.Name
		}
	}
	return table.Last()
}

// percentageOf computes completed/total required fields, floored to an
// integer percentage. Fields unknown to the table (stale config survivors)
// are ignored rather than counted.
func percentageOf(snapshot *ProgressSnapshot, table *PhaseTable) int {
	total := table.TotalRequiredFields()
	if total == 0 {
		return 100
	}

	done := 0
	for _, field := range snapshot.CompletedFields {
		if _, known := table.PhaseForField(field); known {
			done++
		}
	}

	return done * 100 / total
}

// estimateMinutes sums the baselines of all phases not yet completed, each
// scaled by the observed pace multiplier.
func estimateMinutes(snapshot *ProgressSnapshot, table *PhaseTable, bounds PaceBounds) int {
	multiplier := paceMultiplier(snapshot, table, bounds)

	var remaining time.Duration
	for _, def := range table.phases {
		if !phaseComplete(def, snapshot) {
			remaining += def.Baseline
		}
	}

	return int(math.Ceil(remaining.Minutes() * multiplier))
}

// paceMultiplier is the ratio of observed average phase duration to baseline
// average over completed phases with recorded timings, clamped to bounds.
// With no usable observations the multiplier is 1.0 (raw baselines).
func paceMultiplier(snapshot *ProgressSnapshot, table *PhaseTable, bounds PaceBounds) float64 {
	var observed, baseline time.Duration
	for _, def := range table.phases {
		if !phaseComplete(def, snapshot) {
			continue
		}
		timing, ok := snapshot.PhaseTimings[def.Name]
		if !ok || timing.StartedAt.IsZero() || timing.CompletedAt.IsZero() {
			continue
		}
		elapsed := timing.CompletedAt.Sub(timing.StartedAt)
		if elapsed < 0 || def.Baseline <= 0 {
			continue
		}
		observed += elapsed
		baseline += def.Baseline
	}

	if baseline <= 0 {
		return 1.0
	}

	multiplier := float64(observed) / float64(baseline)
	if multiplier < bounds.Min {
		return bounds.Min
	}
	if multiplier > bounds.Max {
		return bounds.Max
	}
	return multiplier
}

// safeDefault is the degraded result for malformed snapshots: no progress,
// first phase current, estimate from raw baselines.
func safeDefault(table *PhaseTable) Progress {
	var total time.Duration
	for _, def := range table.phases {
		total += def.Baseline
	}

	next, _ := table.Next(table.First())

	return Progress{
		Percentage:                0,
		CurrentPhase:              table.First(),
		CompletedPhases:           []PhaseName{},
		NextPhase:                 next,
		EstimatedMinutesRemaining: int(math.Ceil(total.Minutes())),
	}
}
