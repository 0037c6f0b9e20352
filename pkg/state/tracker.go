// Package state holds the authoritative axis positions and the
// lock-free status snapshot the UI polls.
package state

import (
	"sync"

	"sampler-go/pkg/kinematics"
	"sampler-go/pkg/mcu"
)

// ZState is the pipette head's vertical disposition.
type ZState string

const (
	// ZUp is the safe travel height. X/Y motion requires ZUp.
	ZUp ZState = "UP"

	// ZDown means the tip is inside a well.
	ZDown ZState = "DOWN"
)

// TrackerSnapshot is a cloned, immutable view of the tracker.
type TrackerSnapshot struct {
	Positions    [mcu.MotorCount]int
	Well         kinematics.Well
	HasWell      bool
	Z            ZState
	PipetteCount int
	Initialized  bool
}

// Tracker records the four axis positions in steps, the last known
// well, and the Z state. It is written only by the executor while it
// holds the motion lock; readers get a clone.
//
// Position sign convention: for X, Y and Z a clockwise step moves away
// from the limit switch and counts positive. The pipette plunger counts
// loaded steps, so a counterclockwise (aspirate) step counts positive.
type Tracker struct {
	mu           sync.Mutex
	positions    [mcu.MotorCount]int
	well         kinematics.Well
	hasWell      bool
	z            ZState
	pipetteCount int
	initialized  bool
}

// NewTracker creates an unhomed tracker with one pipette and Z assumed up.
func NewTracker() *Tracker {
	return &Tracker{
		z:            ZUp,
		pipetteCount: 1,
	}
}

// ApplyDelta records the executed steps of a confirmed MCU reply as a
// signed delta. The executor owns the direction-to-sign mapping: for
// X, Y and Z steps away from the limit switch count positive; for the
// pipette plunger, aspirated (loading) steps count positive.
func (t *Tracker) ApplyDelta(motorID, delta int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if motorID < mcu.MotorX || motorID > mcu.MotorPipette {
		return
	}
	t.positions[motorID-1] += delta
}

// SetAxisZero pins one axis to 0 after a successful home.
func (t *Tracker) SetAxisZero(motorID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if motorID >= mcu.MotorX && motorID <= mcu.MotorPipette {
		t.positions[motorID-1] = 0
	}
}

// Position returns one axis position in steps.
func (t *Tracker) Position(motorID int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if motorID < mcu.MotorX || motorID > mcu.MotorPipette {
		return 0
	}
	return t.positions[motorID-1]
}

// SetWell records the well reached by a completed X+Y relocation.
func (t *Tracker) SetWell(w kinematics.Well) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.well = w
	t.hasWell = true
}

// ClearWell forgets the current well (mid-travel or after a jog).
func (t *Tracker) ClearWell() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hasWell = false
}

// SetZ records a confirmed Z move.
func (t *Tracker) SetZ(z ZState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.z = z
}

// Z returns the current Z state.
func (t *Tracker) Z() ZState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.z
}

// SetPipetteCount records the mounted pipette configuration.
func (t *Tracker) SetPipetteCount(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pipetteCount = n
}

// MarkHomed zeroes every axis and marks the tracker initialized.
func (t *Tracker) MarkHomed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.positions {
		t.positions[i] = 0
	}
	t.well = kinematics.Well{Row: 'A', Column: 1}
	t.hasWell = true
	t.z = ZUp
	t.initialized = true
}

// MarkUninitialized clears the homed flag after a fatal motion fault.
func (t *Tracker) MarkUninitialized() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initialized = false
	t.hasWell = false
}

// Initialized reports whether a successful home has happened.
func (t *Tracker) Initialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialized
}

// Snapshot clones the tracker.
func (t *Tracker) Snapshot() TrackerSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TrackerSnapshot{
		Positions:    t.positions,
		Well:         t.well,
		HasWell:      t.hasWell,
		Z:            t.z,
		PipetteCount: t.pipetteCount,
		Initialized:  t.initialized,
	}
}
