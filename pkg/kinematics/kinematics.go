package kinematics

import (
	"math"

	"sampler-go/pkg/config"
	"sampler-go/pkg/errors"
)

// Mapper converts between wells, depths, volumes and axis steps using one
// config snapshot. A job builds a Mapper at start and keeps it so mid-job
// config edits cannot shift coordinates.
type Mapper struct {
	cfg *config.Snapshot
}

// NewMapper creates a mapper over the given snapshot.
func NewMapper(cfg *config.Snapshot) *Mapper {
	return &Mapper{cfg: cfg}
}

// Config returns the snapshot the mapper was built from.
func (m *Mapper) Config() *config.Snapshot {
	return m.cfg
}

// WellToXY returns the absolute X and Y axis positions in steps for the
// center of a well. Row A and column 1 map to the origin; the well pitch
// is WELL_SPACING in both directions.
func (m *Mapper) WellToXY(w Well) (xSteps, ySteps int) {
	xSteps = int(math.Round(float64(w.ColumnIndex()) * m.cfg.WellSpacingMM * float64(m.cfg.StepsPerMMX)))
	ySteps = int(math.Round(float64(w.RowIndex()) * m.cfg.WellSpacingMM * float64(m.cfg.StepsPerMMY)))
	return xSteps, ySteps
}

// XYToWell inverts WellToXY, returning the well whose center is nearest
// the given step position, or an error if that nearest grid point is not
// on the plate.
func (m *Mapper) XYToWell(xSteps, ySteps int) (Well, error) {
	xPitch := m.cfg.WellSpacingMM * float64(m.cfg.StepsPerMMX)
	yPitch := m.cfg.WellSpacingMM * float64(m.cfg.StepsPerMMY)
	col := int(math.Round(float64(xSteps)/xPitch)) + 1
	row := int(math.Round(float64(ySteps) / yPitch))
	if row < 0 || row >= PlateRows || col < 1 || col > PlateColumns {
		return Well{}, errors.BadWellError("", "position is not over the plate")
	}
	return Well{Row: byte('A' + row), Column: col}, nil
}

// ZForDepth returns the Z axis position in steps for a probe depth below
// the well top. Z position 0 is the safe travel height; the result is
// (SAFE_HEIGHT_MM + depth) converted to Z steps, so depth 0 is the well top.
func (m *Mapper) ZForDepth(depthMM float64) (int, error) {
	if depthMM < 0 {
		return 0, errors.BadParamError("depth", "must not be negative")
	}
	if depthMM > m.cfg.WellHeightMM {
		return 0, errors.OutOfEnvelopeError("z",
			int(math.Round(depthMM*float64(m.cfg.StepsPerMMZ))),
			int(math.Round(m.cfg.WellHeightMM*float64(m.cfg.StepsPerMMZ))))
	}
	return int(math.Round((m.cfg.SafeHeightMM + depthMM) * float64(m.cfg.StepsPerMMZ))), nil
}

// VolumeToSteps returns the plunger steps displacing the given volume.
func (m *Mapper) VolumeToSteps(volumeML float64) int {
	return int(math.Round(volumeML * float64(m.cfg.PipetteStepsPerML)))
}

// StepsToVolume inverts VolumeToSteps, used to report remaining volume.
func (m *Mapper) StepsToVolume(steps int) float64 {
	return float64(steps) / float64(m.cfg.PipetteStepsPerML)
}

// EnvelopeX returns the maximum legal X position in steps.
func (m *Mapper) EnvelopeX() int {
	return int(math.Round(float64(PlateColumns-1) * m.cfg.WellSpacingMM * float64(m.cfg.StepsPerMMX)))
}

// EnvelopeY returns the maximum legal Y position in steps.
func (m *Mapper) EnvelopeY() int {
	return int(math.Round(float64(PlateRows-1) * m.cfg.WellSpacingMM * float64(m.cfg.StepsPerMMY)))
}

// ClampToEnvelope rejects X/Y targets beyond the configured plate travel.
func (m *Mapper) ClampToEnvelope(xSteps, ySteps int) error {
	if xSteps < 0 || xSteps > m.EnvelopeX() {
		return errors.OutOfEnvelopeError("x", xSteps, m.EnvelopeX())
	}
	if ySteps < 0 || ySteps > m.EnvelopeY() {
		return errors.OutOfEnvelopeError("y", ySteps, m.EnvelopeY())
	}
	return nil
}
