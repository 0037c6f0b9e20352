// Package kinematics owns the coordinate and unit model of the sampler:
// well identifiers, well positions in axis steps, Z depths, and pipette
// plunger volumes. Everything here is pure; the rest of the system deals
// in steps and milliliters only.
package kinematics

import (
	"fmt"
	"strconv"

	"sampler-go/pkg/errors"
)

const (
	// PlateRows is the number of rows on the plate (A..H).
	PlateRows = 8

	// PlateColumns is the number of columns on the plate (1..12).
	PlateColumns = 12
)

// Well addresses one reservoir on the 96-position plate.
type Well struct {
	Row    byte // 'A'..'H'
	Column int  // 1..12
}

// ParseWell parses a canonical well identifier such as "A1" or "H12".
func ParseWell(id string) (Well, error) {
	if len(id) < 2 {
		return Well{}, errors.BadWellError(id, "too short")
	}
	row := id[0]
	if row >= 'a' && row <= 'z' {
		row -= 'a' - 'A'
	}
	if row < 'A' || row > 'A'+PlateRows-1 {
		return Well{}, errors.BadWellError(id, "row must be A-H")
	}
	col, err := strconv.Atoi(id[1:])
	if err != nil {
		return Well{}, errors.BadWellError(id, "column is not a number")
	}
	if col < 1 || col > PlateColumns {
		return Well{}, errors.BadWellError(id, "column must be 1-12")
	}
	return Well{Row: row, Column: col}, nil
}

// String returns the canonical identifier, e.g. "A1".
func (w Well) String() string {
	return fmt.Sprintf("%c%d", w.Row, w.Column)
}

// RowIndex returns the zero-based row index (A=0).
func (w Well) RowIndex() int {
	return int(w.Row - 'A')
}

// ColumnIndex returns the zero-based column index (1=0).
func (w Well) ColumnIndex() int {
	return w.Column - 1
}

// IsZero reports whether w is the empty value, used for optional wells.
func (w Well) IsZero() bool {
	return w.Row == 0
}

// ValidateTuple checks that a pipette tuple centered on w fits the plate.
// With one pipette any well works; with three the columns {c-1, c, c+1}
// must all exist.
func (w Well) ValidateTuple(pipetteCount int) error {
	switch pipetteCount {
	case 1:
		return nil
	case 3:
		if w.Column-1 < 1 || w.Column+1 > PlateColumns {
			return errors.GeometryError(w.String(), pipetteCount)
		}
		return nil
	default:
		return errors.BadParamError("pipette count", "must be 1 or 3")
	}
}
