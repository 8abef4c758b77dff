package terminal

import "math"

// Dimension bounds. 10x2 is the smallest surface a shell prompt can be
// expected to behave in; 1000x1000 guards against absurd allocation requests
// coming off the wire.
const (
	minCols = 10
	minRows = 2
	maxCols = 1000
	maxRows = 1000
)

// Winsize is a validated terminal size.
type Winsize struct {
	Cols uint16
	Rows uint16
}

// ValidateSize checks a requested size. Inputs are float64 because sizes
// arrive as JSON numbers; a fractional value is rejected rather than rounded.
func ValidateSize(cols, rows float64) (Winsize, error) {
	if cols != math.Trunc(cols) || rows != math.Trunc(rows) {
		return Winsize{}, &DimensionError{Reason: DimensionNonInteger, Cols: cols, Rows: rows}
	}
	if cols <= 0 || rows <= 0 {
		return Winsize{}, &DimensionError{Reason: DimensionNonPositive, Cols: cols, Rows: rows}
	}
	if cols < minCols || rows < minRows {
		return Winsize{}, &DimensionError{Reason: DimensionTooSmall, Cols: cols, Rows: rows}
	}
	if cols > maxCols || rows > maxRows {
		return Winsize{}, &DimensionError{Reason: DimensionTooLarge, Cols: cols, Rows: rows}
	}
	return Winsize{Cols: uint16(cols), Rows: uint16(rows)}, nil
}
