// Package raster implements the reference model for a raster scan position
// counter. It predicts where a row/column counter pair must be after any
// number of accepted (valid qualified) cycles. The model has no notion of
// time: callers advance it once per accepted cycle and simply don't call
// Advance on idle cycles.
package raster

import (
	"fmt"
)

// Geometry is the size of a frame in pixels.
type Geometry struct {
	Lines   int // Rows per frame.
	RowSize int // Columns per row.
}

// Validate returns an error unless both dimensions are at least 1.
func (g Geometry) Validate() error {
	if g.Lines < 1 {
		return fmt.Errorf("lines must be >= 1, got %d", g.Lines)
	}
	if g.RowSize < 1 {
		return fmt.Errorf("row size must be >= 1, got %d", g.RowSize)
	}
	return nil
}

// Pixels returns the number of accepted cycles in a frame.
func (g Geometry) Pixels() int {
	return g.Lines * g.RowSize
}

// At returns the position after i accepted cycles counted from (0,0).
func (g Geometry) At(i int) Position {
	return Position{
		Row: (i / g.RowSize) % g.Lines,
		Col: i % g.RowSize,
	}
}

// Position is a (row, column) pair.
type Position struct {
	Row int
	Col int
}

// String implements fmt.Stringer.
func (p Position) String() string {
	return fmt.Sprintf("(%d,%d)", p.Row, p.Col)
}

// Model is the row-major counter with wrap at the end of each row and frame.
type Model struct {
	geo      Geometry
	pos      Position
	accepted uint64
	frames   uint64
}

// New returns a model positioned at (0,0).
func New(g Geometry) (*Model, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &Model{geo: g}, nil
}

// Geometry returns the frame size the model was built with.
func (m *Model) Geometry() Geometry {
	return m.geo
}

// Position returns the expected position for the current accepted cycle.
func (m *Model) Position() Position {
	return m.pos
}

// EndOfFrame is true when the current position is the last pixel of a frame.
func (m *Model) EndOfFrame() bool {
	return m.pos.Row == m.geo.Lines-1 && m.pos.Col == m.geo.RowSize-1
}

// Advance moves to the next position for one accepted cycle. Returns true if
// this wrapped the frame back to (0,0).
func (m *Model) Advance() bool {
	m.accepted++
	switch {
	case m.EndOfFrame():
		m.pos = Position{}
		m.frames++
		return true
	case m.pos.Col == m.geo.RowSize-1:
		m.pos.Col = 0
		m.pos.Row++
	default:
		m.pos.Col++
	}
	return false
}

// Reset moves back to (0,0). Counters of accepted cycles and frames are kept.
func (m *Model) Reset() {
	m.pos = Position{}
}

// Accepted returns the number of Advance calls.
func (m *Model) Accepted() uint64 {
	return m.accepted
}

// Frames returns the number of completed frames.
func (m *Model) Frames() uint64 {
	return m.frames
}
