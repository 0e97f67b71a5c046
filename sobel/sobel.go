// Package sobel implements a behavioural model of the input side of a
// streaming Sobel edge detector. Grayscale pixels arrive one per accepted
// (I_GS_DATA_VALID high) clock in raster order and the chip tracks the
// position of the incoming pixel in s_row_cnt/s_col_cnt while storing it into
// a frame RAM for the 3x3 window logic downstream.
//
// Only the capture and counter logic is modelled. Gradient and magnitude
// computation are not.
package sobel

import (
	"errors"
	"fmt"
	"image"

	"github.com/jmchacon/sobeltb/memory"
	"github.com/jmchacon/sobeltb/signal"
)

const (
	kDataWidth    = 8
	kCounterWidth = 32

	// Largest frame the counters can describe.
	kMaxDimension = 1 << 16
)

// Chip implements the front-end with its exposed ports.
// NOTE: As with the other clocked models the next state is computed into
//       shadow registers in Tick() and only becomes visible on TickDone().
//       This way anything reading outputs between the two sees the values
//       held going into the clock edge.
type Chip struct {
	clocks        int  // Total number of clock cycles since power on.
	debug         bool // If true Debug() emits output.
	tickDone      bool // True if TickDone() was called before the current Tick() call.
	lines         int  // G_NUM_LINES.
	rowSize       int  // G_IMG_ROW_SIZE.
	bus           *signal.Bus
	clk           *signal.Signal
	rstN          *signal.Signal
	valid         *signal.Signal
	data          *signal.Signal
	rowCnt        *signal.Signal
	colCnt        *signal.Signal
	rstDone       *signal.Signal
	row           int             // Current row position.
	shadowRow     int             // Shadow value for row to load on TickDone().
	col           int             // Current column position.
	shadowCol     int             // Shadow value for col to load on TickDone().
	shadowRstDone bool            // Shadow value for s_rst_done to load on TickDone().
	write         bool            // If true a pixel was accepted this cycle.
	writeAddr     int             // RAM address for the accepted pixel.
	shadowPixel   uint8           // The accepted pixel to store on TickDone().
	frameEnd      bool            // If true the accepted pixel was the last one of a frame.
	frames        int             // Completed frames since power on.
	ram           memory.Bank     // Frame store.
	frameDone     func(*image.Gray)
}

// ChipDef defines the generics and hooks for a Chip.
type ChipDef struct {
	// Lines is the number of rows per frame (G_NUM_LINES).
	Lines int
	// RowSize is the number of pixels per row (G_IMG_ROW_SIZE).
	RowSize int
	// FrameDone if non-nil is called after the last pixel of each frame is stored
	// with a copy of the captured frame.
	FrameDone func(*image.Gray)
	// Debug if true will emit output from Debug() calls.
	Debug bool
}

// Init returns a fully initialized and powered on chip.
func Init(def *ChipDef) (*Chip, error) {
	if def.Lines < 1 || def.Lines > kMaxDimension {
		return nil, fmt.Errorf("G_NUM_LINES is invalid: %d", def.Lines)
	}
	if def.RowSize < 1 || def.RowSize > kMaxDimension {
		return nil, fmt.Errorf("G_IMG_ROW_SIZE is invalid: %d", def.RowSize)
	}
	c := &Chip{
		lines:     def.Lines,
		rowSize:   def.RowSize,
		debug:     def.Debug,
		tickDone:  true,
		bus:       signal.NewBus(),
		frameDone: def.FrameDone,
	}
	ports := []struct {
		name  string
		width int
		sig   **signal.Signal
	}{
		{signal.SysClk, 1, &c.clk},
		{signal.SysRstN, 1, &c.rstN},
		{signal.DataValid, 1, &c.valid},
		{signal.Data, kDataWidth, &c.data},
		{signal.RowCnt, kCounterWidth, &c.rowCnt},
		{signal.ColCnt, kCounterWidth, &c.colCnt},
		{signal.RstDone, 1, &c.rstDone},
	}
	for _, p := range ports {
		s, err := c.bus.Add(p.name, p.width)
		if err != nil {
			return nil, fmt.Errorf("can't add port: %v", err)
		}
		*p.sig = s
	}
	c.bus.SetGeneric(signal.NumLines, def.Lines)
	c.bus.SetGeneric(signal.RowSize, def.RowSize)

	var err error
	if c.ram, err = memory.NewRAM(def.Lines * def.RowSize); err != nil {
		return nil, fmt.Errorf("can't initialize frame RAM: %v", err)
	}
	c.PowerOn()
	return c, nil
}

// Bus returns the exposed ports and generics.
func (c *Chip) Bus() *signal.Bus {
	return c.bus
}

// PowerOn performs a full power-on/reset. The frame RAM comes up randomized.
func (c *Chip) PowerOn() {
	c.ram.PowerOn()
	c.clocks = 0
	c.frames = 0
	c.Reset()
}

// Reset puts the counters back to the origin as if SYS_RST_N had been held low.
// This takes effect immediately and isn't tied to Tick.
func (c *Chip) Reset() {
	c.tickDone = true
	c.row, c.shadowRow = 0, 0
	c.col, c.shadowCol = 0, 0
	c.shadowRstDone = false
	c.write = false
	c.frameEnd = false
	c.rowCnt.Set(0)
	c.colCnt.Set(0)
	c.rstDone.Set(0)
}

// Tick samples the inputs on a rising edge of SYS_CLK and computes the next state.
func (c *Chip) Tick() error {
	c.clocks++
	if !c.tickDone {
		return errors.New("called Tick() without calling TickDone() at end of last cycle")
	}
	c.tickDone = false

	c.shadowRow, c.shadowCol = c.row, c.col
	c.write = false
	c.frameEnd = false

	// Synchronous active low reset wins over everything else.
	if !c.rstN.Bool() {
		c.shadowRow, c.shadowCol = 0, 0
		c.shadowRstDone = false
		return nil
	}
	c.shadowRstDone = true

	if !c.valid.Bool() {
		return nil
	}
	c.write = true
	c.writeAddr = c.row*c.rowSize + c.col
	c.shadowPixel = uint8(c.data.Value())

	c.shadowCol++
	if c.shadowCol == c.rowSize {
		c.shadowCol = 0
		c.shadowRow++
		if c.shadowRow == c.lines {
			c.shadowRow = 0
			c.frameEnd = true
		}
	}
	return nil
}

// TickDone is to be called after all processes have observed a given Tick() in order
// to make the computed state visible on the outputs.
func (c *Chip) TickDone() {
	c.tickDone = true

	if c.write {
		c.ram.Write(c.writeAddr, c.shadowPixel)
	}
	c.row = c.shadowRow
	c.col = c.shadowCol
	c.rowCnt.Set(uint64(c.row))
	c.colCnt.Set(uint64(c.col))
	c.rstDone.SetBool(c.shadowRstDone)

	if c.frameEnd {
		c.frames++
		if c.frameDone != nil {
			c.frameDone(c.Frame())
		}
	}
}

// Frame returns a copy of the frame RAM as an image.
func (c *Chip) Frame() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, c.rowSize, c.lines))
	for i := range img.Pix {
		img.Pix[i] = c.ram.Read(i)
	}
	return img
}

// Frames returns the number of frames completed since power on.
func (c *Chip) Frames() int {
	return c.frames
}

func (c *Chip) Debug() string {
	if c.debug {
		return fmt.Sprintf("%.6d row: %d col: %d rst_n: %t valid: %t data: %.2X frames: %d", c.clocks, c.row, c.col, c.rstN.Bool(), c.valid.Bool(), c.data.Value(), c.frames)
	}
	return ""
}
