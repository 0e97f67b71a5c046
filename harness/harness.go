// Package harness drives a raster scan pixel pipeline through reset and a
// stream of valid qualified pixels while checking its exposed row/column
// counters against a reference raster model.
//
// A run has two parts. The sequencer starts a free running clock, holds the
// circuit in reset for a fixed number of rising edges and releases it. The
// stimulus then injects frames pixel by pixel (optionally with random payload
// and an idle cycle after each pixel), compares the counters on every accepted
// cycle when checking is enabled and leaves an idle gap after each frame.
package harness

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jmchacon/sobeltb/raster"
	"github.com/jmchacon/sobeltb/signal"
	"github.com/jmchacon/sobeltb/sim"
	"github.com/jmchacon/sobeltb/wave"
)

const (
	kFrames      = 2
	kIdleCycles  = 3
	kResetCycles = 10
	kReadyCycles = 100
	kHalfPeriod  = 4 * time.Nanosecond

	kVersion = "sobeltb harness"
)

// ErrNotReady is returned when Def.ReadySignal never goes high after reset is released.
var ErrNotReady = errors.New("circuit never signalled reset complete")

// DUT is the circuit under test: its exposed ports plus the clocked behaviour
// attached to SYS_CLK.
type DUT interface {
	sim.Clocked
	Bus() *signal.Bus
}

// Debugger is optionally implemented by a DUT to add state to per cycle debug logs.
type Debugger interface {
	Debug() string
}

// Def configures a harness run. Zero values for counts and periods take the defaults
// (2 frames, 3 idle cycles, 10 reset cycles, 4ns half period).
type Def struct {
	// CheckPositions compares s_row_cnt/s_col_cnt against the reference on every accepted cycle.
	CheckPositions bool
	// InjectRandomData drives a uniform random payload on I_GS_DATA for every pixel.
	InjectRandomData bool
	// GapBetweenValid inserts one idle cycle after every accepted cycle.
	GapBetweenValid bool
	// Frames is the number of frames to inject.
	Frames int
	// IdleCycles is the number of cycles valid is held low after each frame.
	IdleCycles int
	// ResetCycles is the number of rising edges SYS_RST_N is held low for.
	ResetCycles int
	// HalfPeriod is half of the SYS_CLK period.
	HalfPeriod time.Duration
	// Seed for the payload generator. Zero picks one from the wall clock and
	// reports it so a run can be reproduced.
	Seed int64
	// ReadySignal if non-empty names an output polled once per cycle after reset
	// is released. Stimulus only starts once it reads high.
	ReadySignal string
	// ReadyCycles bounds the ReadySignal poll. Defaults to 100.
	ReadyCycles int
	// MaxTime if non-zero bounds simulated time.
	MaxTime time.Duration
	// Logger receives run progress. Nil discards it.
	Logger *slog.Logger
	// Wave if non-nil receives a VCD dump of every port.
	Wave io.Writer
}

// PositionCheck returns the back-to-back valid stream with counter checking on every cycle.
func PositionCheck() Def {
	return Def{
		CheckPositions: true,
		Frames:         kFrames,
		IdleCycles:     kIdleCycles,
		ResetCycles:    kResetCycles,
		HalfPeriod:     kHalfPeriod,
	}
}

// DataInjection returns the random payload stream with valid at a 50% duty cycle and no checks.
func DataInjection() Def {
	return Def{
		InjectRandomData: true,
		GapBetweenValid:  true,
		Frames:           kFrames,
		IdleCycles:       kIdleCycles,
		ResetCycles:      kResetCycles,
		HalfPeriod:       kHalfPeriod,
	}
}

// Report summarizes a run.
type Report struct {
	RunID         string
	Seed          int64
	Geometry      raster.Geometry
	Frames        int           // Frames fully injected including their idle gap.
	Accepted      uint64        // Cycles with valid asserted.
	Checks        uint64        // Cycles where counters were compared.
	Edges         uint64        // Rising edges awaited.
	ResetReleased time.Duration // When SYS_RST_N was driven high.
	SimTime       time.Duration // Simulated time at the end of the run.
	Stimulus      []*image.Gray // Injected payload per frame if InjectRandomData is set.
}

// Harness is a configured run against one DUT.
type Harness struct {
	def    Def
	dut    DUT
	bus    *signal.Bus
	geo    raster.Geometry
	clk    *signal.Signal
	rstN   *signal.Signal
	valid  *signal.Signal
	data   *signal.Signal // nil unless InjectRandomData.
	rowCnt *signal.Signal // nil unless CheckPositions.
	colCnt *signal.Signal // nil unless CheckPositions.
	ready  *signal.Signal // nil unless ReadySignal.
	log    *slog.Logger
	rng    *rand.Rand
}

// Init validates def, resolves every port the configuration needs and reads the
// frame geometry generics once.
func Init(def Def, dut DUT) (*Harness, error) {
	if dut == nil {
		return nil, errors.New("DUT must be non-nil")
	}
	if def.Frames < 0 || def.IdleCycles < 0 || def.ResetCycles < 0 || def.ReadyCycles < 0 || def.HalfPeriod < 0 {
		return nil, fmt.Errorf("negative counts in def: %+v", def)
	}
	if def.Frames == 0 {
		def.Frames = kFrames
	}
	if def.IdleCycles == 0 {
		def.IdleCycles = kIdleCycles
	}
	if def.ResetCycles == 0 {
		def.ResetCycles = kResetCycles
	}
	if def.ReadyCycles == 0 {
		def.ReadyCycles = kReadyCycles
	}
	if def.HalfPeriod == 0 {
		def.HalfPeriod = kHalfPeriod
	}
	if def.Seed == 0 {
		def.Seed = time.Now().UnixNano()
	}
	h := &Harness{
		def: def,
		dut: dut,
		bus: dut.Bus(),
		log: def.Logger,
		rng: rand.New(rand.NewSource(def.Seed)),
	}
	if h.log == nil {
		h.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ports := []struct {
		name string
		need bool
		sig  **signal.Signal
	}{
		{signal.SysClk, true, &h.clk},
		{signal.SysRstN, true, &h.rstN},
		{signal.DataValid, true, &h.valid},
		{signal.Data, def.InjectRandomData, &h.data},
		{signal.RowCnt, def.CheckPositions, &h.rowCnt},
		{signal.ColCnt, def.CheckPositions, &h.colCnt},
		{def.ReadySignal, def.ReadySignal != "", &h.ready},
	}
	for _, p := range ports {
		if !p.need {
			continue
		}
		s, err := h.bus.Signal(p.name)
		if err != nil {
			return nil, fmt.Errorf("DUT port: %w", err)
		}
		*p.sig = s
	}

	var err error
	if h.geo.Lines, err = h.bus.Generic(signal.NumLines); err != nil {
		return nil, fmt.Errorf("DUT generic: %w", err)
	}
	if h.geo.RowSize, err = h.bus.Generic(signal.RowSize); err != nil {
		return nil, fmt.Errorf("DUT generic: %w", err)
	}
	if err := h.geo.Validate(); err != nil {
		return nil, fmt.Errorf("DUT geometry: %w", err)
	}
	return h, nil
}

// Geometry returns the frame size read from the DUT generics.
func (h *Harness) Geometry() raster.Geometry {
	return h.geo
}

// Run simulates bring-up and every frame. The returned report is filled in as
// far as the run got even when an error is returned.
func (h *Harness) Run(ctx context.Context) (*Report, error) {
	r := &Report{
		RunID:    uuid.New().String(),
		Seed:     h.def.Seed,
		Geometry: h.geo,
	}
	log := h.log.With("run", r.RunID)

	sd := &sim.Def{MaxTime: h.def.MaxTime}
	var vcd *wave.Writer
	if h.def.Wave != nil {
		var err error
		vcd, err = wave.New(h.def.Wave, h.bus, &wave.Def{
			Comment: "run " + r.RunID,
			Version: kVersion,
		})
		if err != nil {
			return r, fmt.Errorf("can't start waveform dump: %w", err)
		}
		sd.Watchers = append(sd.Watchers, vcd)
	}
	s := sim.New(h.bus, sd)
	s.Clock(h.clk, h.dut)

	log.Info("starting", "lines", h.geo.Lines, "row_size", h.geo.RowSize, "frames", h.def.Frames,
		"check", h.def.CheckPositions, "inject", h.def.InjectRandomData, "gap", h.def.GapBetweenValid, "seed", h.def.Seed)
	err := s.Run(ctx, func(s *sim.Sim) error {
		if err := h.bringUp(s, r, log); err != nil {
			return err
		}
		return h.stimulus(ctx, s, r, log)
	})
	r.SimTime = s.Now()
	if vcd != nil {
		if cerr := vcd.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("waveform dump: %w", cerr)
		}
	}
	if err != nil {
		log.Error("failed", "err", err, "time", r.SimTime, "accepted", r.Accepted)
		return r, err
	}
	log.Info("passed", "frames", r.Frames, "accepted", r.Accepted, "checks", r.Checks, "edges", r.Edges, "time", r.SimTime)
	return r, nil
}

// edge waits for one rising edge of SYS_CLK.
func (h *Harness) edge(s *sim.Sim, r *Report) error {
	if err := s.RisingEdge(h.clk); err != nil {
		return err
	}
	r.Edges++
	return nil
}

func (h *Harness) edges(s *sim.Sim, r *Report, n int) error {
	for i := 0; i < n; i++ {
		if err := h.edge(s, r); err != nil {
			return err
		}
	}
	return nil
}
