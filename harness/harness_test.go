package harness

import (
	"bytes"
	"context"
	"errors"
	"image"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/go-test/deep"
	"github.com/jmchacon/sobeltb/signal"
	"github.com/jmchacon/sobeltb/sim"
	"github.com/jmchacon/sobeltb/sobel"
	"go.uber.org/goleak"
	"pgregory.net/rapid"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// sample is what the circuit saw on one rising edge plus the counters it was
// showing going into it.
type sample struct {
	Rst   bool // true once SYS_RST_N is high.
	Valid bool
	Row   int
	Col   int
}

// probe wraps the sobel model and records every edge it is clocked on.
type probe struct {
	*sobel.Chip
	samples []sample
}

func (p *probe) Tick() error {
	b := p.Bus()
	p.samples = append(p.samples, sample{
		Rst:   b.MustSignal(signal.SysRstN).Bool(),
		Valid: b.MustSignal(signal.DataValid).Bool(),
		Row:   b.MustSignal(signal.RowCnt).Int(),
		Col:   b.MustSignal(signal.ColCnt).Int(),
	})
	return p.Chip.Tick()
}

func newProbe(t *testing.T, def *sobel.ChipDef) *probe {
	t.Helper()
	c, err := sobel.Init(def)
	if err != nil {
		t.Fatalf("Can't Init chip: %v", err)
	}
	return &probe{Chip: c}
}

// fakeCounter exposes the same ports as the real circuit but moves its counters
// with step on accepted cycles so faults can be injected.
type fakeCounter struct {
	bus              *signal.Bus
	rstN, valid      *signal.Signal
	rowCnt, colCnt   *signal.Signal
	row, col         int
	nextRow, nextCol int
	step             func(row, col int) (int, int)
}

func newFakeCounter(t *testing.T, lines, rowSize int, step func(row, col int) (int, int)) *fakeCounter {
	t.Helper()
	f := &fakeCounter{bus: signal.NewBus(), step: step}
	ports := []struct {
		name  string
		width int
		sig   **signal.Signal
	}{
		{signal.SysClk, 1, nil},
		{signal.SysRstN, 1, &f.rstN},
		{signal.DataValid, 1, &f.valid},
		{signal.Data, 8, nil},
		{signal.RowCnt, 32, &f.rowCnt},
		{signal.ColCnt, 32, &f.colCnt},
	}
	for _, p := range ports {
		s, err := f.bus.Add(p.name, p.width)
		if err != nil {
			t.Fatalf("Can't add %s: %v", p.name, err)
		}
		if p.sig != nil {
			*p.sig = s
		}
	}
	f.bus.SetGeneric(signal.NumLines, lines)
	f.bus.SetGeneric(signal.RowSize, rowSize)
	return f
}

func (f *fakeCounter) Bus() *signal.Bus {
	return f.bus
}

func (f *fakeCounter) Tick() error {
	f.nextRow, f.nextCol = f.row, f.col
	switch {
	case !f.rstN.Bool():
		f.nextRow, f.nextCol = 0, 0
	case f.valid.Bool():
		f.nextRow, f.nextCol = f.step(f.row, f.col)
	}
	return nil
}

func (f *fakeCounter) TickDone() {
	f.row, f.col = f.nextRow, f.nextCol
	f.rowCnt.Set(uint64(f.row))
	f.colCnt.Set(uint64(f.col))
}

// rasterStep returns a correct step for the given geometry.
func rasterStep(lines, rowSize int) func(row, col int) (int, int) {
	return func(row, col int) (int, int) {
		col++
		if col == rowSize {
			col = 0
			row = (row + 1) % lines
		}
		return row, col
	}
}

// edgeTime is when the n'th (1 based) rising edge of the default clock lands.
func edgeTime(n int) time.Duration {
	return kHalfPeriod + time.Duration(n-1)*2*kHalfPeriod
}

func TestPositionCheck(t *testing.T) {
	p := newProbe(t, &sobel.ChipDef{Lines: 2, RowSize: 3})
	h, err := Init(PositionCheck(), p)
	if err != nil {
		t.Fatalf("Can't Init: %v", err)
	}
	r, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v\n%s", err, spew.Sdump(r))
	}

	reset := sample{}
	idle := sample{Rst: true}
	frame := []sample{
		{true, true, 0, 0},
		{true, true, 0, 1},
		{true, true, 0, 2},
		{true, true, 1, 0},
		{true, true, 1, 1},
		{true, true, 1, 2},
		idle, idle, idle,
	}
	var want []sample
	for i := 0; i < kResetCycles; i++ {
		want = append(want, reset)
	}
	want = append(want, frame...)
	want = append(want, frame...)
	if diff := deep.Equal(p.samples, want); diff != nil {
		t.Errorf("Bad edge sequence: %v\n%s", diff, spew.Sdump(p.samples))
	}

	if got, want := r.Frames, 2; got != want {
		t.Errorf("Bad frames. Got %d want %d", got, want)
	}
	if got, want := r.Accepted, uint64(12); got != want {
		t.Errorf("Bad accepted. Got %d want %d", got, want)
	}
	if got, want := r.Checks, uint64(12); got != want {
		t.Errorf("Bad checks. Got %d want %d", got, want)
	}
	if got, want := r.Edges, uint64(28); got != want {
		t.Errorf("Bad edges. Got %d want %d", got, want)
	}
	if got, want := r.ResetReleased, edgeTime(kResetCycles); got != want {
		t.Errorf("Bad reset release. Got %v want %v", got, want)
	}
	if got, want := r.SimTime, edgeTime(28); got != want {
		t.Errorf("Bad end time. Got %v want %v", got, want)
	}
	if r.RunID == "" || len(r.Stimulus) != 0 {
		t.Errorf("Bad report: %s", spew.Sdump(r))
	}
	if got, want := p.Frames(), 2; got != want {
		t.Errorf("Chip saw %d frames, want %d", got, want)
	}
}

func TestFrameRepetition(t *testing.T) {
	tests := []struct {
		name    string
		lines   int
		rowSize int
		def     func() Def
	}{
		{"check 1x1", 1, 1, PositionCheck},
		{"check 4x5", 4, 5, PositionCheck},
		{"inject 3x2", 3, 2, DataInjection},
		{"inject 1x7", 1, 7, DataInjection},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			p := newProbe(t, &sobel.ChipDef{Lines: test.lines, RowSize: test.rowSize})
			def := test.def()
			def.Frames = 3
			h, err := Init(def, p)
			if err != nil {
				t.Fatalf("Can't Init: %v", err)
			}
			if _, err := h.Run(context.Background()); err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			per := test.lines * test.rowSize
			if def.GapBetweenValid {
				per *= 2
			}
			per += kIdleCycles
			body := p.samples[kResetCycles:]
			if got, want := len(body), def.Frames*per; got != want {
				t.Fatalf("Got %d edges after reset want %d", got, want)
			}
			for f := 1; f < def.Frames; f++ {
				if diff := deep.Equal(body[f*per:(f+1)*per], body[:per]); diff != nil {
					t.Errorf("Frame %d differs from frame 0: %v", f, diff)
				}
			}
			for f := 0; f < def.Frames; f++ {
				for i, s := range body[(f+1)*per-kIdleCycles : (f+1)*per] {
					if s.Valid || s.Row != 0 || s.Col != 0 {
						t.Errorf("Frame %d idle cycle %d not idle at origin: %+v", f, i, s)
					}
				}
			}
			// Accepted cycles walk the raster in order.
			n := 0
			for _, s := range body[:per] {
				if !s.Valid {
					continue
				}
				if s.Row != n/test.rowSize || s.Col != n%test.rowSize {
					t.Errorf("Accepted cycle %d at (%d,%d)", n, s.Row, s.Col)
				}
				n++
			}
		})
	}
}

func TestDataInjection(t *testing.T) {
	const lines, rowSize = 6, 8
	var frames []*image.Gray
	p := newProbe(t, &sobel.ChipDef{
		Lines:   lines,
		RowSize: rowSize,
		FrameDone: func(i *image.Gray) {
			frames = append(frames, i)
		},
	})
	def := DataInjection()
	def.Seed = 1234
	h, err := Init(def, p)
	if err != nil {
		t.Fatalf("Can't Init: %v", err)
	}
	r, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got, want := r.Checks, uint64(0); got != want {
		t.Errorf("Injection ran %d checks", got)
	}
	if got, want := r.Edges, uint64(kResetCycles+2*(2*lines*rowSize+kIdleCycles)); got != want {
		t.Errorf("Bad edges. Got %d want %d", got, want)
	}
	if got, want := r.Seed, int64(1234); got != want {
		t.Errorf("Bad seed. Got %d want %d", got, want)
	}
	if diff := deep.Equal(frames, r.Stimulus); diff != nil {
		t.Errorf("Captured frames differ from stimulus: %v", diff)
	}
	// Valid alternates with idle through each frame.
	body := p.samples[kResetCycles:]
	for i := 0; i < 2*lines*rowSize; i++ {
		if got, want := body[i].Valid, i%2 == 0; got != want {
			t.Fatalf("Edge %d valid %t want %t", i, got, want)
		}
	}

	// Same seed, same payload.
	p2 := newProbe(t, &sobel.ChipDef{Lines: lines, RowSize: rowSize})
	h2, err := Init(def, p2)
	if err != nil {
		t.Fatalf("Can't Init: %v", err)
	}
	r2, err := h2.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if diff := deep.Equal(r2.Stimulus, r.Stimulus); diff != nil {
		t.Errorf("Stimulus not reproducible from seed: %v", diff)
	}
	if r2.RunID == r.RunID {
		t.Errorf("Run ids repeated: %s", r.RunID)
	}
}

func TestGappedCheck(t *testing.T) {
	p := newProbe(t, &sobel.ChipDef{Lines: 3, RowSize: 4})
	def := DataInjection()
	def.CheckPositions = true
	h, err := Init(def, p)
	if err != nil {
		t.Fatalf("Can't Init: %v", err)
	}
	r, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got, want := r.Checks, uint64(2*3*4); got != want {
		t.Errorf("Bad checks. Got %d want %d", got, want)
	}
}

func TestMismatch(t *testing.T) {
	const lines, rowSize = 2, 3
	tests := []struct {
		name string
		step func(row, col int) (int, int)
		want *MismatchError
	}{
		{
			name: "column skips",
			step: func(row, col int) (int, int) {
				return row, col + 2
			},
			want: &MismatchError{Counter: "col", Got: 2, Want: 1, Frame: 0, Cycle: 1, Time: edgeTime(kResetCycles + 2)},
		},
		{
			name: "row stuck",
			step: func(row, col int) (int, int) {
				return row, (col + 1) % rowSize
			},
			want: &MismatchError{Counter: "row", Got: 0, Want: 1, Frame: 0, Cycle: 3, Time: edgeTime(kResetCycles + 4)},
		},
		{
			name: "no frame wrap",
			step: func(row, col int) (int, int) {
				col++
				if col == rowSize {
					return row + 1, 0
				}
				return row, col
			},
			want: &MismatchError{Counter: "row", Got: 2, Want: 0, Frame: 1, Cycle: 6, Time: edgeTime(kResetCycles + 6 + kIdleCycles + 1)},
		},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			h, err := Init(PositionCheck(), newFakeCounter(t, lines, rowSize, test.step))
			if err != nil {
				t.Fatalf("Can't Init: %v", err)
			}
			_, err = h.Run(context.Background())
			var got *MismatchError
			if !errors.As(err, &got) {
				t.Fatalf("Didn't get a mismatch: %v", err)
			}
			if diff := deep.Equal(got, test.want); diff != nil {
				t.Errorf("Bad mismatch: %v\n%s", diff, spew.Sdump(got))
			}
			if msg := err.Error(); !strings.Contains(msg, test.want.Counter+" mismatch") {
				t.Errorf("Message doesn't name the counter: %s", msg)
			}
		})
	}

	// The same circuit runs clean once the step is correct.
	h, err := Init(PositionCheck(), newFakeCounter(t, lines, rowSize, rasterStep(lines, rowSize)))
	if err != nil {
		t.Fatalf("Can't Init: %v", err)
	}
	if _, err := h.Run(context.Background()); err != nil {
		t.Errorf("Correct counter failed: %v", err)
	}
}

func TestInjectionNeverChecks(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		lines := rapid.IntRange(1, 4).Draw(rt, "lines")
		rowSize := rapid.IntRange(1, 4).Draw(rt, "rowSize")
		seed := rapid.Int64().Draw(rt, "seed")
		skip := rapid.IntRange(0, 3).Draw(rt, "skip")
		// Counters that are wrong in every way possible still never fail a run without checks.
		f := newFakeCounter(t, lines, rowSize, func(row, col int) (int, int) {
			return row + skip, col + skip + 1
		})
		def := DataInjection()
		def.Seed = seed
		h, err := Init(def, f)
		if err != nil {
			rt.Fatalf("Can't Init: %v", err)
		}
		r, err := h.Run(context.Background())
		if err != nil {
			rt.Fatalf("Injection run failed: %v", err)
		}
		if r.Checks != 0 || len(r.Stimulus) != def.Frames {
			rt.Fatalf("Bad report: %+v", r)
		}
	})
}

func TestReady(t *testing.T) {
	p := newProbe(t, &sobel.ChipDef{Lines: 2, RowSize: 3})
	def := PositionCheck()
	def.ReadySignal = signal.RstDone
	h, err := Init(def, p)
	if err != nil {
		t.Fatalf("Can't Init: %v", err)
	}
	r, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// s_rst_done commits on the first edge out of reset so it reads high on the second.
	if got, want := r.Edges, uint64(kResetCycles+2+2*(6+kIdleCycles)); got != want {
		t.Errorf("Bad edges. Got %d want %d", got, want)
	}

	// A counter never goes high without valid.
	p = newProbe(t, &sobel.ChipDef{Lines: 2, RowSize: 3})
	def.ReadySignal = signal.RowCnt
	def.ReadyCycles = 5
	h, err = Init(def, p)
	if err != nil {
		t.Fatalf("Can't Init: %v", err)
	}
	r, err = h.Run(context.Background())
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("Didn't get ErrNotReady: %v", err)
	}
	if got, want := r.Edges, uint64(kResetCycles+5); got != want {
		t.Errorf("Bad edges. Got %d want %d", got, want)
	}
}

func TestRunErrors(t *testing.T) {
	p := newProbe(t, &sobel.ChipDef{Lines: 2, RowSize: 3})
	def := PositionCheck()
	def.MaxTime = 50 * time.Nanosecond
	h, err := Init(def, p)
	if err != nil {
		t.Fatalf("Can't Init: %v", err)
	}
	r, err := h.Run(context.Background())
	if !errors.Is(err, sim.ErrTimeLimit) {
		t.Errorf("Didn't get time limit: %v", err)
	}
	if r.Edges >= kResetCycles || r.SimTime > def.MaxTime {
		t.Errorf("Ran past limit: %s", spew.Sdump(r))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p = newProbe(t, &sobel.ChipDef{Lines: 2, RowSize: 3})
	if h, err = Init(PositionCheck(), p); err != nil {
		t.Fatalf("Can't Init: %v", err)
	}
	if _, err := h.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Didn't get cancelled: %v", err)
	}
}

func TestInit(t *testing.T) {
	chip := func() DUT {
		c, err := sobel.Init(&sobel.ChipDef{Lines: 2, RowSize: 3})
		if err != nil {
			t.Fatalf("Can't Init chip: %v", err)
		}
		return c
	}
	bare := func(generics bool, lines int) DUT {
		f := newFakeCounter(t, lines, 3, rasterStep(1, 3))
		if !generics {
			f.bus = signal.NewBus()
			for _, n := range []string{signal.SysClk, signal.SysRstN, signal.DataValid} {
				if _, err := f.bus.Add(n, 1); err != nil {
					t.Fatalf("Can't add %s: %v", n, err)
				}
			}
		}
		return f
	}
	tests := []struct {
		name    string
		def     Def
		dut     DUT
		wantErr bool
	}{
		{"check", PositionCheck(), chip(), false},
		{"inject", DataInjection(), chip(), false},
		{"zero def", Def{}, chip(), false},
		{"ready", Def{ReadySignal: signal.RstDone}, chip(), false},
		{"nil dut", PositionCheck(), nil, true},
		{"negative frames", Def{Frames: -1}, chip(), true},
		{"unknown ready", Def{ReadySignal: "s_bogus"}, chip(), true},
		{"no generics", Def{}, bare(false, 1), true},
		{"no counters", PositionCheck(), bare(false, 1), true},
		{"no data", DataInjection(), bare(false, 1), true},
		{"zero lines", Def{}, bare(true, 0), true},
	}
	for _, test := range tests {
		h, err := Init(test.def, test.dut)
		if got, want := err != nil, test.wantErr; got != want {
			t.Errorf("%s: Init error %v, wantErr %t", test.name, err, want)
			continue
		}
		if err != nil {
			continue
		}
		if got, want := h.def.Frames, kFrames; got != want {
			t.Errorf("%s: frames not defaulted. Got %d want %d", test.name, got, want)
		}
		if h.def.Seed == 0 {
			t.Errorf("%s: no seed picked", test.name)
		}
		if got, want := h.Geometry().Pixels(), 6; got != want {
			t.Errorf("%s: bad geometry %+v", test.name, h.Geometry())
		}
	}
}

func TestOutputs(t *testing.T) {
	var logs, vcd bytes.Buffer
	p := newProbe(t, &sobel.ChipDef{Lines: 2, RowSize: 3, Debug: true})
	def := PositionCheck()
	def.Logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	def.Wave = &vcd
	h, err := Init(def, p)
	if err != nil {
		t.Fatalf("Can't Init: %v", err)
	}
	r, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	l := logs.String()
	for _, want := range []string{"run=" + r.RunID, "msg=\"reset released\"", "msg=\"frame complete\"", "msg=accepted", "dut=", "msg=passed"} {
		if !strings.Contains(l, want) {
			t.Errorf("Log missing %q:\n%s", want, l)
		}
	}
	if got, want := strings.Count(l, "msg=accepted"), 12; got != want {
		t.Errorf("Got %d accepted lines want %d", got, want)
	}
	v := vcd.String()
	for _, want := range []string{
		"$comment run " + r.RunID + " $end",
		"$var wire 32 % s_row_cnt $end",
		// Reset is released right after the tenth edge.
		"#76\n1!\n1\"\n",
	} {
		if !strings.Contains(v, want) {
			t.Errorf("VCD missing %q:\n%s", want, v)
		}
	}
}
