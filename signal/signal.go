// Package signal defines the named signal surface a circuit exposes
// to a test harness. A circuit model registers its ports on a Bus and
// anything driving or observing the circuit looks them up by name.
// NOTE: Signals carry no locking. Each signal is expected to have exactly
//       one writer (harness for inputs, clock process for the clock, the
//       circuit for outputs) and all access happens from a single simulated
//       thread of control.
package signal

import (
	"errors"
	"fmt"
)

// Port names as exposed by the Sobel edge detector front-end.
const (
	SysClk    = "SYS_CLK"
	SysRstN   = "SYS_RST_N"
	DataValid = "I_GS_DATA_VALID"
	Data      = "I_GS_DATA"
	RowCnt    = "s_row_cnt"
	ColCnt    = "s_col_cnt"
	RstDone   = "s_rst_done"

	// Generics.
	NumLines = "G_NUM_LINES"
	RowSize  = "G_IMG_ROW_SIZE"
)

const kMaxWidth = 64

// Signal is a single named wire or bus of up to 64 bits.
type Signal struct {
	name  string
	width int
	mask  uint64
	val   uint64
	bus   *Bus
}

// Name returns the name the signal was registered under.
func (s *Signal) Name() string {
	return s.name
}

// Width returns the number of bits in the signal.
func (s *Signal) Width() int {
	return s.width
}

// Value returns the current value.
func (s *Signal) Value() uint64 {
	return s.val
}

// Int returns the current value as an int.
func (s *Signal) Int() int {
	return int(s.val)
}

// Bool returns true if bit 0 is set.
func (s *Signal) Bool() bool {
	return s.val&0x01 != 0
}

// Set drives a new value which is masked to the signal width. If the value changes
// the bus listener (if any) is told about it.
func (s *Signal) Set(v uint64) {
	v &= s.mask
	if v == s.val {
		return
	}
	old := s.val
	s.val = v
	if s.bus != nil && s.bus.listener != nil {
		s.bus.listener(s, old)
	}
}

// SetBool drives 1 for true and 0 for false.
func (s *Signal) SetBool(b bool) {
	v := uint64(0)
	if b {
		v = 1
	}
	s.Set(v)
}

// String implements fmt.Stringer.
func (s *Signal) String() string {
	return fmt.Sprintf("%s[%d]=%d", s.name, s.width, s.val)
}

// Listener is called on every value change with the signal and its previous value.
type Listener func(s *Signal, old uint64)

// Bus is the set of signals and generics a circuit exposes.
type Bus struct {
	signals  map[string]*Signal
	order    []*Signal
	generics map[string]int
	listener Listener
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{
		signals:  make(map[string]*Signal),
		generics: make(map[string]int),
	}
}

// Add registers a new signal of the given width (1-64 bits). All signals start at 0.
func (b *Bus) Add(name string, width int) (*Signal, error) {
	if name == "" {
		return nil, errors.New("signal name must be non-empty")
	}
	if width < 1 || width > kMaxWidth {
		return nil, fmt.Errorf("signal %q: width %d out of range 1-%d", name, width, kMaxWidth)
	}
	if _, ok := b.signals[name]; ok {
		return nil, fmt.Errorf("signal %q already defined", name)
	}
	mask := ^uint64(0)
	if width < kMaxWidth {
		mask = (uint64(1) << uint(width)) - 1
	}
	s := &Signal{
		name:  name,
		width: width,
		mask:  mask,
		bus:   b,
	}
	b.signals[name] = s
	b.order = append(b.order, s)
	return s, nil
}

// Signal returns the named signal or an error if it was never registered.
func (b *Bus) Signal(name string) (*Signal, error) {
	s, ok := b.signals[name]
	if !ok {
		return nil, fmt.Errorf("no signal named %q", name)
	}
	return s, nil
}

// MustSignal is like Signal but panics on unknown names. Only intended for
// circuit models looking up their own ports.
func (b *Bus) MustSignal(name string) *Signal {
	s, err := b.Signal(name)
	if err != nil {
		panic(err)
	}
	return s
}

// Signals returns all signals in registration order.
func (b *Bus) Signals() []*Signal {
	out := make([]*Signal, len(b.order))
	copy(out, b.order)
	return out
}

// SetGeneric sets a compile time style integer parameter.
func (b *Bus) SetGeneric(name string, v int) {
	b.generics[name] = v
}

// Generic returns the named integer parameter.
func (b *Bus) Generic(name string) (int, error) {
	v, ok := b.generics[name]
	if !ok {
		return 0, fmt.Errorf("no generic named %q", name)
	}
	return v, nil
}

// Listen installs the change listener. Only one is supported, a later call replaces it.
func (b *Bus) Listen(l Listener) {
	b.listener = l
}
