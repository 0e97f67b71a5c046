// Package wave writes signal activity from a simulation as a Value Change
// Dump (IEEE 1364 VCD) file which any waveform viewer can load.
package wave

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jmchacon/sobeltb/signal"
)

const (
	// Printable range VCD identifiers are built from.
	kIDFirst = '!'
	kIDLast  = '~'
	kIDBase  = kIDLast - kIDFirst + 1
)

// Def holds the header details for a dump.
type Def struct {
	// Scope is the module name signals are grouped under. Defaults to "dut".
	Scope string
	// Comment if non-empty is written into the header (i.e. a run id).
	Comment string
	// Version is the generator string in the header.
	Version string
}

// Writer emits VCD for every change it is told about. It implements sim.Watcher.
type Writer struct {
	w    *bufio.Writer
	ids  map[*signal.Signal]string
	last time.Duration
	err  error // First write error, reported from Close.
}

// New writes the header and initial values for every signal currently on the bus.
func New(w io.Writer, bus *signal.Bus, def *Def) (*Writer, error) {
	if w == nil {
		return nil, errors.New("writer must be non-nil")
	}
	if def == nil {
		def = &Def{}
	}
	scope := def.Scope
	if scope == "" {
		scope = "dut"
	}
	v := &Writer{
		w:   bufio.NewWriter(w),
		ids: make(map[*signal.Signal]string),
	}
	sigs := bus.Signals()
	if def.Version != "" {
		v.printf("$version %s $end\n", def.Version)
	}
	if def.Comment != "" {
		v.printf("$comment %s $end\n", def.Comment)
	}
	v.printf("$timescale 1ns $end\n")
	v.printf("$scope module %s $end\n", scope)
	for i, s := range sigs {
		id := Identifier(i)
		v.ids[s] = id
		v.printf("$var wire %d %s %s $end\n", s.Width(), id, s.Name())
	}
	v.printf("$upscope $end\n")
	v.printf("$enddefinitions $end\n")
	v.printf("#0\n$dumpvars\n")
	for _, s := range sigs {
		v.value(s, s.Value())
	}
	v.printf("$end\n")
	return v, v.err
}

// Identifier returns the short VCD code for the i'th signal.
func Identifier(i int) string {
	var b []byte
	for {
		b = append(b, byte(kIDFirst+i%kIDBase))
		i = i/kIDBase - 1
		if i < 0 {
			break
		}
	}
	return string(b)
}

// Change implements sim.Watcher. Signals added to the bus after New are ignored.
func (v *Writer) Change(now time.Duration, s *signal.Signal, val uint64) {
	if _, ok := v.ids[s]; !ok {
		return
	}
	if now != v.last {
		v.printf("#%d\n", now/time.Nanosecond)
		v.last = now
	}
	v.value(s, val)
}

func (v *Writer) value(s *signal.Signal, val uint64) {
	id := v.ids[s]
	if s.Width() == 1 {
		v.printf("%d%s\n", val&0x01, id)
		return
	}
	v.printf("b%s %s\n", strconv.FormatUint(val, 2), id)
}

func (v *Writer) printf(format string, args ...interface{}) {
	if v.err != nil {
		return
	}
	_, v.err = fmt.Fprintf(v.w, format, args...)
}

// Close flushes buffered output and returns the first error seen while writing.
func (v *Writer) Close() error {
	if err := v.w.Flush(); err != nil && v.err == nil {
		v.err = err
	}
	return v.err
}
