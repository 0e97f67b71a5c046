// Package sim implements a small cooperative discrete event kernel for
// driving clocked circuit models from Go code.
//
// A simulation has one foreground process (passed to Run) and any number of
// background processes (Fork). Each process is a goroutine but only one ever
// runs at a time: a process runs until it suspends on Timer or RisingEdge and
// then hands control back to the kernel. Simulated time only advances when
// every process is suspended.
//
// Clocked models attach to a clock signal with Clock and see every rising edge
// in two phases, mirroring how the chips in this repository are built:
//
//   1. Tick() on every attached model. Inputs written before the edge are sampled.
//   2. Every process waiting on the edge resumes in the order it started
//      waiting. Outputs read here are the values held going into the edge.
//   3. TickDone() on every attached model. Next state becomes visible.
//
// When the foreground process returns every background process is torn down
// and any pending wait returns ErrStopped.
package sim

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmchacon/sobeltb/signal"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrStopped is returned from waits once the simulation has been torn down.
	ErrStopped = errors.New("simulation stopped")
	// ErrStalled is returned from Run when the foreground process is waiting
	// but nothing is scheduled to ever wake it (i.e. a clock that never toggles).
	ErrStalled = errors.New("simulation stalled: no pending events")
	// ErrTimeLimit is returned from Run when Def.MaxTime is exceeded.
	ErrTimeLimit = errors.New("simulation time limit exceeded")
)

// Process is a simulated thread of control. It must only block via the
// Sim wait methods.
type Process func(s *Sim) error

// Clocked is implemented by models that change state on a rising clock edge.
// Tick computes the next state from the current inputs and TickDone makes
// it visible.
type Clocked interface {
	Tick() error
	TickDone()
}

// Watcher observes every signal value change along with the simulated time it happened.
type Watcher interface {
	Change(now time.Duration, s *signal.Signal, val uint64)
}

// Def holds the optional settings for a simulation.
type Def struct {
	// MaxTime if non-zero bounds simulated time. Exceeding it fails Run with ErrTimeLimit.
	MaxTime time.Duration
	// Watchers are told about every signal change.
	Watchers []Watcher
}

type proc struct {
	name string
	main bool
	wake chan bool // true to resume, false to tear down.
}

type event struct {
	at  time.Duration
	seq uint64 // Tie break so equal times run in scheduling order.
	p   *proc
}

type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }
func (q eventQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}
func (q eventQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *eventQueue) Push(x interface{}) { *q = append(*q, x.(*event)) }
func (q *eventQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

type change struct {
	sig *signal.Signal
	old uint64
	val uint64
}

type step struct {
	done bool
	err  error
}

type fork struct {
	name string
	fn   Process
}

// Sim is a single simulation run over one Bus.
type Sim struct {
	bus      *signal.Bus
	maxTime  time.Duration
	watchers []Watcher
	now      time.Duration
	seq      uint64
	events   eventQueue
	edges    map[*signal.Signal][]*proc // Processes waiting on a rising edge.
	clocked  map[*signal.Signal][]Clocked
	pending  []change // Changes not yet handed to watchers/edge logic.
	yield    chan step
	current  *proc // The process currently running (nil if the kernel is).
	group    *errgroup.Group
	forks    []fork // Forks requested before Run.
	stopping bool
	mainDone bool
	err      error
}

// New returns a simulation over the given bus. The bus listener is taken over by
// the simulation. def may be nil.
func New(bus *signal.Bus, def *Def) *Sim {
	s := &Sim{
		bus:     bus,
		edges:   make(map[*signal.Signal][]*proc),
		clocked: make(map[*signal.Signal][]Clocked),
		yield:   make(chan step),
	}
	if def != nil {
		s.maxTime = def.MaxTime
		s.watchers = def.Watchers
	}
	bus.Listen(func(sig *signal.Signal, old uint64) {
		s.pending = append(s.pending, change{sig, old, sig.Value()})
	})
	return s
}

// Now returns the current simulated time.
func (s *Sim) Now() time.Duration {
	return s.now
}

// Clock attaches a clocked model to rising edges of clk.
func (s *Sim) Clock(clk *signal.Signal, c Clocked) {
	s.clocked[clk] = append(s.clocked[clk], c)
}

// Fork starts a background process at the current time. It can be called before
// Run or from a running process.
func (s *Sim) Fork(name string, fn Process) {
	if s.group == nil {
		s.forks = append(s.forks, fork{name, fn})
		return
	}
	s.spawn(name, fn, false)
}

// Run executes main (and anything forked) until main returns, an error occurs or ctx
// is done. Background processes are then stopped and Run waits for their goroutines
// to exit before returning.
func (s *Sim) Run(ctx context.Context, main Process) error {
	if s.group != nil {
		return errors.New("simulation already started")
	}
	s.group = new(errgroup.Group)
	s.spawn("main", main, true)
	for _, f := range s.forks {
		s.spawn(f.name, f.fn, false)
	}
	s.forks = nil

	err := s.loop(ctx)
	s.stop()
	if werr := s.group.Wait(); err == nil {
		err = werr
	}
	return err
}

func (s *Sim) loop(ctx context.Context) error {
	for {
		if err := s.settle(); err != nil {
			return err
		}
		if s.err != nil {
			return s.err
		}
		if s.mainDone {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.events.Len() == 0 {
			return fmt.Errorf("%w at %v", ErrStalled, s.now)
		}
		if s.maxTime > 0 && s.events[0].at > s.maxTime {
			return fmt.Errorf("%w: next event at %v past %v", ErrTimeLimit, s.events[0].at, s.maxTime)
		}
		ev := heap.Pop(&s.events).(*event)
		s.now = ev.at
		s.resume(ev.p)
	}
}

// settle drains pending changes. Rising edges run the two phase clocking
// described in the package comment. Changes made by resumed processes are
// appended and handled in the same pass.
func (s *Sim) settle() error {
	for len(s.pending) > 0 {
		c := s.pending[0]
		s.pending = s.pending[1:]
		for _, w := range s.watchers {
			w.Change(s.now, c.sig, c.val)
		}
		if c.old&0x01 != 0 || c.val&0x01 == 0 {
			continue
		}
		devs := s.clocked[c.sig]
		for _, d := range devs {
			if err := d.Tick(); err != nil {
				return fmt.Errorf("tick on %s at %v: %w", c.sig.Name(), s.now, err)
			}
		}
		waiters := s.edges[c.sig]
		delete(s.edges, c.sig)
		for _, p := range waiters {
			s.resume(p)
		}
		for _, d := range devs {
			d.TickDone()
		}
	}
	return nil
}

func (s *Sim) resume(p *proc) {
	s.current = p
	p.wake <- true
	st := <-s.yield
	s.current = nil
	if !st.done {
		return
	}
	if p.main {
		s.mainDone = true
		if st.err != nil && s.err == nil {
			s.err = st.err
		}
		return
	}
	if st.err != nil && s.err == nil {
		s.err = fmt.Errorf("process %s: %w", p.name, st.err)
	}
}

func (s *Sim) spawn(name string, fn Process, main bool) {
	p := &proc{
		name: name,
		main: main,
		wake: make(chan bool),
	}
	s.schedule(s.now, p)
	s.group.Go(func() error {
		if !<-p.wake {
			return nil
		}
		err := fn(s)
		if errors.Is(err, ErrStopped) {
			err = nil
		}
		// Torn down processes have nobody listening for them.
		if s.stopping {
			return err
		}
		s.yield <- step{done: true, err: err}
		return err
	})
}

// stop wakes every suspended process with a teardown signal.
func (s *Sim) stop() {
	s.stopping = true
	for s.events.Len() > 0 {
		ev := heap.Pop(&s.events).(*event)
		ev.p.wake <- false
	}
	for sig, ps := range s.edges {
		for _, p := range ps {
			p.wake <- false
		}
		delete(s.edges, sig)
	}
}

func (s *Sim) schedule(at time.Duration, p *proc) {
	s.seq++
	heap.Push(&s.events, &event{at: at, seq: s.seq, p: p})
}

func (s *Sim) self() (*proc, error) {
	if s.stopping {
		return nil, ErrStopped
	}
	if s.current == nil {
		return nil, errors.New("wait called outside of a running process")
	}
	return s.current, nil
}

func (s *Sim) block(p *proc) error {
	s.yield <- step{}
	if !<-p.wake {
		return ErrStopped
	}
	return nil
}

// Timer suspends the calling process for d of simulated time.
func (s *Sim) Timer(d time.Duration) error {
	p, err := s.self()
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("negative delay %v", d)
	}
	s.schedule(s.now+d, p)
	return s.block(p)
}

// RisingEdge suspends the calling process until sig goes from 0 to 1 (bit 0).
func (s *Sim) RisingEdge(sig *signal.Signal) error {
	p, err := s.self()
	if err != nil {
		return err
	}
	s.edges[sig] = append(s.edges[sig], p)
	return s.block(p)
}

// Edges waits for n rising edges of sig.
func (s *Sim) Edges(sig *signal.Signal, n int) error {
	for i := 0; i < n; i++ {
		if err := s.RisingEdge(sig); err != nil {
			return err
		}
	}
	return nil
}
