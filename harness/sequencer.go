package harness

import (
	"fmt"
	"log/slog"

	"github.com/jmchacon/sobeltb/sim"
)

// clock drives SYS_CLK low then high forever with a 50% duty cycle. The first
// rising edge lands one half period after the start.
func (h *Harness) clock(s *sim.Sim) error {
	for {
		h.clk.Set(0)
		if err := s.Timer(h.def.HalfPeriod); err != nil {
			return err
		}
		h.clk.Set(1)
		if err := s.Timer(h.def.HalfPeriod); err != nil {
			return err
		}
	}
}

// bringUp holds reset with valid low for ResetCycles rising edges, releases it
// and optionally waits for the ready signal.
func (h *Harness) bringUp(s *sim.Sim, r *Report, log *slog.Logger) error {
	h.rstN.Set(0)
	h.valid.Set(0)
	s.Fork("clock", h.clock)
	if err := h.edges(s, r, h.def.ResetCycles); err != nil {
		return err
	}
	h.rstN.Set(1)
	r.ResetReleased = s.Now()
	log.Info("reset released", "time", r.ResetReleased, "edges", r.Edges)

	if h.ready == nil {
		return nil
	}
	for i := 0; i < h.def.ReadyCycles; i++ {
		if err := h.edge(s, r); err != nil {
			return err
		}
		if h.ready.Bool() {
			log.Info("ready", "signal", h.ready.Name(), "time", s.Now(), "cycles", i+1)
			return nil
		}
	}
	return fmt.Errorf("%w: %s still low %d cycles after reset", ErrNotReady, h.ready.Name(), h.def.ReadyCycles)
}
