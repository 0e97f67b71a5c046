package harness

import (
	"context"
	"image"
	"log/slog"

	"github.com/jmchacon/sobeltb/raster"
	"github.com/jmchacon/sobeltb/sim"
)

// stimulus injects every frame in raster order. Each pixel is one accepted
// cycle: valid (and the payload when injecting) is driven, one edge is awaited
// and the counters are compared against the reference before it advances.
// With gaps enabled one idle cycle follows every accepted one. Each frame ends
// with valid low for IdleCycles edges.
func (h *Harness) stimulus(ctx context.Context, s *sim.Sim, r *Report, log *slog.Logger) error {
	ref, err := raster.New(h.geo)
	if err != nil {
		return err
	}
	debug := log.Enabled(ctx, slog.LevelDebug)
	for f := 0; f < h.def.Frames; f++ {
		var img *image.Gray
		if h.def.InjectRandomData {
			img = image.NewGray(image.Rect(0, 0, h.geo.RowSize, h.geo.Lines))
		}
		for row := 0; row < h.geo.Lines; row++ {
			for col := 0; col < h.geo.RowSize; col++ {
				if img != nil {
					p := uint8(h.rng.Intn(256))
					img.Pix[row*img.Stride+col] = p
					h.data.Set(uint64(p))
				}
				h.valid.Set(1)
				if err := h.edge(s, r); err != nil {
					return err
				}
				pos := ref.Position()
				if h.def.CheckPositions {
					if err := h.check(s, r, pos, f, ref.Accepted()); err != nil {
						return err
					}
				}
				ref.Advance()
				r.Accepted++
				if debug {
					h.debug(ctx, s, log, f, pos)
				}
				if h.def.GapBetweenValid {
					h.valid.Set(0)
					if err := h.edge(s, r); err != nil {
						return err
					}
				}
			}
		}
		if img != nil {
			r.Stimulus = append(r.Stimulus, img)
		}
		h.valid.Set(0)
		if err := h.edges(s, r, h.def.IdleCycles); err != nil {
			return err
		}
		r.Frames++
		log.Info("frame complete", "frame", f, "time", s.Now(), "accepted", r.Accepted)
	}
	return nil
}

// check compares both counters against the reference position for this cycle.
func (h *Harness) check(s *sim.Sim, r *Report, want raster.Position, frame int, cycle uint64) error {
	r.Checks++
	for _, c := range []struct {
		name      string
		got, want int
	}{
		{"row", h.rowCnt.Int(), want.Row},
		{"col", h.colCnt.Int(), want.Col},
	} {
		if c.got != c.want {
			return &MismatchError{
				Counter: c.name,
				Got:     c.got,
				Want:    c.want,
				Frame:   frame,
				Cycle:   cycle,
				Time:    s.Now(),
			}
		}
	}
	return nil
}

func (h *Harness) debug(ctx context.Context, s *sim.Sim, log *slog.Logger, frame int, pos raster.Position) {
	attrs := []any{"time", s.Now(), "frame", frame, "pos", pos.String()}
	if h.data != nil {
		attrs = append(attrs, "data", h.data.Value())
	}
	if d, ok := h.dut.(Debugger); ok {
		if st := d.Debug(); st != "" {
			attrs = append(attrs, "dut", st)
		}
	}
	log.DebugContext(ctx, "accepted", attrs...)
}
