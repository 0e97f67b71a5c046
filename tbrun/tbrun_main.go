// tbrun runs the Sobel front-end harness against the behavioural model and
// reports pass/fail. Captured frames can be written out as PNGs and all port
// activity as a VCD.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/jmchacon/sobeltb/harness"
	ports "github.com/jmchacon/sobeltb/signal"
	"github.com/jmchacon/sobeltb/sobel"
	"golang.org/x/image/draw"
)

var (
	mode        = flag.String("mode", "check", "Either check (back to back valid, counters checked) or inject (random data, gapped valid, no checks)")
	lines       = flag.Int("lines", 24, "G_NUM_LINES for the model")
	rowSize     = flag.Int("row_size", 32, "G_IMG_ROW_SIZE for the model")
	frames      = flag.Int("frames", 2, "Number of frames to inject")
	idle        = flag.Int("idle", 3, "Idle cycles after each frame")
	resetCycles = flag.Int("reset_cycles", 10, "Rising edges to hold reset for")
	gap         = flag.Bool("gap", false, "If true force an idle cycle after every accepted one")
	check       = flag.Bool("check", false, "If true force counter checking (i.e. in inject mode)")
	ready       = flag.Bool("ready", false, "If true wait for s_rst_done after reset instead of starting straight away")
	seed        = flag.Int64("seed", 0, "Seed for random pixel data. 0 picks one")
	vcd         = flag.String("vcd", "", "If set write a VCD of every port to this path")
	frameDir    = flag.String("frame_dir", "", "If set write each captured frame as a PNG into this directory")
	frameScale  = flag.Float64("frame_scale", 1.0, "The amount to rescale the output PNGs")
	debug       = flag.Bool("debug", false, "If true will emit per cycle model state while running")
)

func writeFrame(n int, i *image.Gray) error {
	var img image.Image = i
	if *frameScale != 1.0 {
		d := image.NewGray(image.Rect(0, 0, int(float64(i.Bounds().Max.X)**frameScale), int(float64(i.Bounds().Max.Y)**frameScale)))
		draw.NearestNeighbor.Scale(d, d.Bounds(), i, i.Bounds(), draw.Over, nil)
		img = d
	}
	o, err := os.Create(filepath.Join(*frameDir, fmt.Sprintf("frame%.3d.png", n)))
	if err != nil {
		return err
	}
	if err := png.Encode(o, img); err != nil {
		o.Close()
		return err
	}
	return o.Close()
}

func main() {
	flag.Parse()

	var def harness.Def
	switch *mode {
	case "check":
		def = harness.PositionCheck()
	case "inject":
		def = harness.DataInjection()
	default:
		log.Fatalf("Unknown -mode %q", *mode)
	}
	def.Frames = *frames
	def.IdleCycles = *idle
	def.ResetCycles = *resetCycles
	def.GapBetweenValid = def.GapBetweenValid || *gap
	def.CheckPositions = def.CheckPositions || *check
	def.Seed = *seed
	if *ready {
		def.ReadySignal = ports.RstDone
	}
	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	def.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *vcd != "" {
		f, err := os.Create(*vcd)
		if err != nil {
			log.Fatalf("Can't create VCD: %v", err)
		}
		defer f.Close()
		def.Wave = f
	}

	n := 0
	var frameErr error
	chip, err := sobel.Init(&sobel.ChipDef{
		Lines:   *lines,
		RowSize: *rowSize,
		FrameDone: func(i *image.Gray) {
			if *frameDir == "" || frameErr != nil {
				return
			}
			frameErr = writeFrame(n, i)
			n++
		},
		Debug: *debug,
	})
	if err != nil {
		log.Fatalf("Can't init model: %v", err)
	}
	h, err := harness.Init(def, chip)
	if err != nil {
		log.Fatalf("Can't init harness: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	r, err := h.Run(ctx)
	if err != nil {
		log.Fatalf("FAIL run %s (seed %d) after %d accepted cycles at %v: %v", r.RunID, r.Seed, r.Accepted, r.SimTime, err)
	}
	if frameErr != nil {
		log.Fatalf("Can't write frame: %v", frameErr)
	}
	fmt.Printf("PASS run %s: %d frames, %d accepted cycles, %d checks, %d edges in %v (seed %d)\n", r.RunID, r.Frames, r.Accepted, r.Checks, r.Edges, r.SimTime, r.Seed)
}
