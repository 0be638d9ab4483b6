// Command gen-csilog generates sample CSI log files in the serial line
// encoding, for exercising replay and parser tooling without hardware.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"time"

	"github.com/banshee-data/presence.report/internal/csi"
)

func main() {
	output := flag.String("o", "sample.csilog", "output path")
	frames := flag.Int("n", 1200, "number of frames")
	rate := flag.Float64("rate", 20, "sample rate in Hz")
	bpm := flag.Float64("bpm", 15, "breathing rate to inject in BPM (0 for an empty room)")
	noise := flag.Float64("noise", 0.05, "per-subcarrier noise sigma")
	seed := flag.Int64("seed", 1, "random seed")
	flag.Parse()

	cfg := csi.SimConfig{
		SampleRateHz: *rate,
		NoiseSigma:   *noise,
		MaxFrames:    *frames,
		Seed:         *seed,
		Start:        time.Now().UTC(),
	}
	if *bpm > 0 {
		cfg.Components = []csi.SimComponent{{FreqHz: *bpm / 60, Amplitude: 0.5}}
	}
	src := csi.NewSimSource(cfg, nil)

	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("failed to create %s: %v", *output, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()

	ctx := context.Background()
	written := 0
	for {
		frame, err := src.Next(ctx)
		if errors.Is(err, csi.ErrExhausted) {
			break
		}
		if err != nil {
			log.Fatalf("generator failed: %v", err)
		}
		if _, err := w.WriteString(csi.FormatLine(frame) + "\n"); err != nil {
			log.Fatalf("write failed: %v", err)
		}
		written++
		if written%200 == 0 {
			log.Printf("%d/%d frames", written, *frames)
		}
	}
	log.Printf("wrote %d frames to %s", written, *output)
}
