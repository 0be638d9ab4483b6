// Command sense runs the CSI presence-sensing pipeline against a live or
// recorded source and serves its state over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/presence.report/internal/api"
	"github.com/banshee-data/presence.report/internal/capture"
	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/csi"
	"github.com/banshee-data/presence.report/internal/sense"
	"github.com/banshee-data/presence.report/internal/version"
)

var (
	mode       = flag.String("mode", "sim", "frame source: sim, serial, pcap or replay")
	listen     = flag.String("listen", ":8080", "HTTP listen address")
	configPath = flag.String("config", "", "tuning config JSON (defaults apply when empty)")
	dbPath     = flag.String("db", "", "capture database path (no recording when empty)")
	label      = flag.String("label", "", "label for the recorded session")

	serialPort = flag.String("port", "/dev/ttyUSB0", "serial port for -mode serial")
	serialBaud = flag.Int("baud", 921600, "serial baud rate")

	pcapFile = flag.String("pcap", "", "pcap file for -mode pcap")
	udpPort  = flag.Uint("udp-port", 5500, "UDP port carrying CSI lines in the pcap")

	sessionID = flag.String("session", "", "session id for -mode replay")

	simBPM    = flag.Float64("sim-bpm", 15, "simulated breathing rate in BPM (0 for an empty room)")
	simFrames = flag.Int("sim-frames", 0, "stop the simulator after this many frames (0 for unbounded)")
)

func main() {
	flag.Parse()
	log.Printf("sense %s", version.String())

	tuning := &config.Tuning{}
	if *configPath != "" {
		var err error
		tuning, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	var store *capture.Store
	if *dbPath != "" {
		var err error
		store, err = capture.Open(*dbPath)
		if err != nil {
			log.Fatalf("failed to open capture store: %v", err)
		}
		defer store.Close()
	}

	source, session, err := buildSource(tuning, store)
	if err != nil {
		log.Fatalf("failed to open source: %v", err)
	}

	pipeline, err := sense.NewPipeline(sense.PipelineConfig{Source: source, Tuning: tuning})
	if err != nil {
		log.Fatalf("failed to build pipeline: %v", err)
	}

	server := api.NewServer(pipeline, store, session)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Pipeline goroutine. Its exit (source exhausted or fatal acquisition
	// error) also stops everything else.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stop()
		if err := pipeline.Run(ctx); err != nil {
			log.Printf("pipeline failed: %v", err)
			return
		}
		log.Print("pipeline terminated")
	}()

	// Event sink: every window's verdict goes to the API ring and, when
	// recording, the capture store.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range pipeline.Events() {
			server.Observe(e)
			logEvent(e)
			if store != nil && session != "" {
				if err := store.RecordEvent(session, e); err != nil {
					log.Printf("failed to record event: %v", err)
				}
			}
		}
		log.Print("event sink terminated")
	}()

	// HTTP server goroutine with graceful shutdown.
	wg.Add(1)
	go func() {
		defer wg.Done()

		httpServer := &http.Server{
			Addr:    *listen,
			Handler: server.Handler(),
		}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("HTTP server failed: %v", err)
				stop()
			}
		}()

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	wg.Wait()

	if store != nil && session != "" {
		if err := store.EndSession(session, time.Now()); err != nil {
			log.Printf("failed to end session: %v", err)
		}
	}
}

// buildSource assembles the frame source for the selected mode. When a
// store is open and the mode produces live frames, they are teed into a new
// capture session whose id is returned.
func buildSource(tuning *config.Tuning, store *capture.Store) (csi.Source, string, error) {
	var src csi.Source
	switch *mode {
	case "sim":
		cfg := csi.SimConfig{
			SampleRateHz: tuning.GetSampleRate(),
			NoiseSigma:   0.05,
			MaxFrames:    *simFrames,
			Paced:        true,
		}
		if *simBPM > 0 {
			cfg.Components = []csi.SimComponent{{FreqHz: *simBPM / 60, Amplitude: 0.5}}
		}
		src = csi.NewSimSource(cfg, nil)
	case "serial":
		s, err := csi.OpenSerialSource(*serialPort, *serialBaud)
		if err != nil {
			return nil, "", err
		}
		src = s
	case "pcap":
		if *pcapFile == "" {
			return nil, "", fmt.Errorf("-mode pcap requires -pcap")
		}
		s, err := csi.OpenPCAPSource(*pcapFile, uint16(*udpPort))
		if err != nil {
			return nil, "", err
		}
		src = s
	case "replay":
		if store == nil || *sessionID == "" {
			return nil, "", fmt.Errorf("-mode replay requires -db and -session")
		}
		s, err := store.NewReplaySource(*sessionID)
		if err != nil {
			return nil, "", err
		}
		return s, "", nil
	default:
		return nil, "", fmt.Errorf("unknown mode %q", *mode)
	}

	if store == nil {
		return src, "", nil
	}
	sess, err := store.CreateSession(*label, *mode, tuning.GetSampleRate(), time.Now())
	if err != nil {
		src.Close()
		return nil, "", err
	}
	return &recordingSource{Source: src, store: store, session: sess.ID}, sess.ID, nil
}

func logEvent(e sense.Event) {
	if e.Breathing != nil {
		log.Printf("window %d: present (conf %.2f), breathing %.1f BPM (%s, conf %.2f)",
			e.Presence.Seq, e.Presence.Confidence, e.Breathing.RateBPM, e.Breathing.Method, e.Breathing.Confidence)
		return
	}
	state := "absent"
	if e.Presence.Present {
		state = "present"
	}
	log.Printf("window %d: %s (conf %.2f, energy %.3f)", e.Presence.Seq, state, e.Presence.Confidence, e.Presence.Energy)
}

// recordingSource tees live frames into the capture store in batches so
// recording does not add a write per frame.
type recordingSource struct {
	csi.Source
	store   *capture.Store
	session string
	batch   []csi.Frame
}

const recordBatchSize = 100

func (r *recordingSource) Next(ctx context.Context) (csi.Frame, error) {
	f, err := r.Source.Next(ctx)
	if err != nil {
		r.flush()
		return f, err
	}
	r.batch = append(r.batch, f)
	if len(r.batch) >= recordBatchSize {
		r.flush()
	}
	return f, nil
}

func (r *recordingSource) Close() error {
	r.flush()
	return r.Source.Close()
}

func (r *recordingSource) flush() {
	if len(r.batch) == 0 {
		return
	}
	if err := r.store.AppendFrames(r.session, r.batch); err != nil {
		log.Printf("failed to record frames: %v", err)
	}
	r.batch = r.batch[:0]
}
