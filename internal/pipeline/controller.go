// Package pipeline owns the lifecycle of the three scanning loops and the
// single-writer state slots they communicate through.
//
// The fast loop writes the latest pose and stability metrics, the medium
// loop writes the latest hypothesis window snapshot, the slow loop reads
// both and writes the pending identification and commit history. No other
// component writes these slots.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haidar-ali/card-scanner/internal/config"
	"github.com/haidar-ali/card-scanner/internal/events"
	"github.com/haidar-ali/card-scanner/internal/extract"
	"github.com/haidar-ali/card-scanner/internal/fusion"
	"github.com/haidar-ali/card-scanner/internal/stability"
	"github.com/haidar-ali/card-scanner/internal/types"
)

var (
	ErrNotRunning     = errors.New("pipeline: not running")
	ErrAlreadyPaused  = errors.New("pipeline: already paused")
	ErrNotPaused      = errors.New("pipeline: not paused")
	ErrNilFrameSource = errors.New("pipeline: nil frame source")
	ErrNilDetector    = errors.New("pipeline: nil card detector")
)

const statsLogInterval = 10 * time.Second

type symbolObservation struct {
	candidate types.SymbolCandidate
	at        time.Time
}

// Controller is the pipeline orchestrator. Construct one per camera; there
// are no process-wide globals, so independent pipelines coexist and tests
// tear down cleanly.
type Controller struct {
	bus     *events.Bus
	text    types.TextExtractor
	symbols types.SymbolClassifier // optional, may be nil

	mu       sync.Mutex
	cfg      *config.Config
	running  bool
	paused   bool
	started  time.Time
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	frames   types.FrameSource
	detector types.CardDetector

	tracker   *stability.Tracker
	extractor *extract.Extractor
	engine    *fusion.Engine

	stabilitySlot slot[types.StabilityMetrics]
	poseSlot      slot[types.FramePose]
	windowSlot    slot[map[string][]types.TextHypothesis]
	identSlot     slot[types.CardIdentification]
	symbolSlot    slot[symbolObservation]

	fastRate   RateCounter
	mediumRate RateCounter
	slowRate   RateCounter
}

// New creates a stopped controller. symbols may be nil.
func New(cfg *config.Config, bus *events.Bus, text types.TextExtractor, symbols types.SymbolClassifier) *Controller {
	return &Controller{
		cfg:     cfg,
		bus:     bus,
		text:    text,
		symbols: symbols,
	}
}

// Start transitions the pipeline to running: component state is rebuilt
// from the current configuration, the shared slots are cleared and the
// three loops plus the stats task are scheduled. Starting a running
// pipeline is a logged no-op.
func (c *Controller) Start(frames types.FrameSource, detector types.CardDetector) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		slog.Warn("pipeline start ignored, already running")
		return nil
	}
	if frames == nil {
		return ErrNilFrameSource
	}
	if detector == nil {
		return ErrNilDetector
	}

	c.frames = frames
	c.detector = detector

	// Fresh components every start: Start after Stop (or UpdateConfig)
	// never carries stale counters, windows or commit history.
	c.tracker = stability.New(c.cfg.Stability, detector, func(m types.StabilityMetrics) {
		c.publish(events.StabilityChanged, m)
	})
	windowAge := time.Duration(c.cfg.Fusion.WindowMs) * time.Millisecond
	c.extractor = extract.New(c.cfg.Extraction, c.cfg.ROIs, windowAge, c.text)
	c.engine = fusion.NewEngine(c.cfg.Fusion)

	c.stabilitySlot.clear()
	c.poseSlot.clear()
	c.windowSlot.clear()
	c.identSlot.clear()
	c.symbolSlot.clear()
	c.fastRate.Reset()
	c.mediumRate.Reset()
	c.slowRate.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	c.paused = false
	c.started = time.Now()

	runTask(ctx, &c.wg, "stability", c.cfg.Loops.FastHz, c.fastTick)
	runTask(ctx, &c.wg, "extraction", c.cfg.Loops.MediumHz, c.mediumTick)
	runTask(ctx, &c.wg, "fusion", c.cfg.Loops.SlowHz, c.slowTick)
	runTask(ctx, &c.wg, "stats", 1.0/statsLogInterval.Seconds(), c.statsTick)

	slog.Info("pipeline started",
		"fast_hz", c.cfg.Loops.FastHz,
		"medium_hz", c.cfg.Loops.MediumHz,
		"slow_hz", c.cfg.Loops.SlowHz,
		"active_rois", c.cfg.ROIs.ActiveROIs,
	)
	return nil
}

// Stop cancels all scheduled work, including any in-flight extraction call,
// and clears the shared state slots. Idempotent.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	c.running = false
	c.mu.Unlock()

	cancel()
	c.wg.Wait()

	c.stabilitySlot.clear()
	c.poseSlot.clear()
	c.windowSlot.clear()
	c.identSlot.clear()
	c.symbolSlot.clear()

	slog.Info("pipeline stopped")
	return nil
}

// UpdateConfig applies a configuration patch. A running pipeline is stopped
// and restarted with the merged configuration; there is no live rate
// retuning, which keeps the loops from racing on shared state while it is
// rewritten.
func (c *Controller) UpdateConfig(patch config.Patch) error {
	c.mu.Lock()
	merged, err := c.cfg.Apply(patch)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("config update rejected: %w", err)
	}
	wasRunning := c.running
	frames, detector := c.frames, c.detector
	c.mu.Unlock()

	if !wasRunning {
		c.mu.Lock()
		c.cfg = merged
		c.mu.Unlock()
		return nil
	}

	if err := c.Stop(); err != nil {
		return err
	}

	c.mu.Lock()
	c.cfg = merged
	c.mu.Unlock()

	slog.Info("pipeline restarting with updated config")
	return c.Start(frames, detector)
}

// Pause suspends hypothesis extraction and fusion. The fast loop keeps
// tracking stability.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNotRunning
	}
	if c.paused {
		return ErrAlreadyPaused
	}
	c.paused = true
	slog.Info("pipeline paused")
	return nil
}

// Resume re-enables extraction and fusion.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNotRunning
	}
	if !c.paused {
		return ErrNotPaused
	}
	c.paused = false
	slog.Info("pipeline resumed")
	return nil
}

// ManualCommit commits whatever the current hypothesis window assembles,
// bypassing the commit policy and cooldown.
func (c *Controller) ManualCommit() (types.CardIdentification, error) {
	c.mu.Lock()
	engine := c.engine
	extractor := c.extractor
	running := c.running
	c.mu.Unlock()

	if !running || engine == nil {
		return types.CardIdentification{}, ErrNotRunning
	}

	window := extractor.Window().Snapshot()
	ident, ok := engine.ManualCommit(window, c.currentSymbol())
	if !ok {
		return types.CardIdentification{}, fmt.Errorf("manual commit: no identification assembled from current window")
	}

	c.finishCommit(extractor, ident)
	return ident, nil
}

// fastTick runs one stability-tracking iteration.
func (c *Controller) fastTick(ctx context.Context) {
	frame, ok := c.frames.NextFrame()
	if !ok {
		return
	}

	metrics, pose := c.tracker.Observe(frame)
	c.stabilitySlot.set(metrics)
	c.poseSlot.set(pose)
	c.fastRate.Tick(time.Now())
}

// mediumTick runs one hypothesis-harvesting iteration. Gated on isStable.
func (c *Controller) mediumTick(ctx context.Context) {
	c.mediumRate.Tick(time.Now())

	if c.isPaused() {
		return
	}
	metrics, ok := c.stabilitySlot.get()
	if !ok || !metrics.IsStable {
		return
	}
	pose, ok := c.poseSlot.get()
	if !ok {
		return
	}
	frame, ok := c.frames.NextFrame()
	if !ok {
		return
	}

	rectified := c.frames.Rectify(frame, pose)
	if rectified.Empty() {
		return
	}

	snapshot := c.extractor.Extract(ctx, rectified, pose)
	if ctx.Err() != nil {
		// Stopped mid-extraction: do not publish a stale window
		return
	}
	c.windowSlot.set(snapshot)
	c.publish(events.HypothesesUpdated, snapshot)

	c.classifySymbol(ctx, rectified)
}

// classifySymbol runs the advisory set-symbol collaborator when enabled.
func (c *Controller) classifySymbol(ctx context.Context, rectified types.Image) {
	if c.symbols == nil || !c.cfg.Fusion.SymbolBoost {
		return
	}

	candidates, err := c.symbols.Classify(ctx, rectified)
	if err != nil {
		slog.Debug("symbol classification failed", "error", err)
		return
	}

	best := types.SymbolCandidate{}
	for _, cand := range candidates {
		if cand.Confidence > best.Confidence {
			best = cand
		}
	}
	if best.SetCode == "" || ctx.Err() != nil {
		return
	}
	c.symbolSlot.set(symbolObservation{candidate: best, at: time.Now()})
}

// slowTick runs one fusion iteration over the latest window snapshot.
func (c *Controller) slowTick(ctx context.Context) {
	c.slowRate.Tick(time.Now())

	if c.isPaused() {
		return
	}
	window, ok := c.windowSlot.get()
	if !ok {
		return
	}

	result := c.engine.Fuse(window, c.currentSymbol())
	if result.Identification == nil {
		return
	}

	c.identSlot.set(*result.Identification)
	c.publish(events.CardIdentified, *result.Identification)

	if result.Committed {
		c.finishCommit(c.extractor, *result.Identification)
	}
}

// finishCommit resets the fusion-facing window state (not the stability
// tracker) and announces the committed identification.
func (c *Controller) finishCommit(extractor *extract.Extractor, ident types.CardIdentification) {
	extractor.Window().Reset()
	c.windowSlot.clear()
	c.identSlot.clear()
	c.symbolSlot.clear()

	slog.Info("card committed",
		"set_code", ident.SetCode,
		"collector_number", ident.CollectorNumber,
		"era", string(ident.Era),
		"confidence", ident.Confidence,
	)
	c.publish(events.CardCommitted, ident)
}

func (c *Controller) statsTick(ctx context.Context) {
	c.mu.Lock()
	tracker, extractor, engine := c.tracker, c.extractor, c.engine
	c.mu.Unlock()
	if tracker == nil {
		return
	}

	ts := tracker.Stats()
	es := extractor.Stats()
	slog.Debug("pipeline stats",
		"fast_hz", c.fastRate.Hz(),
		"medium_hz", c.mediumRate.Hz(),
		"slow_hz", c.slowRate.Hz(),
		"frames_observed", ts.FramesObserved,
		"detection_failures", ts.DetectionFailures,
		"readings", es.Readings,
		"hypotheses_accepted", es.Accepted,
		"extraction_failures", es.Failures,
		"commits", engine.CommitCount(),
	)
}

func (c *Controller) currentSymbol() *types.SymbolCandidate {
	obs, ok := c.symbolSlot.get()
	if !ok {
		return nil
	}
	windowAge := time.Duration(c.cfg.Fusion.WindowMs) * time.Millisecond
	if time.Since(obs.at) > windowAge {
		return nil
	}
	cand := obs.candidate
	return &cand
}

func (c *Controller) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Controller) publish(t events.Type, data interface{}) {
	c.bus.Publish(events.Event{Type: t, Data: data, Timestamp: time.Now()})
}
