// Package extract implements the medium-loop region hypothesis extractor:
// slicing named ROIs out of the rectified card crop and harvesting text
// readings from the extraction collaborator under several preprocessing
// variants.
package extract

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/haidar-ali/card-scanner/internal/config"
	"github.com/haidar-ali/card-scanner/internal/types"
)

// rawVariant is the unmodified pass always tried first for every ROI.
const rawVariant = ""

type roiEntry struct {
	name string
	def  config.ROIDefinition
}

// Extractor harvests text hypotheses from rectified card crops. Invoked only
// while the card is stable.
type Extractor struct {
	cfg    config.ExtractionConfig
	rois   []roiEntry
	text   types.TextExtractor
	window *Window
	now    func() time.Time

	// Crop cache: reused while the homography has not moved materially.
	// Re-slicing is cheap next to extraction, but skipping it keeps the
	// medium tick's critical path short.
	lastHomography types.Homography
	haveCrops      bool
	cachedCrops    map[string]types.Image

	readings   uint64
	accepted   uint64
	failures   uint64
	cacheHits  uint64
}

// New creates an extractor over the active ROI set. ROIs are processed in
// deterministic name order.
func New(cfg config.ExtractionConfig, rois config.ROIsConfig, windowAge time.Duration, text types.TextExtractor) *Extractor {
	active := make([]string, len(rois.ActiveROIs))
	copy(active, rois.ActiveROIs)
	sort.Strings(active)

	entries := make([]roiEntry, 0, len(active))
	for _, name := range active {
		entries = append(entries, roiEntry{name: name, def: rois.Definitions[name]})
	}

	return &Extractor{
		cfg:         cfg,
		rois:        entries,
		text:        text,
		window:      NewWindow(windowAge, cfg.MaxHypothesesPerField, cfg.SmoothingAlpha),
		now:         time.Now,
		cachedCrops: make(map[string]types.Image),
	}
}

// SetNow overrides the clock, for deterministic tests.
func (e *Extractor) SetNow(now func() time.Time) {
	e.now = now
}

// Window exposes the hypothesis window the extractor feeds.
func (e *Extractor) Window() *Window {
	return e.window
}

// Reset clears the window and crop cache for a fresh pipeline start.
func (e *Extractor) Reset() {
	e.window.Reset()
	e.haveCrops = false
	e.cachedCrops = make(map[string]types.Image)
}

// Extract runs one medium-loop tick over a rectified crop: slice (or reuse)
// ROI crops, harvest readings per variant, merge accepted hypotheses, then
// drop anything older than the fusion window. Returns a snapshot of the
// updated window.
//
// A failed extraction call for one ROI/variant is logged and skipped; it
// never aborts the remaining ROIs. ctx cancellation is checked before every
// merge so an in-flight call after Stop() contributes nothing.
func (e *Extractor) Extract(ctx context.Context, rectified types.Image, pose types.FramePose) map[string][]types.TextHypothesis {
	if rectified.Empty() {
		return e.window.Snapshot()
	}

	crops := e.sliceROIs(rectified, pose)

	for _, roi := range e.rois {
		crop, ok := crops[roi.name]
		if !ok || crop.Empty() {
			continue
		}

		variants := append([]string{rawVariant}, roi.def.Variants...)
		for _, variant := range variants {
			if ctx.Err() != nil {
				return e.window.Snapshot()
			}

			atomic.AddUint64(&e.readings, 1)
			reading, err := e.text.Recognize(ctx, crop, variant)
			if err != nil {
				atomic.AddUint64(&e.failures, 1)
				slog.Debug("text extraction failed, skipping",
					"field", roi.name,
					"variant", variant,
					"error", err,
				)
				continue
			}

			text := strings.TrimSpace(reading.Text)
			if text == "" || reading.Confidence <= e.cfg.AcceptanceFloor {
				continue
			}

			// Re-check cancellation before any state mutation
			if ctx.Err() != nil {
				return e.window.Snapshot()
			}

			atomic.AddUint64(&e.accepted, 1)
			e.window.Merge(types.TextHypothesis{
				Field:      roi.name,
				Text:       text,
				Confidence: reading.Confidence,
				Variant:    variant,
				Timestamp:  e.now(),
			})
		}
	}

	e.window.Cleanup(e.now())
	return e.window.Snapshot()
}

// sliceROIs crops every active ROI out of the rectified image, reusing the
// previous crops when the homography has not moved materially. Extraction
// cost, not slicing cost, dominates, so the cache is an optimization for the
// tick latency only.
func (e *Extractor) sliceROIs(rectified types.Image, pose types.FramePose) map[string]types.Image {
	if e.haveCrops && pose.Homography.MaxCellDelta(e.lastHomography) < e.cfg.CropReuseDelta {
		atomic.AddUint64(&e.cacheHits, 1)
		return e.cachedCrops
	}

	crops := make(map[string]types.Image, len(e.rois))
	for _, roi := range e.rois {
		crop := cropRegion(rectified, roi.def.Rect)
		if crop.Empty() {
			continue
		}
		crops[roi.name] = upscale(crop, e.cfg.UpscaleFactor)
	}

	e.lastHomography = pose.Homography
	e.cachedCrops = crops
	e.haveCrops = true
	return crops
}

// Stats returns extractor counters for health reporting.
func (e *Extractor) Stats() Stats {
	return Stats{
		Readings:  atomic.LoadUint64(&e.readings),
		Accepted:  atomic.LoadUint64(&e.accepted),
		Failures:  atomic.LoadUint64(&e.failures),
		CacheHits: atomic.LoadUint64(&e.cacheHits),
	}
}

// Stats contains extractor counters.
type Stats struct {
	Readings  uint64
	Accepted  uint64
	Failures  uint64
	CacheHits uint64
}
