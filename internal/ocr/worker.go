// Package ocr runs an external text-recognition process and exposes it as
// the pipeline's text-extraction collaborator.
//
// The child process speaks a msgpack stream protocol: requests go down
// stdin, responses come back up stdout, and stderr lines are relayed into
// the service log. One request carries one GRAY8 region and the name of the
// preprocessing variant the child should apply before recognition.
package ocr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/haidar-ali/card-scanner/internal/config"
	"github.com/haidar-ali/card-scanner/internal/types"
)

var (
	ErrWorkerNotRunning = errors.New("ocr: worker not running")
	ErrWorkerClosed     = errors.New("ocr: worker closed while request in flight")
)

const stopTimeout = 2 * time.Second

type request struct {
	ID      uint64 `msgpack:"id"`
	Width   int    `msgpack:"width"`
	Height  int    `msgpack:"height"`
	Variant string `msgpack:"variant"`
	Data    []byte `msgpack:"data"`
}

type response struct {
	ID         uint64  `msgpack:"id"`
	Text       string  `msgpack:"text"`
	Confidence float64 `msgpack:"confidence"`
	Error      string  `msgpack:"error"`
}

// Metrics contains worker health counters.
type Metrics struct {
	Recognitions uint64    `json:"recognitions"`
	Failures     uint64    `json:"failures"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// Worker manages the recognition subprocess. Implements types.TextExtractor.
type Worker struct {
	cfg config.OCRConfig

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex // serializes request encoding on the child's stdin
	enc     *msgpack.Encoder
	pending map[uint64]chan response
	active  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	seq            uint64
	recognitions   uint64
	failures       uint64
	totalLatencyMS uint64
	lastSeenNano   int64
}

// NewWorker creates a stopped worker.
func NewWorker(cfg config.OCRConfig) (*Worker, error) {
	if cfg.WorkerCmd == "" {
		return nil, fmt.Errorf("ocr: worker_cmd is required")
	}
	return &Worker{
		cfg:     cfg,
		pending: make(map[uint64]chan response),
	}, nil
}

// Start spawns the subprocess and the reader goroutines.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active {
		return fmt.Errorf("ocr: worker already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, w.cfg.WorkerCmd, w.cfg.WorkerArgs...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("ocr: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("ocr: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("ocr: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("ocr: failed to start worker process: %w", err)
	}

	w.cmd = cmd
	w.stdin = stdin
	w.enc = msgpack.NewEncoder(stdin)
	w.cancel = cancel
	w.active = true

	w.wg.Add(3)
	go w.readResponses(stdout)
	go w.relayStderr(stderr)
	go w.waitProcess(ctx)

	slog.Info("ocr worker started",
		"cmd", w.cfg.WorkerCmd,
		"args", w.cfg.WorkerArgs,
	)
	return nil
}

// Stop terminates the subprocess and fails any in-flight requests.
// Idempotent.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.active {
		w.mu.Unlock()
		return nil
	}
	w.active = false
	cancel := w.cancel
	stdin := w.stdin
	cmd := w.cmd
	w.mu.Unlock()

	// Closing stdin signals the child to exit gracefully
	_ = stdin.Close()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		slog.Warn("ocr worker did not exit in time, killing")
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
	}

	cancel()
	w.failPending(ErrWorkerClosed)

	slog.Info("ocr worker stopped")
	return nil
}

// Recognize implements types.TextExtractor. The call blocks until the child
// responds or ctx is cancelled; it is the pipeline's one suspension point.
func (w *Worker) Recognize(ctx context.Context, region types.Image, variant string) (types.TextReading, error) {
	w.mu.Lock()
	if !w.active {
		w.mu.Unlock()
		return types.TextReading{}, ErrWorkerNotRunning
	}

	id := atomic.AddUint64(&w.seq, 1)
	ch := make(chan response, 1)
	w.pending[id] = ch
	w.mu.Unlock()

	// Requests must not interleave on the child's stdin
	w.writeMu.Lock()
	err := w.enc.Encode(request{
		ID:      id,
		Width:   region.Width,
		Height:  region.Height,
		Variant: variant,
		Data:    region.Data,
	})
	w.writeMu.Unlock()

	if err != nil {
		w.forget(id)
		atomic.AddUint64(&w.failures, 1)
		return types.TextReading{}, fmt.Errorf("ocr: failed to send request: %w", err)
	}

	start := time.Now()
	select {
	case <-ctx.Done():
		w.forget(id)
		return types.TextReading{}, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return types.TextReading{}, ErrWorkerClosed
		}
		if resp.Error != "" {
			atomic.AddUint64(&w.failures, 1)
			return types.TextReading{}, fmt.Errorf("ocr: worker reported: %s", resp.Error)
		}
		atomic.AddUint64(&w.recognitions, 1)
		atomic.AddUint64(&w.totalLatencyMS, uint64(time.Since(start).Milliseconds()))
		atomic.StoreInt64(&w.lastSeenNano, time.Now().UnixNano())
		return types.TextReading{Text: resp.Text, Confidence: resp.Confidence}, nil
	}
}

// Metrics returns worker health counters.
func (w *Worker) Metrics() Metrics {
	recs := atomic.LoadUint64(&w.recognitions)
	m := Metrics{
		Recognitions: recs,
		Failures:     atomic.LoadUint64(&w.failures),
	}
	if recs > 0 {
		m.AvgLatencyMS = float64(atomic.LoadUint64(&w.totalLatencyMS)) / float64(recs)
	}
	if nano := atomic.LoadInt64(&w.lastSeenNano); nano > 0 {
		m.LastSeenAt = time.Unix(0, nano)
	}
	return m
}

func (w *Worker) readResponses(stdout io.Reader) {
	defer w.wg.Done()

	dec := msgpack.NewDecoder(stdout)
	for {
		var resp response
		if err := dec.Decode(&resp); err != nil {
			if err != io.EOF {
				slog.Debug("ocr response stream ended", "error", err)
			}
			w.failPending(ErrWorkerClosed)
			return
		}

		w.mu.Lock()
		ch, ok := w.pending[resp.ID]
		if ok {
			delete(w.pending, resp.ID)
		}
		w.mu.Unlock()

		if !ok {
			// Cancelled or unknown request id
			slog.Debug("ocr response for forgotten request", "id", resp.ID)
			continue
		}
		ch <- resp
	}
}

// relayStderr maps the child's log lines into slog levels.
func (w *Worker) relayStderr(stderr io.Reader) {
	defer w.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			slog.Error("ocr worker", "line", line)
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			slog.Warn("ocr worker", "line", line)
		default:
			slog.Debug("ocr worker", "line", line)
		}
	}
}

func (w *Worker) waitProcess(ctx context.Context) {
	defer w.wg.Done()

	err := w.cmd.Wait()
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("ocr worker exited during shutdown", "error", err)
		} else {
			slog.Error("ocr worker exited unexpectedly", "error", err)
		}
	}
}

func (w *Worker) forget(id uint64) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

func (w *Worker) failPending(err error) {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[uint64]chan response)
	w.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if len(pending) > 0 {
		slog.Debug("ocr pending requests failed", "count", len(pending), "reason", err)
	}
}
