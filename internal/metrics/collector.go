package metrics

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
	"voxscribe/pkg/logger"

	"go.uber.org/zap"
)

// Operation names recorded by the pipeline
const (
	OpVoiceProcessing   = "voice_processing"
	OpDownload          = "download"
	OpAudioConversion   = "audio_conversion"
	OpAudioSplitting    = "audio_splitting"
	OpSpeechRecognition = "speech_recognition"
	OpReply             = "reply"
)

// Operation is the cumulative record of one named operation
type Operation struct {
	TotalTime float64 `json:"total_time"`
	Count     int64   `json:"count"`
	Failures  int64   `json:"failures"`
}

// Snapshot is the persisted metrics document
type Snapshot struct {
	TotalMessagesProcessed int64                 `json:"total_messages_processed"`
	Operations             map[string]*Operation `json:"operations"`
	UpdatedAt              time.Time             `json:"updated_at"`
}

func newSnapshot() *Snapshot {
	return &Snapshot{Operations: make(map[string]*Operation)}
}

func (s *Snapshot) clone() *Snapshot {
	out := &Snapshot{
		TotalMessagesProcessed: s.TotalMessagesProcessed,
		Operations:             make(map[string]*Operation, len(s.Operations)),
		UpdatedAt:              s.UpdatedAt,
	}
	for name, op := range s.Operations {
		cp := *op
		out.Operations[name] = &cp
	}
	return out
}

// Summary is the per-operation view logged on restart and shutdown
type Summary struct {
	AverageTime     float64 `json:"average_time"`
	TotalOperations int64   `json:"total_operations"`
	Failures        int64   `json:"failures"`
}

// Collector aggregates operation timings and persists them after every
// update. It is safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	current *Snapshot
	store   Store
	mirrors []Store
}

// NewCollector loads the previous snapshot from store. A missing or
// unreadable snapshot starts fresh.
func NewCollector(store Store, mirrors ...Store) *Collector {
	snap, err := store.Load()
	if err != nil {
		logger.Warn("Failed to load metrics snapshot, starting fresh", zap.Error(err))
		snap = nil
	}
	if snap == nil {
		snap = newSnapshot()
	}
	if snap.Operations == nil {
		snap.Operations = make(map[string]*Operation)
	}

	return &Collector{
		current: snap,
		store:   store,
		mirrors: mirrors,
	}
}

// Record adds one invocation of op and synchronously persists the snapshot
func (c *Collector) Record(op string, d time.Duration, success bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.current.Operations[op]
	if !ok {
		rec = &Operation{}
		c.current.Operations[op] = rec
	}

	rec.TotalTime += d.Seconds()
	rec.Count++
	if !success {
		rec.Failures++
	}

	if op == OpVoiceProcessing {
		c.current.TotalMessagesProcessed++
	}
	c.current.UpdatedAt = time.Now()

	if err := c.store.Save(c.current); err != nil {
		return fmt.Errorf("failed to persist metrics: %w", err)
	}

	for _, m := range c.mirrors {
		if err := m.Save(c.current); err != nil {
			logger.Warn("Failed to mirror metrics snapshot", zap.Error(err))
		}
	}

	return nil
}

// Observe records op and logs a persistence failure instead of returning it
func (c *Collector) Observe(op string, started time.Time, err error) {
	if recErr := c.Record(op, time.Since(started), err == nil); recErr != nil {
		logger.Error("Failed to record metrics",
			zap.String("operation", op),
			zap.Error(recErr))
	}
}

// Summary returns the average duration and count per operation
func (c *Collector) Summary() map[string]Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	return summarize(c.current)
}

// Snapshot returns a copy of the current metrics
func (c *Collector) Snapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current.clone()
}

// LogSummary writes the summary to the log with reason as context
func (c *Collector) LogSummary(reason string) {
	snap := c.Snapshot()
	summary := summarize(snap)

	names := make([]string, 0, len(summary))
	for name := range summary {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := []zap.Field{
		zap.String("reason", reason),
		zap.Int64("total_messages_processed", snap.TotalMessagesProcessed),
	}
	for _, name := range names {
		fields = append(fields, zap.Any(name, summary[name]))
	}

	logger.Info("Metrics summary", fields...)
}

func summarize(snap *Snapshot) map[string]Summary {
	out := make(map[string]Summary, len(snap.Operations))
	for name, op := range snap.Operations {
		if op.Count == 0 {
			continue
		}
		out[name] = Summary{
			AverageTime:     math.Round(op.TotalTime/float64(op.Count)*100) / 100,
			TotalOperations: op.Count,
			Failures:        op.Failures,
		}
	}
	return out
}
