package model

import (
	"sync"

	"github.com/rs/zerolog"
)

// BatchSummary describes one completed training batch.
type BatchSummary struct {
	Epoch int
	Batch int
	Size  int
	Loss  float64
}

// EpochSummary describes one completed Fit epoch. Validation fields are only
// meaningful when HasValidation is set.
type EpochSummary struct {
	Epoch        int
	TrainBatches int
	TrainLoss    float64

	HasValidation      bool
	ValidBatches       int
	ValidLoss          float64
	ValidationAccuracy float64
}

// Reporter receives progress from Fit.
type Reporter interface {
	OnBatchEnd(BatchSummary)
	OnEpochEnd(EpochSummary)
}

// LogReporter writes one info event per epoch, and one debug event per batch
// when Batches is set.
type LogReporter struct {
	Logger  zerolog.Logger
	Batches bool
}

func (r *LogReporter) OnBatchEnd(b BatchSummary) {
	if !r.Batches {
		return
	}
	r.Logger.Debug().
		Int("epoch", b.Epoch).
		Int("batch", b.Batch).
		Float64("loss", b.Loss).
		Msg("batch")
}

func (r *LogReporter) OnEpochEnd(e EpochSummary) {
	ev := r.Logger.Info().
		Int("epoch", e.Epoch).
		Int("batches", e.TrainBatches).
		Float64("train_loss", e.TrainLoss)
	if e.HasValidation {
		ev = ev.Float64("valid_loss", e.ValidLoss).
			Float64("valid_accuracy", e.ValidationAccuracy)
	}
	ev.Msg("Epoch finished")
}

// HistoryReporter records every summary in memory.
type HistoryReporter struct {
	mu      sync.Mutex
	Batches []BatchSummary
	Epochs  []EpochSummary
}

func (h *HistoryReporter) OnBatchEnd(b BatchSummary) {
	h.mu.Lock()
	h.Batches = append(h.Batches, b)
	h.mu.Unlock()
}

func (h *HistoryReporter) OnEpochEnd(e EpochSummary) {
	h.mu.Lock()
	h.Epochs = append(h.Epochs, e)
	h.mu.Unlock()
}

// TrainLosses returns the mean training loss of every recorded epoch.
func (h *HistoryReporter) TrainLosses() []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]float64, len(h.Epochs))
	for i, e := range h.Epochs {
		out[i] = e.TrainLoss
	}
	return out
}

// MultiReporter fans progress out to several reporters.
type MultiReporter []Reporter

func (m MultiReporter) OnBatchEnd(b BatchSummary) {
	for _, r := range m {
		r.OnBatchEnd(b)
	}
}

func (m MultiReporter) OnEpochEnd(e EpochSummary) {
	for _, r := range m {
		r.OnEpochEnd(e)
	}
}
