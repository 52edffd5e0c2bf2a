package model

import (
	"context"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-quiver/internal/dataset"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// FitConfig controls a training run.
type FitConfig struct {
	MaxIter   int
	BatchSize int

	// Shuffle is accepted for compatibility. Batches are always drawn in
	// row order.
	Shuffle bool

	// ValidationSplit holds out the trailing fraction of rows for
	// validation. When it is zero ValidationData is used instead.
	ValidationSplit float64
	ValidationData  *dataset.Dataset
}

func DefaultFitConfig() FitConfig {
	return FitConfig{
		MaxIter:   100,
		BatchSize: 64,
		Shuffle:   true,
	}
}

func (c FitConfig) validate() error {
	if c.MaxIter < 1 {
		return fmt.Errorf("%w: max iterations %d", ErrInvalidConfig, c.MaxIter)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: batch size %d", ErrInvalidConfig, c.BatchSize)
	}
	if c.ValidationSplit < 0 || c.ValidationSplit >= 1 || math.IsNaN(c.ValidationSplit) {
		return fmt.Errorf("%w: validation split %g", ErrInvalidConfig, c.ValidationSplit)
	}
	return nil
}

// splitValidation partitions x and y into training and validation views.
// The returned validation set is nil when there is nothing to validate on.
func splitValidation(x, y *mat.Dense, cfg FitConfig) (*dataset.Dataset, *dataset.Dataset, error) {
	all, err := dataset.New(x, y)
	if err != nil {
		return nil, nil, err
	}
	n := all.Len()

	if cfg.ValidationSplit > 0 {
		split := int(math.Floor(float64(n) * cfg.ValidationSplit))
		if split == 0 {
			return all, nil, nil
		}
		return all.Slice(0, n-split), all.Slice(n-split, n), nil
	}
	if cfg.ValidationData != nil {
		if err := tensor.CheckRows(cfg.ValidationData.X, cfg.ValidationData.Y); err != nil {
			return nil, nil, fmt.Errorf("validation data: %w", err)
		}
		return all, cfg.ValidationData, nil
	}
	return all, nil, nil
}

// Fit trains for cfg.MaxIter epochs over complete batches of x and y. A
// trailing partial batch is skipped. Progress goes to the model's Reporter.
func (m *Model) Fit(x, y *mat.Dense, cfg FitConfig) error {
	if !m.compiled {
		return ErrNotCompiled
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	train, valid, err := splitValidation(x, y, cfg)
	if err != nil {
		return fmt.Errorf("fit: %w", err)
	}

	batches := train.Len() / cfg.BatchSize
	ctx, span := tracer.Start(context.Background(), "Model.Fit")
	defer span.End()
	span.SetAttributes(
		attribute.Int("epochs", cfg.MaxIter),
		attribute.Int("batch_size", cfg.BatchSize),
		attribute.Int("train_rows", train.Len()),
		attribute.Bool("validation", valid != nil),
	)

	m.logger.Info().
		Int("train_rows", train.Len()).
		Int("batches", batches).
		Int("epochs", cfg.MaxIter).
		Str("loss", m.loss.Name()).
		Str("optimizer", m.optimizer.Name()).
		Msg("Training started")
	if batches == 0 {
		m.logger.Warn().Int("rows", train.Len()).Int("batch_size", cfg.BatchSize).
			Msg("Fewer rows than one batch, no updates will run")
	}

	for epoch := 1; epoch <= cfg.MaxIter; epoch++ {
		if err := m.runEpoch(ctx, epoch, train, valid, cfg.BatchSize, batches); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	return nil
}

func (m *Model) runEpoch(ctx context.Context, epoch int, train, valid *dataset.Dataset, bs, batches int) error {
	_, span := tracer.Start(ctx, "epoch", trace.WithAttributes(attribute.Int("epoch", epoch)))
	defer span.End()

	losses := make([]float64, 0, batches)
	for b := 0; b < batches; b++ {
		batch := train.Slice(b*bs, (b+1)*bs)
		l, err := m.step(batch.X, batch.Y)
		if err != nil {
			return fmt.Errorf("epoch %d batch %d: %w", epoch, b, err)
		}
		losses = append(losses, l)
		m.reporter.OnBatchEnd(BatchSummary{Epoch: epoch, Batch: b, Size: bs, Loss: l})
	}

	summary := EpochSummary{Epoch: epoch, TrainBatches: batches}
	if batches > 0 {
		summary.TrainLoss = stat.Mean(losses, nil)
		TrainLoss.Set(summary.TrainLoss)
	}
	if valid != nil {
		if err := m.validate(valid, bs, &summary); err != nil {
			return fmt.Errorf("epoch %d validation: %w", epoch, err)
		}
	}

	span.SetAttributes(attribute.Float64("train_loss", summary.TrainLoss))
	TrainEpochs.Inc()
	m.reporter.OnEpochEnd(summary)
	return nil
}

// validate runs forward-only passes over complete validation batches.
func (m *Model) validate(valid *dataset.Dataset, bs int, s *EpochSummary) error {
	s.HasValidation = true
	batches := valid.Len() / bs
	s.ValidBatches = batches
	if batches == 0 {
		return nil
	}

	rows := batches * bs
	var preds *mat.Dense
	losses := make([]float64, 0, batches)
	for b := 0; b < batches; b++ {
		batch := valid.Slice(b*bs, (b+1)*bs)
		out, err := m.Predict(batch.X)
		if err != nil {
			return err
		}
		l, err := m.loss.Forward(out, batch.Y)
		if err != nil {
			return fmt.Errorf("loss forward: %w", err)
		}
		losses = append(losses, l)

		if preds == nil {
			_, c := out.Dims()
			preds = mat.NewDense(rows, c, nil)
		}
		preds.Slice(b*bs, (b+1)*bs, 0, preds.RawMatrix().Cols).(*mat.Dense).Copy(out)
	}

	acc, err := ClassAccuracy(preds, tensor.Rows(valid.Y, 0, rows))
	if err != nil {
		return err
	}
	s.ValidLoss = stat.Mean(losses, nil)
	s.ValidationAccuracy = acc
	ValidationLoss.Set(s.ValidLoss)
	ValidationAccuracy.Set(acc)
	return nil
}
