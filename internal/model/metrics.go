package model

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TrainBatches counts optimizer steps taken by Step and Fit
	TrainBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_train_batches_total",
		Help: "Total number of training batches processed",
	})

	// TrainEpochs counts completed Fit epochs
	TrainEpochs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_train_epochs_total",
		Help: "Total number of training epochs completed",
	})

	// TrainLoss is the mean batch loss of the last epoch
	TrainLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quiver_train_loss",
		Help: "Mean training loss of the most recent epoch",
	})

	ValidationLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quiver_validation_loss",
		Help: "Mean validation loss of the most recent epoch",
	})

	ValidationAccuracy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quiver_validation_accuracy",
		Help: "Validation accuracy of the most recent epoch",
	})

	// LayerDuration tracks time spent in each layer per pass
	LayerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quiver_layer_duration_seconds",
		Help:    "Time spent in model layers",
		Buckets: []float64{0.00001, 0.000025, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}, []string{"layer_type", "pass"})
)
