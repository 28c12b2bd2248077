// Package transport streams training telemetry to observers: the log, a
// WebSocket broadcast server and a UDP frame publisher.
package transport

import (
	"time"

	"github.com/hashicorp/go-multierror"
)

// Transport defines a generic interface for sending training events.
// Implementations should be thread-safe.
type Transport interface {
	Send(event any) error
	Close() error
}

// Event type tags, carried in the JSON "type" field.
const (
	TypeEpoch = "epoch"
	TypeFold  = "fold"
)

// EpochEvent is emitted after every training epoch.
type EpochEvent struct {
	Type         string    `json:"type"`
	Fold         int       `json:"fold"` // 1-based
	Epoch        int       `json:"epoch"`
	TrainLoss    float64   `json:"train_loss"`
	ValLoss      float64   `json:"val_loss"`
	LearningRate float64   `json:"learning_rate"`
	Improved     bool      `json:"improved"`
	Time         time.Time `json:"time"`
}

// FoldEvent is emitted when a fold finishes.
type FoldEvent struct {
	Type      string    `json:"type"`
	Fold      int       `json:"fold"` // 1-based
	Epochs    int       `json:"epochs"`
	BestEpoch int       `json:"best_epoch"`
	ValLoss   float64   `json:"val_loss"`
	Stop      string    `json:"stop"`
	Diverged  bool      `json:"diverged"`
	Time      time.Time `json:"time"`
}

// Fanout sends every event to each of its transports.
type Fanout []Transport

// Send delivers event everywhere and reports every failure.
func (f Fanout) Send(event any) error {
	var errs *multierror.Error
	for _, t := range f {
		if err := t.Send(event); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Close closes every transport, continuing past failures.
func (f Fanout) Close() error {
	var errs *multierror.Error
	for _, t := range f {
		if err := t.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

var _ Transport = Fanout(nil)
