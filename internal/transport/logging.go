package transport

import (
	applog "denoiser/internal/log"
)

// LoggingTransport implements the Transport interface by logging events.
// Epochs log at debug level, fold summaries at info.
type LoggingTransport struct{}

// NewLoggingTransport creates a new LoggingTransport instance.
func NewLoggingTransport() *LoggingTransport {
	applog.Debugf("Transport: Using LoggingTransport")
	return &LoggingTransport{}
}

// Send logs the received event.
func (lt *LoggingTransport) Send(event any) error {
	switch e := event.(type) {
	case EpochEvent:
		mark := ""
		if e.Improved {
			mark = " *"
		}
		applog.Debugf("Fold %d epoch %d: loss=%.6g val_loss=%.6g lr=%.3g%s",
			e.Fold, e.Epoch, e.TrainLoss, e.ValLoss, e.LearningRate, mark)
	case FoldEvent:
		if e.Diverged {
			applog.Warnf("Fold %d diverged after %d epochs", e.Fold, e.Epochs)
			return nil
		}
		applog.Infof("Fold %d finished (%s): best epoch %d of %d, val_loss=%.6g",
			e.Fold, e.Stop, e.BestEpoch, e.Epochs, e.ValLoss)
	default:
		applog.Debugf("Transport: event %T: %+v", event, event)
	}
	return nil // Logging transport never fails to "send"
}

// Close is a no-op for LoggingTransport.
func (lt *LoggingTransport) Close() error {
	return nil
}

// Ensure LoggingTransport satisfies the interface at compile time.
var _ Transport = (*LoggingTransport)(nil)
