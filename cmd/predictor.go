package cmd

import (
	"context"

	"denoiser/internal/config"
	applog "denoiser/internal/log"
	"denoiser/internal/model"
	"denoiser/internal/pcm"
	"denoiser/internal/reconstruct"
	"denoiser/internal/serving"
	"denoiser/internal/storage"
)

// newReconstructor builds the inference path from config: the remote
// transform service, or the stored ensemble when transform.local is set.
func newReconstructor(ctx context.Context, cfg *config.Config) (*reconstruct.Reconstructor, error) {
	scaler, err := pcm.NewScaler(cfg.Signal.BitDepth)
	if err != nil {
		return nil, err
	}

	var p model.Predictor
	if cfg.Transform.Local {
		store, err := storage.New(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		e, err := loadStoredEnsemble(ctx, cfg, store)
		if err != nil {
			return nil, err
		}
		applog.Infof("Transform: in-process ensemble of %d folds from %s storage", e.Size(), store.Type())
		p = e
	} else {
		c, err := serving.NewClient(cfg.Transform)
		if err != nil {
			return nil, err
		}
		applog.Infof("Transform: remote %s", c.URL())
		p = c
	}
	return reconstruct.New(scaler, cfg.Signal.WindowSize, p)
}

func modelFactory(cfg *config.Config) model.Factory {
	return model.NewFactory(model.Config{
		Layers:    cfg.Layers(),
		BatchSize: cfg.Training.BatchSize,
		Seed:      cfg.Training.Seed,
	})
}

// loadStoredEnsemble loads the ensemble published by the last completed
// training run.
func loadStoredEnsemble(ctx context.Context, cfg *config.Config, store serving.CheckpointReader) (*model.Ensemble, error) {
	return serving.LoadEnsemble(ctx, store, modelFactory(cfg))
}
