package cmd

import (
	"context"

	applog "denoiser/internal/log"
	"denoiser/internal/model"
	"denoiser/internal/serving"
	"denoiser/internal/storage"

	"github.com/spf13/cobra"
)

func newServeModelCommand(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve-model",
		Short: "Host the stored fold ensemble behind the transform-service contract",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("addr") {
				cfg.Host.Addr = addr
			}

			ctx, cancel := signalContext()
			defer cancel()

			store, err := storage.New(ctx, cfg.Storage)
			if err != nil {
				return err
			}
			load := func(ctx context.Context) (*model.Ensemble, error) {
				return loadStoredEnsemble(ctx, cfg, store)
			}
			host, err := serving.NewHost(ctx, cfg.Host, cfg.Transform.Model, cfg.Signal.WindowSize, load)
			if err != nil {
				return err
			}

			if local, ok := store.(*storage.LocalStore); ok && cfg.Host.Watch {
				go func() {
					if err := host.Watch(ctx, local.Dir()); err != nil {
						applog.Errorf("Transform host: checkpoint watch stopped: %v", err)
					}
				}()
			}
			return runUntilDone(ctx, host.Start, host.Shutdown)
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (default from config, :8501)")
	return cmd
}
