package cmd

import (
	"context"
	"time"

	"denoiser/internal/server"

	"github.com/spf13/cobra"
)

// shutdownTimeout bounds how long in-flight requests get on exit.
const shutdownTimeout = 10 * time.Second

func newServeCommand(a *app) *cobra.Command {
	var (
		addr  string
		local bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the public POST /audio denoising endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("local") {
				cfg.Transform.Local = local
			}

			ctx, cancel := signalContext()
			defer cancel()

			rec, err := newReconstructor(ctx, cfg)
			if err != nil {
				return err
			}
			srv := server.New(cfg.Server, cfg.Signal.SampleRate, rec)
			return runUntilDone(ctx, srv.Start, srv.Shutdown)
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (default from config, :5000)")
	cmd.Flags().BoolVar(&local, "local", false, "Load fold checkpoints in-process instead of calling the transform service")
	return cmd
}

// runUntilDone runs start until it fails or ctx is cancelled, then calls
// shutdown with a bounded context.
func runUntilDone(ctx context.Context, start func() error, shutdown func(context.Context) error) error {
	errc := make(chan error, 1)
	go func() { errc <- start() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdown(sctx); err != nil {
		return err
	}
	return <-errc
}
