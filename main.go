package main

import (
	"os"

	"denoiser/cmd"
	applog "denoiser/internal/log"
	"denoiser/pkg/build"
)

func main() {
	// Development builds carry no ldflags; the defaults are fine.
	if err := build.Initialize(); err != nil {
		applog.Debugf("build info: %v", err)
	}

	if err := cmd.Execute(); err != nil {
		applog.Errorf("%v", err)
		os.Exit(1)
	}
}
