package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/drivermgr/internal/api"
	"github.com/breeze-rmm/drivermgr/internal/device"
	"github.com/breeze-rmm/drivermgr/internal/logging"
)

var (
	rescanEvery  time.Duration
	watchHotplug bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the driver manager over HTTP and a websocket event stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		if _, err := a.orch.Rescan(ctx); err != nil {
			log.Warn("initial scan failed", logging.KeyError, err)
		}
		if rescanEvery > 0 {
			go rescanLoop(ctx, a, rescanEvery)
		}
		if watchHotplug && a.cfg.DeviceCatalog == "" {
			startHotplug(ctx, a)
		}

		server := &http.Server{
			Addr:              a.cfg.ListenAddr,
			Handler:           api.New(a.orch, a.journal, a.health, api.WithAuthToken(a.cfg.APIToken)).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		log.Info("listening", "addr", a.cfg.ListenAddr)
		return api.Run(ctx, server)
	},
}

func init() {
	serveCmd.Flags().DurationVar(&rescanEvery, "rescan-every", 0, "rescan devices on this interval (0 disables)")
	serveCmd.Flags().BoolVar(&watchHotplug, "watch-hotplug", true, "rescan when the kernel reports a PCI or USB device change")
}

func rescanLoop(ctx context.Context, a *app, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.orch.Rescan(ctx); err != nil && ctx.Err() == nil {
				log.Warn("periodic scan failed", logging.KeyError, err)
			}
		}
	}
}

func startHotplug(ctx context.Context, a *app) {
	events, err := device.OpenUevents(ctx)
	if err != nil {
		log.Warn("hotplug events unavailable, use --rescan-every", logging.KeyError, err)
		return
	}
	go device.Debounce(ctx, events, time.Second, func() {
		if _, err := a.orch.Rescan(ctx); err != nil && ctx.Err() == nil {
			log.Warn("hotplug scan failed", logging.KeyError, err)
		}
	})
}
