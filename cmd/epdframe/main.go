package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"periph.io/x/conn/v3"

	"epdframe/internal/battery"
	"epdframe/internal/config"
	"epdframe/internal/convert"
	"epdframe/internal/epd"
	"epdframe/internal/epd/epdsim"
	"epdframe/internal/frame"
	"epdframe/internal/hw"
	appLog "epdframe/internal/log"
	"epdframe/internal/schedule"
	"epdframe/internal/source"
	"epdframe/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	renderOnly bool
	simulate   bool
	dump       bool
	debug      bool
}

func main() {
	os.Exit(run())
}

func run() int {
	flags := parseFlags()
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}
	appLog.Info("epdframe starting", "version", "0.1.0")

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		return 1
	}
	if !flags.debug {
		appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	dumpDir := conf.DumpDir
	if flags.dump && dumpDir == "" {
		dumpDir = "/var/lib/epdframe"
		if flags.debug {
			dumpDir = "./cache"
		}
	}

	model, err := conf.Model()
	if err != nil {
		appLog.Error("invalid panel config", err)
		return 1
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"refresh", conf.RefreshCron,
		"panel", model.Name,
		"geometry", model.Geometry,
		"source", conf.Source.Kind,
		"spi", conf.SPI.Port,
		"power_off_between_refreshes", conf.PowerOffBetweenRefreshes,
		"busy_retries", conf.BusyRetries,
		"once", flags.once,
		"render_only", flags.renderOnly,
		"simulate", flags.simulate,
		"dump_dir", dumpDir,
	)

	bus, pins, closeBus, err := openPanel(conf, model, flags.renderOnly || flags.simulate)
	if err != nil {
		appLog.Error("failed to open panel hardware", err)
		return 1
	}
	defer closeBus()

	panel, err := epd.New(bus, pins, model)
	if err != nil {
		appLog.Error("failed to create driver", err)
		return 1
	}

	src, err := source.New(conf.Source)
	if err != nil {
		appLog.Error("invalid source config", err)
		return 1
	}

	svc, err := frame.New(panel, src, frame.Options{
		Convert: convert.Options{
			Rotate: conf.Source.Rotate,
			Fit:    conf.Source.Fit,
			Dither: conf.Source.Dither,
		},
		BusyRetries: conf.BusyRetries,
		PowerOff:    conf.PowerOffBetweenRefreshes,
		DumpDir:     dumpDir,
		RenderOnly:  flags.renderOnly,
	})
	if err != nil {
		appLog.Error("failed to create refresh service", err)
		return 1
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := 0
	if flags.once {
		if _, err := svc.Refresh(ctx); err != nil {
			code = 1
		}
	} else {
		code = serve(ctx, conf, svc)
	}

	// Always leave the panel in deep sleep; a signal may already have
	// cancelled ctx.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		appLog.Error("panel power off failed", err)
		code = 1
	}
	appLog.Info("epdframe exiting", "code", code)
	return code
}

// serve runs the scheduler and the web server until ctx is cancelled.
func serve(ctx context.Context, conf *config.Config, svc *frame.Service) int {
	var webOpts []web.Option
	if conf.Battery.Enabled {
		r, bus, err := battery.Open(conf.Battery.Bus, uint16(conf.Battery.Addr))
		if err != nil {
			// The frame works without it; only /api/battery is lost.
			appLog.Error("battery monitor unavailable", err, "bus", conf.Battery.Bus)
		} else {
			defer bus.Close()
			webOpts = append(webOpts, web.WithBattery(r))
		}
	}

	sched, err := schedule.Start(ctx, conf.RefreshCron, func(ctx context.Context) {
		_, _ = svc.Refresh(ctx)
	})
	if err != nil {
		appLog.Error("failed to start scheduler", err, "cron", conf.RefreshCron)
		return 1
	}
	defer sched.Stop()

	// Show something right away instead of waiting for the first tick.
	go func() { _, _ = svc.Refresh(ctx) }()

	if err := web.StartServer(ctx, conf, svc, webOpts...); err != nil && !errors.Is(err, context.Canceled) {
		appLog.Error("HTTP server failed", err, "listen", conf.Listen)
		return 1
	}
	return 0
}

// openPanel returns the bus and pins for the driver: the real SPI port, or a
// simulated panel with -simulate. -render-only never touches the panel, so it
// gets the simulated one as well.
func openPanel(conf *config.Config, model *epd.Model, simulate bool) (conn.Conn, epd.Pins, func(), error) {
	if simulate {
		sim := epdsim.New(*model, epdsim.Config{})
		appLog.Info("using simulated panel", "panel", model.Name)
		return sim.Bus, sim.Pins(), func() {
			appLog.Debug("simulated panel wire log", "events", len(sim.Events()))
		}, nil
	}

	b, err := hw.Open(conf.SPI, conf.Pins)
	if err != nil {
		return nil, epd.Pins{}, nil, err
	}
	appLog.Info("panel hardware opened", "binding", b)
	return b.Conn, b.Pins, func() {
		if err := b.Close(); err != nil {
			appLog.Error("failed to close SPI port", err)
		}
	}, nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/epdframe/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one render+display cycle and exit")
	flag.BoolVar(&cfg.renderOnly, "render-only", false, "Render and preview only; never talk to the panel")
	flag.BoolVar(&cfg.simulate, "simulate", false, "Drive a simulated panel instead of the hardware")
	flag.BoolVar(&cfg.dump, "dump", false, "Dump debug artifacts (primary.bin, accent.bin, preview.png)")
	flag.BoolVar(&cfg.debug, "debug", false, "Debug logging and ./cache for dumps")

	flag.Parse()

	return cfg
}
