package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/denwilliams/go-stomp-console/pkg/config"
	"github.com/denwilliams/go-stomp-console/pkg/console"
	"github.com/denwilliams/go-stomp-console/pkg/history"
	"github.com/denwilliams/go-stomp-console/pkg/logging"
	"github.com/denwilliams/go-stomp-console/pkg/mirror"
	"github.com/denwilliams/go-stomp-console/pkg/web"
)

var (
	configPath  = flag.String("config", "config/config.yaml", "Path to configuration file")
	migrate     = flag.Bool("migrate", false, "Run database migrations and exit")
	showVersion = flag.Bool("version", false, "Show version and exit")

	// Build-time variables
	version   = "dev"
	buildDate = "unknown"
)

const (
	appName         = "STOMP Console"
	shutdownTimeout = 30 * time.Second
)

type Application struct {
	config    *config.Config
	logger    *logrus.Entry
	logCloser io.Closer
	history   *history.Manager
	mirror    *mirror.Mirror
	console   *console.Service
	webServer *web.Server
}

func main() {
	flag.Parse()

	if *showVersion {
		logrus.Infof("%s version %s (built %s)", appName, version, buildDate)
		return
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to initialize application: %v", err)
	}
	defer app.Cleanup()

	if *migrate {
		// NewApplication already migrated the history database.
		app.logger.Info("Migrations completed successfully")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		app.logger.WithError(err).Error("Application stopped with error")
		os.Exit(1)
	}
	app.logger.Info("Application shutdown complete")
}

func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	closer, err := logging.Setup(cfg.Logging)
	if err != nil {
		return nil, err
	}

	app := &Application{
		config:    cfg,
		logger:    logrus.WithField("pkg", "main"),
		logCloser: closer,
	}
	app.logger.Infof("Starting %s %s", appName, version)
	app.logger.Infof("Loaded configuration from: %s", configPath)

	if err := app.initializeComponents(); err != nil {
		app.Cleanup()
		return nil, err
	}
	return app, nil
}

func (a *Application) initializeComponents() error {
	var err error
	var options []console.Option

	a.logger.Info("Initializing message history...")
	a.history, err = history.NewManager(a.config.Database, nil)
	if err != nil {
		return err
	}
	if a.history != nil {
		options = append(options, console.WithHistory(a.history))
	}

	if a.config.Mirror.Enabled {
		a.logger.Info("Initializing MQTT mirror...")
		a.mirror = mirror.New(a.config.Mirror, nil)
		options = append(options, console.WithMirror(a.mirror))
	}

	a.logger.Info("Initializing STOMP console...")
	a.console, err = console.New(console.Options{
		Client:        a.config.ClientConfig(),
		Reconnect:     a.config.ReconnectPolicy(),
		Subscriptions: a.config.STOMP.Subscriptions,
		Scripts:       a.config.Console.Scripts,
		ScriptTimeout: a.config.ScriptTimeout(),
		InboxSize:     a.config.Console.InboxSize,
	}, options...)
	if err != nil {
		return errors.Wrap(err, "failed to create console")
	}

	a.logger.Info("Initializing web server...")
	a.webServer = web.NewServer(a.config, a.console, version, nil)

	a.logger.Info("All components initialized successfully")
	return nil
}

// Run serves until ctx is cancelled, then shuts everything down.
func (a *Application) Run(ctx context.Context) error {
	a.console.Start(ctx)

	if a.mirror != nil {
		if err := a.mirror.Connect(); err != nil {
			// Don't fail startup if MQTT is not available
			a.logger.WithError(err).Warn("Failed to connect MQTT mirror")
		}
	}

	if a.config.STOMP.AutoConnect {
		if err := a.console.Connect(""); err != nil {
			// The reconnect supervisor keeps trying.
			a.logger.WithError(err).Warnf("Initial connect to %s failed", a.config.STOMP.BrokerURL)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.webServer.Start(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "web server error")
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := a.webServer.Shutdown(shutdownCtx); err != nil {
			a.logger.WithError(err).Error("Error shutting down web server")
		}
		if err := a.console.Close(); err != nil {
			a.logger.WithError(err).Error("Error closing STOMP console")
		}
		if a.mirror != nil {
			a.mirror.Disconnect()
		}
		return nil
	})

	a.logger.Info("Application started successfully")
	return g.Wait()
}

func (a *Application) Cleanup() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.WithError(err).Error("Error closing message history")
		}
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
}
