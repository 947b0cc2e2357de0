// Package main provides the entry point for the DOMBridge server.
// It serves pages whose document lives on the server and is driven in the
// browser over a per-page websocket bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/router-for-me/DOMBridge/internal/api"
	"github.com/router-for-me/DOMBridge/internal/api/modules/counter"
	"github.com/router-for-me/DOMBridge/internal/bridge"
	"github.com/router-for-me/DOMBridge/internal/browser"
	"github.com/router-for-me/DOMBridge/internal/buildinfo"
	"github.com/router-for-me/DOMBridge/internal/config"
	"github.com/router-for-me/DOMBridge/internal/logging"
	"github.com/router-for-me/DOMBridge/internal/util"
	"github.com/router-for-me/DOMBridge/internal/watcher"
	"github.com/router-for-me/DOMBridge/internal/watcher/diff"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	var configPath string
	var openBrowser bool
	var demo bool
	flag.StringVar(&configPath, "config", "", "Configure File Path")
	flag.BoolVar(&openBrowser, "open", false, "Open the demo page in the default browser once serving")
	flag.BoolVar(&demo, "demo", false, "Mount the counter demo page at /")
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		os.Exit(1)
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	configPath, explicit := resolveConfigPath(configPath, wd)
	cfg, err := config.LoadConfigOptional(configPath, !explicit)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		os.Exit(1)
	}
	if err = logging.ConfigureLogOutput(cfg); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		os.Exit(1)
	}
	util.SetLogLevel(cfg)
	log.Infof("DOMBridge Version: %s, Commit: %s, BuiltAt: %s", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	if err := run(cfg, configPath, openBrowser, demo); err != nil {
		log.Errorf("server stopped: %v", err)
		os.Exit(1)
	}
}

// resolveConfigPath picks the -config flag, then DOMBRIDGE_CONFIG, then
// config.yaml under WRITABLE_PATH or the working directory. The second result
// reports whether the path was asked for explicitly and must exist.
func resolveConfigPath(flagValue, wd string) (string, bool) {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue, true
	}
	if value, ok := os.LookupEnv("DOMBRIDGE_CONFIG"); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value), true
	}
	base := util.WritablePath()
	if base == "" {
		base = wd
	}
	return filepath.Join(base, "config.yaml"), false
}

func run(cfg *config.Config, configPath string, openBrowser, demo bool) error {
	frames := logging.NewFrameLogger(logging.DefaultFramesDir(), cfg.FrameLog)
	opts := bridge.OptionsFromConfig(cfg)
	opts.Frames = frames
	opts.OnConnected = func(id string) { log.WithField("conn_id", id).Debug("browser connected") }
	opts.OnDisconnected = func(id string, err error) {
		log.WithField("conn_id", id).WithError(err).Debug("browser disconnected")
	}
	bridgeServer, err := bridge.NewServer(opts)
	if err != nil {
		return err
	}

	server, err := api.NewServer(cfg, bridgeServer)
	if err != nil {
		return err
	}
	if demo {
		if err := server.Module(counter.New()); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(server.Start)
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		errBridge := bridgeServer.Shutdown(shutdownCtx)
		errHTTP := server.Shutdown(shutdownCtx)
		return errors.Join(errBridge, errHTTP)
	})

	if _, statErr := os.Stat(configPath); statErr == nil {
		current := cfg
		w, err := watcher.NewWatcher(configPath, func(next *config.Config) {
			applyConfig(server, frames, current, next)
			current = next
		})
		if err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		w.SetConfig(cfg)
		group.Go(func() error { return w.Run(groupCtx) })
	} else {
		log.Debugf("config file %s not found; hot reload disabled", configPath)
	}

	if openBrowser {
		go func() {
			time.Sleep(300 * time.Millisecond)
			if err := browser.OpenURL(browser.PageURL(cfg.Host, cfg.Port, "/")); err != nil {
				log.WithError(err).Warn("failed to open browser")
			}
		}()
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// applyConfig applies a reloaded configuration to the running process.
// Settings that shape the listener or the wire are only reported.
func applyConfig(server *api.Server, frames *logging.FrameLogger, prev, next *config.Config) {
	if diff.RequiresRestart(prev, next) {
		log.Warn("config change touches the listen address, routes or framing; restart to apply")
	}
	if err := logging.ConfigureLogOutput(next); err != nil {
		log.WithError(err).Warn("failed to reconfigure log output")
	}
	frames.SetEnabled(next.FrameLog)
	server.UpdateConfig(next)
}
