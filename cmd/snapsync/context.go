package main

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"snapsync/internal/config"
	"snapsync/internal/events"
	"snapsync/internal/logging"
	"snapsync/internal/network"
	"snapsync/internal/store"
	"snapsync/internal/syncer"
	"snapsync/internal/transport"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// environment bundles the dependencies commands operate on. The CLI works
// on the spool database directly; atomic reservation in the store keeps a
// CLI-initiated drain safe next to a running daemon.
type environment struct {
	cfg      *config.Config
	store    *store.Store
	bus      *events.Bus
	uploader transport.Uploader
	probe    network.Signal
	syncer   *syncer.Syncer
	logger   *slog.Logger
}

// forcedSyncer skips the reachability probe, for drains the operator insists
// on.
func (e *environment) forcedSyncer() *syncer.Syncer {
	return syncer.New(e.cfg, e.store, e.uploader, network.Static(true), e.bus, e.logger)
}

func (c *commandContext) withEnvironment(fn func(env *environment) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		return err
	}

	st, err := store.Open(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := events.NewBus()
	uploader := transport.NewClient(cfg, logger)
	probe := network.NewProbe(cfg, logger)

	return fn(&environment{
		cfg:      cfg,
		store:    st,
		bus:      bus,
		uploader: uploader,
		probe:    probe,
		syncer:   syncer.New(cfg, st, uploader, probe, bus, logger),
		logger:   logger,
	})
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
