package peer

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sidkik/peersync/cmd/util"
	"github.com/sidkik/peersync/pkg/admin"
	"github.com/sidkik/peersync/pkg/config"
	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/fswatch"
	"github.com/sidkik/peersync/pkg/peer"
	"github.com/sidkik/peersync/pkg/store"
)

// New creates a new `peer` command.
func New() *cobra.Command {
	var configPath string
	cobraCmd := &cobra.Command{
		Use:   "peer",
		Short: "Run a node that synchronizes its directory with its peers",
		Long: `Run a node that keeps the configured directory synchronized with the
configured peers, and with any peers that connect to it.

The node runs until it's interrupted.`,
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(configPath); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cobraCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPeerConfigPath,
		"The path to the node's configuration file")
	return cobraCmd
}

func run(configPath string) error {
	cfg, err := config.ParsePeer(configPath)
	if err != nil {
		return err
	}

	st, err := store.New(afero.NewOsFs(), cfg.Path)
	if err != nil {
		return errors.WithContext(err, "open sync directory")
	}

	clock := clockwork.NewRealClock()
	registry := peer.NewRegistry(st, cfg.MaximumIncomingConnections, cfg.SyncPeriod(), clock)
	controller, err := peer.NewController(cfg, registry, st, clock)
	if err != nil {
		return errors.WithContext(err, "start peer server")
	}

	var adminServer *admin.Server
	if port, ok := cfg.AdminPort(); ok {
		adminServer, err = admin.NewServer(port, cfg.AuthorizedKeys, controller)
		if err != nil {
			return errors.WithContext(err, "start admin server")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		select {
		case sig := <-signals:
			log.WithField("signal", sig).Info("Shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	trigger, err := fswatch.Watch(ctx, cfg.Path)
	if err != nil {
		return errors.WithContext(err, "watch sync directory")
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer util.HandlePanic()
		return errors.WithContext(st.Watch(ctx, trigger, registry), "watch for changes")
	})
	group.Go(func() error {
		defer util.HandlePanic()
		registry.Run(ctx)
		return nil
	})
	group.Go(func() error {
		defer util.HandlePanic()
		return errors.WithContext(controller.Run(ctx), "serve peers")
	})
	if adminServer != nil {
		group.Go(func() error {
			defer util.HandlePanic()
			return errors.WithContext(adminServer.Run(ctx), "serve admin clients")
		})
	}
	group.Go(func() error {
		defer util.HandlePanic()
		controller.ConnectAll(ctx, cfg.PeerAddresses())
		return nil
	})

	log.WithFields(log.Fields{
		"path":    cfg.Path,
		"address": controller.Self().String(),
	}).Info("Started peer")
	return group.Wait()
}
