package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"anonet/core/advertising"
	"anonet/core/bloom"
	"anonet/core/datastore"
	"anonet/core/gap"
	"anonet/core/identity"
	"anonet/core/ondemand"
	"anonet/core/p2p"
	"anonet/core/session"
	"anonet/core/sqstore"
	"anonet/core/traffic"
	"anonet/pkg/config"
)

// avgEntrySize is the assumed average block size fed to the bloom filter
// sizing formula (core/bloom); spec.md does not name a value.
const avgEntrySize = 4096

// app bundles every core subsystem the daemon and CLI commands share. A
// CLI command builds one, uses it briefly, and tears it down; serve keeps
// it running for the process lifetime.
type app struct {
	cfg *config.Config

	store    *sqstore.BoltStore
	filter   *bloom.Filter
	ds       *datastore.Manager
	registry *identity.Registry
	sessions *session.Cache
	encoder  *ondemand.Encoder
	acct     *traffic.Accountant
	node     *p2p.Node
	router   *gap.Router
	adverts  *advertising.Driver

	logrusLog *logrus.Entry
	zapLog    *zap.SugaredLogger
}

func newLoggers(cfg *config.Config) (*logrus.Entry, *zap.SugaredLogger) {
	lvl, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	lr := logrus.New()
	lr.SetLevel(lvl)

	zcfg := zap.NewProductionConfig()
	zlog, err := zcfg.Build()
	if err != nil {
		zlog = zap.NewNop()
	}
	return logrus.NewEntry(lr), zlog.Sugar()
}

// newApp opens every on-disk and in-memory collaborator named in
// spec.md: SQstore, the bloom filter, the datastore manager, the peer
// identity registry, the on-demand encoder, and (unless offline) the
// libp2p transport and GAP router.
func newApp(cfg *config.Config, offline bool) (*app, error) {
	logrusEntry, zapLog := newLoggers(cfg)

	dbPath := filepath.Join(cfg.FS.Dir, "sqstore.db")
	store, err := sqstore.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqstore: %w", err)
	}

	quotaBytes := cfg.QuotaBytes()
	filter := bloom.NewForQuota(quotaBytes, avgEntrySize)
	if bloomPath := filepath.Join(cfg.FS.Dir, "bloom.idx"); bloomPath != "" {
		if loaded, err := bloom.Load(bloomPath); err == nil {
			filter = loaded
		}
	}

	ds := datastore.New(store, filter, quotaBytes, time.Now(), zapLog)

	registry := identity.New(
		filepath.Join(cfg.Gnunetd.Home, "data", "hosts"),
		filepath.Join(cfg.Gnunetd.Home, "data", "credit"),
		logrusEntry.WithField("component", "identity"),
	)

	encoder := ondemand.New(cfg.FS.IndexDirectory, ds)
	ds.SetOnDemandEncoder(encoder)
	acct := traffic.New()
	sessions := session.New()

	a := &app{
		cfg:       cfg,
		store:     store,
		filter:    filter,
		ds:        ds,
		registry:  registry,
		sessions:  sessions,
		encoder:   encoder,
		acct:      acct,
		logrusLog: logrusEntry,
		zapLog:    zapLog,
	}

	if offline {
		return a, nil
	}

	node, err := p2p.NewNode(p2p.Config{
		ListenAddr:     cfg.Network.ListenAddr,
		BootstrapPeers: cfg.Network.BootstrapPeers,
		DiscoveryTag:   cfg.Network.DiscoveryTag,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("start p2p node: %w", err)
	}
	a.node = node

	sender := gap.NewTransportAdapter(node, registry)
	changeTrust := func(peer gap.PeerID, delta int64) { registry.ChangeTrust(peer, delta) }
	a.router = gap.New(ds, acct, sender, changeTrust, logrusEntry.WithField("component", "gap"))

	a.adverts = advertising.New(
		connectionCounterFor(node),
		registry,
		nil, // BootstrapSource: no external hostlist service wired (spec.md §4.9, out of scope)
		nil, // LoadSource: local resource sampling is a future host-stats collaborator
		nil,
		logrusEntry.WithField("component", "advertising"),
	)

	return a, nil
}

type connCounter struct{ node *p2p.Node }

func (c connCounter) ConnectedCount() int { return len(c.node.Peers()) }

func connectionCounterFor(node *p2p.Node) connCounter { return connCounter{node: node} }

// start launches every background loop (datastore maintenance, identity
// registry housekeeping, advertising driver, GAP migration push) and
// returns without waiting; the loops run until ctx is cancelled or stop is
// called.
func (a *app) start(ctx context.Context) {
	a.ds.Start()
	a.registry.Start()
	if a.adverts != nil {
		a.adverts.Start(ctx)
	}
	if a.router != nil {
		a.router.Start(ctx)
	}
}

func (a *app) stop() {
	if a.router != nil {
		a.router.Stop()
	}
	if a.adverts != nil {
		a.adverts.Stop()
	}
	a.registry.Stop()
	a.ds.Stop()
	if a.node != nil {
		_ = a.node.Close()
	}
	if bloomPath := filepath.Join(a.cfg.FS.Dir, "bloom.idx"); bloomPath != "" {
		if err := a.filter.Save(bloomPath); err != nil {
			a.logrusLog.WithError(err).Warn("anonetd: bloom filter save failed")
		}
	}
	_ = a.store.Close()
}
