// Package advertising implements the HELLO flood and bootstrap-trigger
// state machine of spec.md §4.9 (C9): a single cooperative task that
// monitors connection count and, when starved, asks an external
// bootstrap source for peer HELLOs and injects them with an adaptive
// sleep derived from local load.
package advertising

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"anonet/core/identity"
	"anonet/internal/wire"
)

// state names the driver's position in the state machine of spec.md
// §4.9.
type state int

const (
	stateCold state = iota
	stateSettled
)

const (
	probeInterval       = 2 * time.Second
	minConnectionTarget = 3
	settledProbeDelay   = 5 * time.Minute
	coldInitialDelay    = 1 * time.Minute
)

// BootstrapSource is the external collaborator that supplies candidate
// HELLOs (spec.md §4.9: "asks an external bootstrap service (out of
// scope)"). Production deployments plug in an HTTP hostlist client or a
// DNS seed; tests use an in-memory double.
type BootstrapSource interface {
	FetchHellos(ctx context.Context) ([]*wire.Hello, error)
}

// LoadSource reports the [0,100] load percentages the adaptive sleep
// formula uses (spec.md §4.9: "max of CPU, upload-bandwidth-utilization,
// download-bandwidth-utilization").
type LoadSource interface {
	CPUPercent() int
	UploadPercent() int
	DownloadPercent() int
}

// StateStore persists the "machine has bootstrapped before" flag across
// restarts (spec.md §4.9: "Persist... to the state service on first
// success").
type StateStore interface {
	HasBootstrapped() bool
	SetBootstrapped()
}

// ConnectionCounter reports how many live peer connections exist.
type ConnectionCounter interface {
	ConnectedCount() int
}

// Driver runs the C9 state machine.
type Driver struct {
	mu sync.Mutex

	registry ConnectionCounter
	identity *identity.Registry
	source   BootstrapSource
	load     LoadSource
	state    StateStore
	log      *logrus.Entry

	cur            state
	nextProbeDelta time.Duration
	lastProbe      time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Driver. state may be nil, in which case the machine is
// always treated as cold.
func New(registry ConnectionCounter, reg *identity.Registry, source BootstrapSource, load LoadSource, st StateStore, log *logrus.Entry) *Driver {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	cur := stateCold
	if st != nil && st.HasBootstrapped() {
		cur = stateSettled
	}
	return &Driver{
		registry:       registry,
		identity:       reg,
		source:         source,
		load:           load,
		state:          st,
		log:            log,
		cur:            cur,
		nextProbeDelta: coldInitialDelay,
	}
}

// Start launches the cooperative driver loop.
func (d *Driver) Start(ctx context.Context) {
	d.mu.Lock()
	if d.stopCh != nil {
		d.mu.Unlock()
		return
	}
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
}

// Stop signals the driver loop to exit and waits for it to finish.
func (d *Driver) Stop() {
	d.mu.Lock()
	stop := d.stopCh
	done := d.doneCh
	d.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (d *Driver) run(ctx context.Context) {
	defer close(d.doneCh)
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick implements one iteration of spec.md §4.9's loop body.
func (d *Driver) tick(ctx context.Context) {
	d.mu.Lock()
	connections := 0
	if d.registry != nil {
		connections = d.registry.ConnectedCount()
	}
	now := time.Now()

	if connections >= minConnectionTarget {
		d.cur = stateSettled
		d.lastProbe = now
		d.nextProbeDelta = settledProbeDelay
		d.mu.Unlock()
		return
	}

	if d.cur == stateCold && d.nextProbeDelta == 0 {
		d.nextProbeDelta = coldInitialDelay
	}

	shouldProbe := d.lastProbe.IsZero() || now.Sub(d.lastProbe) > d.nextProbeDelta
	if !shouldProbe {
		d.mu.Unlock()
		return
	}
	d.lastProbe = now
	d.nextProbeDelta *= 2
	d.mu.Unlock()

	d.triggerBootstrap(ctx)
}

// triggerBootstrap fetches candidate HELLOs, shuffles them, and injects
// them one at a time with an adaptive sleep (spec.md §4.9).
func (d *Driver) triggerBootstrap(ctx context.Context) {
	if d.source == nil {
		return
	}
	hellos, err := d.source.FetchHellos(ctx)
	if err != nil {
		d.log.WithError(err).Warn("advertising: bootstrap fetch failed")
		return
	}
	rand.Shuffle(len(hellos), func(i, j int) { hellos[i], hellos[j] = hellos[j], hellos[i] })

	for _, h := range hellos {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if d.identity != nil {
			if err := d.identity.AddHost(h); err != nil {
				d.log.WithError(err).Warn("advertising: add_host failed during bootstrap injection")
				continue
			}
		}
		time.Sleep(d.adaptiveSleep())
	}

	if d.state != nil && !d.state.HasBootstrapped() {
		d.state.SetBootstrapped()
	}
}

// adaptiveSleep implements spec.md §4.9: 50 + random(0, (load+1)^2) ms.
func (d *Driver) adaptiveSleep() time.Duration {
	load := 0
	if d.load != nil {
		load = maxInt(d.load.CPUPercent(), maxInt(d.load.UploadPercent(), d.load.DownloadPercent()))
	}
	if load < 0 {
		load = 0
	}
	if load > 100 {
		load = 100
	}
	span := (load + 1) * (load + 1)
	jitter := 0
	if span > 0 {
		jitter = rand.Intn(span)
	}
	return time.Duration(50+jitter) * time.Millisecond
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
