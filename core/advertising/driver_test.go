package advertising

import (
	"context"
	"testing"
	"time"

	"anonet/internal/wire"
)

type fakeCounter struct{ n int }

func (f *fakeCounter) ConnectedCount() int { return f.n }

type fakeSource struct {
	hellos []*wire.Hello
	calls  int
}

func (f *fakeSource) FetchHellos(ctx context.Context) ([]*wire.Hello, error) {
	f.calls++
	return f.hellos, nil
}

type fakeLoad struct{ cpu, up, down int }

func (f *fakeLoad) CPUPercent() int      { return f.cpu }
func (f *fakeLoad) UploadPercent() int   { return f.up }
func (f *fakeLoad) DownloadPercent() int { return f.down }

type fakeState struct{ bootstrapped bool }

func (f *fakeState) HasBootstrapped() bool { return f.bootstrapped }
func (f *fakeState) SetBootstrapped()      { f.bootstrapped = true }

func mkHello(tag byte) *wire.Hello {
	h := &wire.Hello{Protocol: 6, Expiration: uint32(time.Now().Add(time.Hour).Unix())}
	h.PeerID[0] = tag
	h.PublicKey[0] = tag
	return h
}

func TestAdaptiveSleepScalesWithLoad(t *testing.T) {
	d := New(&fakeCounter{}, nil, nil, &fakeLoad{cpu: 0}, nil, nil)
	low := d.adaptiveSleep()
	if low < 50*time.Millisecond {
		t.Fatalf("expected floor of 50ms, got %v", low)
	}

	d2 := New(&fakeCounter{}, nil, nil, &fakeLoad{cpu: 100}, nil, nil)
	var maxSeen time.Duration
	for i := 0; i < 20; i++ {
		s := d2.adaptiveSleep()
		if s > maxSeen {
			maxSeen = s
		}
	}
	if maxSeen <= 50*time.Millisecond {
		t.Fatalf("expected load=100 to sometimes produce large jitter, max seen %v", maxSeen)
	}
}

func TestTriggerBootstrapMarksStateOnFirstSuccess(t *testing.T) {
	source := &fakeSource{hellos: []*wire.Hello{mkHello(1), mkHello(2)}}
	st := &fakeState{}
	d := New(&fakeCounter{n: 0}, nil, source, &fakeLoad{}, st, nil)
	d.triggerBootstrap(context.Background())
	if !st.bootstrapped {
		t.Fatalf("expected bootstrapped flag to be set after a successful injection pass")
	}
	if source.calls != 1 {
		t.Fatalf("expected exactly one fetch call, got %d", source.calls)
	}
}

func TestTickSkipsBootstrapWhenConnectionsSufficient(t *testing.T) {
	source := &fakeSource{hellos: []*wire.Hello{mkHello(3)}}
	d := New(&fakeCounter{n: minConnectionTarget}, nil, source, &fakeLoad{}, nil, nil)
	d.tick(context.Background())
	if source.calls != 0 {
		t.Fatalf("expected no bootstrap fetch when already above connection target")
	}
}
