package probe

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterfs/rdread/clock"
	"github.com/clusterfs/rdread/direntry"
	"github.com/clusterfs/rdread/replicaset"
)

type fakeTransport struct {
	mu         sync.Mutex
	openErr    map[int]error
	listings   map[int][]direntry.Entry
	readErr    map[int]error
	pageSize   int
	callsPerID map[int]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		openErr:    make(map[int]error),
		listings:   make(map[int][]direntry.Entry),
		readErr:    make(map[int]error),
		callsPerID: make(map[int]int),
		pageSize:   2,
	}
}

func (f *fakeTransport) OpenDirectory(ctx context.Context, replica int, loc string, handle uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openErr[replica]
}

func (f *fakeTransport) ReadDir(ctx context.Context, replica int, handle uint64, chunkSize int, offset direntry.Offset) ([]direntry.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.readErr[replica]; err != nil {
		return nil, err
	}

	all := f.listings[replica]
	start := int(offset)
	if start >= len(all) {
		return nil, nil
	}
	end := start + f.pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

type fakeHealer struct {
	mu       sync.Mutex
	triggers []uint64
}

func (h *fakeHealer) TriggerSelfHeal(ctx context.Context, inode uint64, reason string, onDone func(error)) {
	h.mu.Lock()
	h.triggers = append(h.triggers, inode)
	h.mu.Unlock()
	onDone(nil)
}

type fakeLatch struct {
	mu   sync.Mutex
	done map[uint64]bool
}

func newFakeLatch() *fakeLatch { return &fakeLatch{done: make(map[uint64]bool)} }

func (l *fakeLatch) OpendirDone(inode uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done[inode]
}

func (l *fakeLatch) SetOpendirDone(inode uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done[inode] = true
}

func withOffsets(names ...string) []direntry.Entry {
	entries := make([]direntry.Entry, len(names))
	for i, n := range names {
		entries[i] = direntry.Entry{Name: n, Offset: direntry.Offset(i + 1)}
	}
	return entries
}

// Scenario 1: clean two-replica open.
func TestOpendirCleanNoDivergence(t *testing.T) {
	tr := newFakeTransport()
	tr.listings[0] = withOffsets("foo", "bar")
	tr.listings[1] = withOffsets("foo", "bar")

	healer := &fakeHealer{}
	latch := newFakeLatch()

	view := replicaset.NewView([]bool{true, true})
	result, err := Opendir(context.Background(), view, tr, healer, latch, nil, clock.RealClock{}, 0, 42, "/d", 1)

	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.True(t, result.ProbeRan)
	assert.False(t, result.Mismatched)
	assert.Empty(t, healer.triggers)
	assert.True(t, latch.OpendirDone(42))
}

// Scenario 2: divergent directories trigger self-heal.
func TestOpendirDivergenceTriggersHeal(t *testing.T) {
	tr := newFakeTransport()
	tr.listings[0] = withOffsets("foo", "bar")
	tr.listings[1] = withOffsets("foo", "baz")

	healer := &fakeHealer{}
	latch := newFakeLatch()

	view := replicaset.NewView([]bool{true, true})
	result, err := Opendir(context.Background(), view, tr, healer, latch, nil, clock.RealClock{}, 0, 7, "/d", 1)

	require.NoError(t, err)
	assert.True(t, result.Mismatched)
	assert.Equal(t, []uint64{7}, healer.triggers)
	assert.True(t, latch.OpendirDone(7), "latch must be set even after a heal trigger")
}

// Scenario 6: one replica down, its checksum slot is ignored even if zero.
func TestOpendirIgnoresDownReplica(t *testing.T) {
	tr := newFakeTransport()
	tr.listings[0] = withOffsets("foo")
	tr.listings[2] = withOffsets("foo")

	healer := &fakeHealer{}
	latch := newFakeLatch()

	view := replicaset.NewView([]bool{true, false, true})
	result, err := Opendir(context.Background(), view, tr, healer, latch, nil, clock.RealClock{}, 0, 9, "/d", 1)

	require.NoError(t, err)
	assert.False(t, result.Mismatched)
}

// P4: once opendir_done is set, no future opendir runs Phase B.
func TestOpendirLatchPreventsReProbe(t *testing.T) {
	tr := newFakeTransport()
	tr.listings[0] = withOffsets("foo")
	tr.listings[1] = withOffsets("bar") // would mismatch if probed

	healer := &fakeHealer{}
	latch := newFakeLatch()
	latch.SetOpendirDone(1)

	view := replicaset.NewView([]bool{true, true})
	result, err := Opendir(context.Background(), view, tr, healer, latch, nil, clock.RealClock{}, 0, 1, "/d", 1)

	require.NoError(t, err)
	assert.False(t, result.ProbeRan)
	assert.Empty(t, healer.triggers)
}

func TestOpendirSingleReplicaSkipsProbe(t *testing.T) {
	tr := newFakeTransport()
	tr.listings[0] = withOffsets("foo")

	healer := &fakeHealer{}
	latch := newFakeLatch()

	view := replicaset.NewView([]bool{true})
	result, err := Opendir(context.Background(), view, tr, healer, latch, nil, clock.RealClock{}, 0, 1, "/d", 1)

	require.NoError(t, err)
	assert.False(t, result.ProbeRan, "probe never runs with only one up replica")
}

func TestOpendirAllReplicasFail(t *testing.T) {
	tr := newFakeTransport()
	tr.openErr[0] = errors.New("down")
	tr.openErr[1] = errors.New("down")

	healer := &fakeHealer{}
	latch := newFakeLatch()

	view := replicaset.NewView([]bool{true, true})
	result, err := Opendir(context.Background(), view, tr, healer, latch, nil, clock.RealClock{}, 0, 1, "/d", 1)

	require.NoError(t, err)
	assert.False(t, result.Succeeded())
	assert.Error(t, result.LastErr)
}

func TestOpendirPartialFailureStillSucceeds(t *testing.T) {
	tr := newFakeTransport()
	tr.openErr[0] = errors.New("down")
	tr.listings[1] = withOffsets("foo")

	healer := &fakeHealer{}
	latch := newFakeLatch()

	view := replicaset.NewView([]bool{true, true})
	result, err := Opendir(context.Background(), view, tr, healer, latch, nil, clock.RealClock{}, 0, 1, "/d", 1)

	require.NoError(t, err)
	assert.True(t, result.Succeeded())
}

// A replica that errors mid-scan is excluded, not fatal to the probe.
func TestProbeReplicaErrorExcludesReplica(t *testing.T) {
	tr := newFakeTransport()
	tr.listings[0] = withOffsets("foo", "bar")
	tr.readErr[1] = errors.New("connection reset")

	healer := &fakeHealer{}
	latch := newFakeLatch()

	view := replicaset.NewView([]bool{true, true})
	result, err := Opendir(context.Background(), view, tr, healer, latch, nil, clock.RealClock{}, 0, 1, "/d", 1)

	require.NoError(t, err)
	assert.False(t, result.Mismatched, "excluded replica must not force a mismatch")
}
