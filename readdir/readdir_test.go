package readdir

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterfs/rdread/clock"
	"github.com/clusterfs/rdread/direntry"
	"github.com/clusterfs/rdread/handlectx"
	"github.com/clusterfs/rdread/replicaset"
)

type page struct {
	entries []direntry.Entry
	err     error
}

// fakeTransport serves a fixed, per-replica sequence of pages keyed by call
// count, so a test can script exactly what happens on the Nth readdir of a
// given replica (e.g. "first call fails, second call on the next replica
// succeeds").
type fakeTransport struct {
	pages map[int][]page
	calls map[int]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{pages: make(map[int][]page), calls: make(map[int]int)}
}

func (f *fakeTransport) script(replica int, pages ...page) {
	f.pages[replica] = pages
}

func (f *fakeTransport) ReadDir(ctx context.Context, replica int, handle uint64, size int, offset direntry.Offset) ([]direntry.Entry, error) {
	return f.next(replica)
}

func (f *fakeTransport) ReadDirPlus(ctx context.Context, replica int, handle uint64, size int, offset direntry.Offset) ([]direntry.Entry, error) {
	return f.next(replica)
}

func (f *fakeTransport) next(replica int) ([]direntry.Entry, error) {
	i := f.calls[replica]
	f.calls[replica] = i + 1

	pages := f.pages[replica]
	if i >= len(pages) {
		return nil, nil
	}
	p := pages[i]
	return p.entries, p.err
}

func withOffsets(start int, names ...string) []direntry.Entry {
	entries := make([]direntry.Entry, len(names))
	for i, n := range names {
		entries[i] = direntry.Entry{Name: n, Offset: direntry.Offset(start + i + 1)}
	}
	return entries
}

type fakeRoot struct {
	rootInode uint64
}

func (r fakeRoot) IsRoot(inode uint64) bool { return inode == r.rootInode }

func baseRequest(handle uint64) Request {
	return Request{
		Op:     OpReaddir,
		Inode:  100,
		Handle: handle,
		Size:   64,
		Offset: 0,
		Strict: true,
	}
}

// Scenario 3 (spec.md 8): a readdir mid-stream fails over to the next
// replica and restarts from offset 0, recording the handle as failed over.
func TestServeFailsOverMidRead(t *testing.T) {
	tr := newFakeTransport()
	tr.script(0, page{err: errors.New("replica 0 gone")})
	tr.script(1, page{entries: withOffsets(0, "a", "b")}, page{entries: withOffsets(2, "c")})

	view := replicaset.NewView([]bool{true, true})
	hctx := handlectx.New()

	req := baseRequest(1)
	req.Offset = 2 // client resumes after "a","b" from replica 0

	got, err := Serve(context.Background(), view, []int{0, 1}, tr, nil, hctx, nil, clock.RealClock{}, req)

	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.True(t, hctx.FailedOver())
	assert.Equal(t, 1, hctx.LastTried())
}

// Scenario 4: after failing over, a page where every entry was already
// remembered must not be reported to the client as empty (that would look
// like end-of-stream); the coordinator retries until it has something new
// or gives up after maxDedupRetries.
func TestServeRetriesAllDuplicatePage(t *testing.T) {
	tr := newFakeTransport()
	// Replica 0 fails immediately.
	tr.script(0, page{err: errors.New("down")})
	// Replica 1: first page is entirely duplicates of what the client
	// already saw, second page has something new.
	tr.script(1,
		page{entries: withOffsets(0, "a", "b")},
		page{entries: withOffsets(2, "c")},
	)

	view := replicaset.NewView([]bool{true, true})
	hctx := handlectx.New()
	hctx.Remember([]string{"a", "b"})

	req := baseRequest(1)
	got, err := Serve(context.Background(), view, []int{0, 1}, tr, nil, hctx, nil, clock.RealClock{}, req)

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].Name)
}

// When every replica's page is eventually exhausted of new entries, the
// retry loop gives up after maxDedupRetries and returns an empty, but
// genuinely final, result rather than spinning forever.
func TestServeGivesUpAfterMaxDedupRetries(t *testing.T) {
	tr := newFakeTransport()
	tr.script(0, page{err: errors.New("down")})

	dupPages := make([]page, maxDedupRetries+2)
	for i := range dupPages {
		dupPages[i] = page{entries: withOffsets(0, "a")}
	}
	tr.script(1, dupPages...)

	view := replicaset.NewView([]bool{true, true})
	hctx := handlectx.New()
	hctx.Remember([]string{"a"})

	req := baseRequest(1)
	got, err := Serve(context.Background(), view, []int{0, 1}, tr, nil, hctx, nil, clock.RealClock{}, req)

	require.NoError(t, err)
	assert.Empty(t, got)
}

// Scenario 5 / C6: at the filesystem root, the replication trash directory
// is filtered out of the listing; elsewhere it is left alone.
func TestServeFiltersTrashOnlyAtRoot(t *testing.T) {
	tr := newFakeTransport()
	tr.script(0, page{entries: withOffsets(0, "foo", TrashDirName, "bar")})

	view := replicaset.NewView([]bool{true})
	hctx := handlectx.New()

	req := baseRequest(1)
	req.Inode = 1

	got, err := Serve(context.Background(), view, []int{0}, tr, fakeRoot{rootInode: 1}, hctx, nil, clock.RealClock{}, req)
	require.NoError(t, err)

	names := make([]string, len(got))
	for i, e := range got {
		names[i] = e.Name
	}
	assert.Equal(t, []string{"foo", "bar"}, names)
}

func TestServeDoesNotFilterTrashAwayFromRoot(t *testing.T) {
	tr := newFakeTransport()
	tr.script(0, page{entries: withOffsets(0, "foo", TrashDirName)})

	view := replicaset.NewView([]bool{true})
	hctx := handlectx.New()

	req := baseRequest(1)
	req.Inode = 42 // not the root

	got, err := Serve(context.Background(), view, []int{0}, tr, fakeRoot{rootInode: 1}, hctx, nil, clock.RealClock{}, req)
	require.NoError(t, err)

	names := make([]string, len(got))
	for i, e := range got {
		names[i] = e.Name
	}
	assert.Equal(t, []string{"foo", TrashDirName}, names)
}

// P1: dedup never drops an entry the client hasn't already seen, and never
// hands back a name twice on one handle.
func TestServeDedupSoundness(t *testing.T) {
	tr := newFakeTransport()
	tr.script(0, page{err: errors.New("down")})
	tr.script(1, page{entries: withOffsets(0, "a", "b", "c")})

	view := replicaset.NewView([]bool{true, true})
	hctx := handlectx.New()
	hctx.Remember([]string{"a"})

	req := baseRequest(1)
	got, err := Serve(context.Background(), view, []int{0, 1}, tr, nil, hctx, nil, clock.RealClock{}, req)

	require.NoError(t, err)
	names := make([]string, len(got))
	for i, e := range got {
		names[i] = e.Name
	}
	assert.Equal(t, []string{"b", "c"}, names)
}

// P2: a genuinely empty, non-duplicate page (true end of stream) is
// reported as empty rather than retried forever.
func TestServeGenuineEndOfStreamReturnsEmpty(t *testing.T) {
	tr := newFakeTransport()
	tr.script(0, page{err: errors.New("down")})
	tr.script(1, page{entries: nil})

	view := replicaset.NewView([]bool{true, true})
	hctx := handlectx.New()

	req := baseRequest(1)
	got, err := Serve(context.Background(), view, []int{0, 1}, tr, nil, hctx, nil, clock.RealClock{}, req)

	require.NoError(t, err)
	assert.Empty(t, got)
}

// P3: in non-strict mode, failover bookkeeping and dedup are never invoked;
// a replica error is surfaced directly to the caller.
func TestServeNonStrictPropagatesErrorWithoutFailover(t *testing.T) {
	tr := newFakeTransport()
	tr.script(0, page{err: errors.New("down")})

	view := replicaset.NewView([]bool{true, true})
	hctx := handlectx.New()

	req := baseRequest(1)
	req.Strict = false

	_, err := Serve(context.Background(), view, []int{0, 1}, tr, nil, hctx, nil, clock.RealClock{}, req)

	require.Error(t, err)
	assert.False(t, hctx.FailedOver())
}

func TestServeNoReplicaUp(t *testing.T) {
	tr := newFakeTransport()
	view := replicaset.NewView([]bool{false, false})
	hctx := handlectx.New()

	_, err := Serve(context.Background(), view, []int{0, 1}, tr, nil, hctx, nil, clock.RealClock{}, baseRequest(1))

	assert.ErrorIs(t, err, ErrNoReplicaUp)
}

func TestServeReaddirp(t *testing.T) {
	tr := newFakeTransport()
	tr.script(0, page{entries: withOffsets(0, "a")})

	view := replicaset.NewView([]bool{true})
	hctx := handlectx.New()

	req := baseRequest(1)
	req.Op = OpReaddirp

	got, err := Serve(context.Background(), view, []int{0}, tr, nil, hctx, nil, clock.RealClock{}, req)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Name)
}
