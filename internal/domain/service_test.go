package domain_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/blackmichael/bulletin-relay/internal/domain"
	"github.com/blackmichael/bulletin-relay/internal/ledger"
)

// fakeMirror records mutations and what the ledger looked like when each one
// arrived.
type fakeMirror struct {
	mu       sync.Mutex
	ledger   *ledger.Ledger
	applied  []domain.Mutation
	seen     [][]domain.Bulletin
	rows     map[uint64]domain.Bulletin
	failNext int
	err      error
}

func newFakeMirror(l *ledger.Ledger) *fakeMirror {
	return &fakeMirror{ledger: l, rows: map[uint64]domain.Bulletin{}}
}

func (m *fakeMirror) Apply(_ context.Context, mut domain.Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.applied = append(m.applied, mut)
	if m.ledger != nil {
		m.seen = append(m.seen, m.ledger.Snapshot())
	}
	if m.failNext > 0 {
		m.failNext--
		return m.err
	}
	switch mut.Op {
	case domain.OpUpsert:
		m.rows[mut.ID] = domain.Bulletin{ID: mut.ID, Timestamp: mut.Timestamp, Text: mut.Text}
	case domain.OpDelete:
		delete(m.rows, mut.ID)
	}
	return nil
}

func (m *fakeMirror) List(context.Context) ([]domain.Bulletin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.Bulletin{}
	for _, b := range m.rows {
		out = append(out, b)
	}
	return out, nil
}

func (m *fakeMirror) IDs(context.Context) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uint64
	for id := range m.rows {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *fakeMirror) calls() []domain.Mutation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Mutation(nil), m.applied...)
}

const authorA = 7

func text(s string) *string { return &s }

func newTestProcessor(t *testing.T, withMirror bool) (*domain.Processor, *ledger.Ledger, *fakeMirror) {
	t.Helper()
	l := ledger.New(nil, nil)
	var (
		m      *fakeMirror
		mirror domain.Mirror
	)
	if withMirror {
		m = newFakeMirror(l)
		mirror = m
	}
	p, err := domain.NewProcessor(domain.ProcessorConfig{
		Authorized: []uint64{authorA},
		Ledger:     l,
		Mirror:     mirror,
	})
	require.NoError(t, err)
	return p, l, m
}

func TestBulletinID(t *testing.T) {
	assert.Equal(t, uint64(21), domain.BulletinID(7, 3))
	assert.Equal(t, uint64(0), domain.BulletinID(7, 0))
	assert.Equal(t, domain.BulletinID(2, 6), domain.BulletinID(3, 4), "proportional pairs collide")
	assert.Equal(t, uint64(0xFFFFFFFFFFFFFFFE), domain.BulletinID(^uint64(0), 2), "product wraps")
}

func TestClassify(t *testing.T) {
	p, _, _ := newTestProcessor(t, false)

	cases := []struct {
		name string
		ev   domain.Event
		want domain.Outcome
	}{
		{"unauthorized", domain.Event{AuthorID: 8, Text: text("hi")}, domain.OutcomeUnauthorized},
		{"unauthorized delete", domain.Event{AuthorID: 8, IsEdit: true, Text: text("del")}, domain.OutcomeUnauthorized},
		{"no text", domain.Event{AuthorID: authorA}, domain.OutcomeNoText},
		{"empty text", domain.Event{AuthorID: authorA, Text: text("")}, domain.OutcomeNoText},
		{"create", domain.Event{AuthorID: authorA, Text: text("hi")}, domain.OutcomeCreate},
		{"create with sentinel text", domain.Event{AuthorID: authorA, Text: text("del")}, domain.OutcomeCreate},
		{"update", domain.Event{AuthorID: authorA, IsEdit: true, Text: text("hi")}, domain.OutcomeUpdate},
		{"delete", domain.Event{AuthorID: authorA, IsEdit: true, Text: text("del")}, domain.OutcomeDelete},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, p.Classify(tc.ev))
		})
	}
}

func TestCreateEditDeleteScenario(t *testing.T) {
	p, l, m := newTestProcessor(t, true)
	ctx := context.Background()

	outcome, err := p.Handle(ctx, domain.Event{AuthorID: authorA, MessageID: 3, Timestamp: 1000, Text: text("hello")})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCreate, outcome)

	got, err := p.Bulletins(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.Bulletin{{ID: 21, Timestamp: 1000, Text: "hello"}}, got)

	// an unrelated bulletin ahead of it
	_, err = p.Handle(ctx, domain.Event{AuthorID: authorA, MessageID: 4, Timestamp: 2000, Text: text("other")})
	require.NoError(t, err)

	outcome, err = p.Handle(ctx, domain.Event{AuthorID: authorA, MessageID: 3, Timestamp: 3000, IsEdit: true, Text: text("world")})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUpdate, outcome)

	snap := l.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, domain.Bulletin{ID: 21, Timestamp: 1000, Text: "world"}, snap[1], "edit keeps position and timestamp")

	outcome, err = p.Handle(ctx, domain.Event{AuthorID: authorA, MessageID: 3, Timestamp: 4000, IsEdit: true, Text: text("del")})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDelete, outcome)

	got, err = p.Bulletins(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.Bulletin{{ID: 28, Timestamp: 2000, Text: "other"}}, got)

	assert.Equal(t, []domain.Mutation{
		domain.Upsert(21, authorA, 1000, "hello"),
		domain.Upsert(28, authorA, 2000, "other"),
		domain.Upsert(21, authorA, 1000, "world"),
		domain.Delete(21),
	}, m.calls())
}

func TestUnauthorizedNeverMutates(t *testing.T) {
	p, l, m := newTestProcessor(t, true)
	ctx := context.Background()

	_, err := p.Handle(ctx, domain.Event{AuthorID: authorA, MessageID: 3, Text: text("hello")})
	require.NoError(t, err)
	before := l.Snapshot()
	callsBefore := len(m.calls())

	for _, ev := range []domain.Event{
		{AuthorID: 99, MessageID: 3, Text: text("hijack")},
		{AuthorID: 99, MessageID: 3, IsEdit: true, Text: text("edited")},
		{AuthorID: 99, MessageID: 3, IsEdit: true, Text: text("del")},
		{AuthorID: 3, MessageID: 7, IsEdit: true, Text: text("del")}, // same id, 21
	} {
		outcome, err := p.Handle(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeUnauthorized, outcome)
	}

	assert.Equal(t, before, l.Snapshot())
	assert.Len(t, m.calls(), callsBefore, "no remote call for unauthorized senders")
}

func TestMissingTextNeverMutates(t *testing.T) {
	p, l, m := newTestProcessor(t, true)
	ctx := context.Background()

	for _, ev := range []domain.Event{
		{AuthorID: authorA, MessageID: 3},
		{AuthorID: authorA, MessageID: 3, Text: text("")},
		{AuthorID: authorA, MessageID: 3, IsEdit: true},
	} {
		outcome, err := p.Handle(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeNoText, outcome)
	}
	assert.Empty(t, l.Snapshot())
	assert.Empty(t, m.calls())
}

func TestEditOfUnknownBulletin(t *testing.T) {
	p, l, m := newTestProcessor(t, true)

	outcome, err := p.Handle(context.Background(), domain.Event{AuthorID: authorA, MessageID: 5, Timestamp: 77, IsEdit: true, Text: text("late")})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeMissing, outcome)
	assert.Empty(t, l.Snapshot())
	assert.Empty(t, m.calls(), "an edit that changes nothing locally is not mirrored")
}

func TestLateEditAfterDeleteStaysDeleted(t *testing.T) {
	l := ledger.New(nil, nil)
	m := newFakeMirror(l)
	p, err := domain.NewProcessor(domain.ProcessorConfig{
		Authorized: []uint64{authorA},
		Ledger:     l,
		Mirror:     m,
		ReadSource: domain.ReadFromMirror,
	})
	require.NoError(t, err)
	ctx := context.Background()

	for _, ev := range []domain.Event{
		{AuthorID: authorA, MessageID: 3, Timestamp: 1, Text: text("hello")},
		{AuthorID: authorA, MessageID: 3, Timestamp: 1, IsEdit: true, Text: text(domain.DeleteSentinel)},
		{AuthorID: authorA, MessageID: 3, Timestamp: 1, IsEdit: true, Text: text("late edit")},
	} {
		_, err := p.Handle(ctx, ev)
		require.NoError(t, err)
	}

	assert.Empty(t, l.Snapshot())
	got, err := p.Bulletins(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRepeatedCreateIsIgnored(t *testing.T) {
	p, l, m := newTestProcessor(t, true)
	ctx := context.Background()
	ev := domain.Event{Seq: 1, AuthorID: authorA, MessageID: 3, Timestamp: 1, Text: text("hello")}

	outcome, err := p.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCreate, outcome)

	_, err = p.Handle(ctx, domain.Event{Seq: 2, AuthorID: authorA, MessageID: 3, Timestamp: 1, IsEdit: true, Text: text("edited")})
	require.NoError(t, err)

	// the channel replays events after a resume
	outcome, err = p.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, outcome)

	assert.Equal(t, []domain.Bulletin{{ID: 21, Timestamp: 1, Text: "edited"}}, l.Snapshot())
	assert.Len(t, m.calls(), 2, "the repeated create is not mirrored")
}

func TestCollidingCreateKeepsFirst(t *testing.T) {
	l := ledger.New(nil, nil)
	m := newFakeMirror(l)
	p, err := domain.NewProcessor(domain.ProcessorConfig{Authorized: []uint64{2, 3}, Ledger: l, Mirror: m})
	require.NoError(t, err)
	ctx := context.Background()

	outcome, err := p.Handle(ctx, domain.Event{AuthorID: 2, MessageID: 6, Timestamp: 1, Text: text("a")})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCreate, outcome)

	outcome, err = p.Handle(ctx, domain.Event{AuthorID: 3, MessageID: 4, Timestamp: 2, Text: text("b")})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, outcome)

	assert.Equal(t, []domain.Bulletin{{ID: 12, Timestamp: 1, Text: "a"}}, l.Snapshot())
	rows, err := m.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, l.Snapshot(), rows, "ledger and mirror agree")
}

func TestMirrorFailureKeepsLocalMutation(t *testing.T) {
	p, l, m := newTestProcessor(t, true)
	m.failNext = 1
	m.err = domain.E(domain.KindRemoteExecution, "mirror upsert", errors.New("relation does not exist"))

	outcome, err := p.Handle(context.Background(), domain.Event{AuthorID: authorA, MessageID: 3, Text: text("hello")})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCreate, outcome)
	assert.Len(t, l.Snapshot(), 1)
}

func TestLedgerUpdatedBeforeMirror(t *testing.T) {
	p, _, m := newTestProcessor(t, true)

	_, err := p.Handle(context.Background(), domain.Event{AuthorID: authorA, MessageID: 3, Timestamp: 1, Text: text("hello")})
	require.NoError(t, err)

	require.Len(t, m.seen, 1)
	assert.Equal(t, []domain.Bulletin{{ID: 21, Timestamp: 1, Text: "hello"}}, m.seen[0])
}

type failingStore struct{}

func (failingStore) Read() ([]byte, error) { return nil, errors.New("unused") }
func (failingStore) Write([]byte) error    { return errors.New("read-only file system") }

func TestDurabilityFailureContinues(t *testing.T) {
	l := ledger.New(failingStore{}, nil)
	m := newFakeMirror(l)
	p, err := domain.NewProcessor(domain.ProcessorConfig{Authorized: []uint64{authorA}, Ledger: l, Mirror: m})
	require.NoError(t, err)

	outcome, err := p.Handle(context.Background(), domain.Event{AuthorID: authorA, MessageID: 3, Text: text("hello")})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCreate, outcome)
	assert.Len(t, l.Snapshot(), 1)
	assert.Len(t, m.calls(), 1, "mirror still receives the mutation")
}

func TestHandleCancelledWhileWaitingForLock(t *testing.T) {
	l := ledger.New(nil, nil)
	block := make(chan struct{})
	m := &blockingMirror{entered: make(chan struct{}), release: block}
	p, err := domain.NewProcessor(domain.ProcessorConfig{Authorized: []uint64{authorA}, Ledger: l, Mirror: m, MirrorTimeout: time.Minute})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.Handle(context.Background(), domain.Event{AuthorID: authorA, MessageID: 1, Text: text("first")})
	}()
	<-m.entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Handle(ctx, domain.Event{AuthorID: authorA, MessageID: 2, Text: text("second")})
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, l.Snapshot(), 1)

	// reads do not wait behind the in-flight mirror call
	got, err := p.Bulletins(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1)

	close(block)
	<-done
}

type blockingMirror struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (m *blockingMirror) Apply(ctx context.Context, _ domain.Mutation) error {
	m.once.Do(func() { close(m.entered) })
	select {
	case <-m.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *blockingMirror) List(context.Context) ([]domain.Bulletin, error) { return nil, nil }
func (m *blockingMirror) IDs(context.Context) ([]uint64, error)           { return nil, nil }

func TestRandomSequencesKeepIDsUnique(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	authors := []uint64{2, 3, 6, 7}
	l := ledger.New(nil, nil)
	p, err := domain.NewProcessor(domain.ProcessorConfig{Authorized: authors, Ledger: l})
	require.NoError(t, err)

	texts := []string{"a", "b", "del", ""}
	for i := 0; i < 2000; i++ {
		ev := domain.Event{
			AuthorID:  authors[rng.IntN(len(authors))],
			MessageID: uint32(rng.IntN(12)),
			Timestamp: int64(i),
			IsEdit:    rng.IntN(2) == 0,
			Text:      text(texts[rng.IntN(len(texts))]),
		}
		_, err := p.Handle(context.Background(), ev)
		require.NoError(t, err)

		seen := map[uint64]bool{}
		for _, b := range l.Snapshot() {
			require.False(t, seen[b.ID], "duplicate id %d after event %d", b.ID, i)
			seen[b.ID] = true
		}
	}
}

func TestInsertAlwaysAtFront(t *testing.T) {
	p, l, _ := newTestProcessor(t, false)
	for i := uint32(1); i <= 20; i++ {
		_, err := p.Handle(context.Background(), domain.Event{AuthorID: authorA, MessageID: i, Timestamp: int64(i), Text: text("x")})
		require.NoError(t, err)
		assert.Equal(t, domain.BulletinID(authorA, i), l.Snapshot()[0].ID)
	}
}

func TestReadFromMirror(t *testing.T) {
	l := ledger.New(nil, nil)
	m := newFakeMirror(nil)
	m.rows[5] = domain.Bulletin{ID: 5, Timestamp: 1, Text: "from mirror"}

	p, err := domain.NewProcessor(domain.ProcessorConfig{Ledger: l, Mirror: m, ReadSource: domain.ReadFromMirror})
	require.NoError(t, err)

	got, err := p.Bulletins(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.Bulletin{{ID: 5, Timestamp: 1, Text: "from mirror"}}, got)
}

func TestNewProcessorValidation(t *testing.T) {
	_, err := domain.NewProcessor(domain.ProcessorConfig{})
	assert.Equal(t, domain.KindFatal, domain.KindOf(err))

	_, err = domain.NewProcessor(domain.ProcessorConfig{Ledger: ledger.New(nil, nil), ReadSource: domain.ReadFromMirror})
	assert.Equal(t, domain.KindFatal, domain.KindOf(err))

	_, err = domain.NewProcessor(domain.ProcessorConfig{Ledger: ledger.New(nil, nil), ReadSource: "cache"})
	assert.Equal(t, domain.KindFatal, domain.KindOf(err))
}

func TestReconcile(t *testing.T) {
	p, l, m := newTestProcessor(t, true)
	ctx := context.Background()

	m.failNext = 1
	m.err = errors.New("offline")
	_, err := p.Handle(ctx, domain.Event{AuthorID: authorA, MessageID: 3, Timestamp: 10, Text: text("hello")})
	require.NoError(t, err)
	m.rows[999] = domain.Bulletin{ID: 999, Text: "stale"}

	result, err := p.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ReconcileResult{Upserted: 1, Deleted: 1}, result)

	got, err := m.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, l.Snapshot(), got)
}

func TestReconcileJobStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	p, _, m := newTestProcessor(t, true)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.StartReconcileJob(ctx, 10*time.Millisecond)
	}()

	m.mu.Lock()
	m.rows[1] = domain.Bulletin{ID: 1, Text: "orphan"}
	m.mu.Unlock()

	require.Eventually(t, func() bool {
		ids, _ := m.IDs(context.Background())
		return len(ids) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
