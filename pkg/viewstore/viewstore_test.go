package viewstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlosbensant/payload-sync/pkg/model"
	"github.com/carlosbensant/payload-sync/pkg/protocol"
)

type fakeTransport struct {
	mu           sync.Mutex
	result       interface{}
	timestamp    int64
	executes     int
	subscribes   int
	unsubscribes int
	handler      func(protocol.Update, int64)
	executeGate  chan struct{} // when non-nil, Execute blocks until closed
}

func (f *fakeTransport) Execute(_ context.Context, _ model.Query) (interface{}, int64, error) {
	f.mu.Lock()
	f.executes++
	gate := f.executeGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.timestamp, nil
}

func (f *fakeTransport) Subscribe(_ string, _ model.Query, handler func(protocol.Update, int64)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	f.handler = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubscribes++
	}, nil
}

func (f *fakeTransport) counts() (executes, subscribes, unsubscribes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executes, f.subscribes, f.unsubscribes
}

func (f *fakeTransport) deliver(u protocol.Update, ts int64) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(u, ts)
}

func taskQuery(sort string) model.Query {
	return model.Query{
		Type:       model.QueryFind,
		Collection: "tasks",
		Where:      model.Where{"projectId": "P1"},
		Sort:       sort,
	}
}

func waitComplete(t *testing.T, v *View) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		return v.Current().Complete
	}, time.Second, 5*time.Millisecond)
	return v.Current()
}

func docs(v *View) []model.Document {
	d, _ := v.Current().Data.([]model.Document)
	return d
}

func TestGetViewDeduplicatesByFingerprint(t *testing.T) {
	ft := &fakeTransport{result: []model.Document{}}
	s := New(ft)

	a := s.GetView(taskQuery("position"), true, 0)
	b := s.GetView(model.Query{
		Type:       model.QueryFind,
		Collection: "tasks",
		Sort:       "position",
		Where:      model.Where{"projectId": "P1", "assignee": nil},
		Limit:      0,
	}, true, 0)

	assert.Same(t, a, b)
	assert.Equal(t, 1, s.Len())
	_, subs, _ := ft.counts()
	assert.Equal(t, 1, subs)
}

func TestDisabledViewStaysCold(t *testing.T) {
	ft := &fakeTransport{result: []model.Document{}}
	s := New(ft)

	s.GetView(taskQuery("position"), false, 0)

	execs, subs, _ := ft.counts()
	assert.Zero(t, execs)
	assert.Zero(t, subs)
}

func TestInsertKeepsSortOrder(t *testing.T) {
	ft := &fakeTransport{
		result: []model.Document{
			{"id": "t1", "position": 1},
			{"id": "t3", "position": 3},
		},
		timestamp: 100,
	}
	s := New(ft)
	v := s.GetView(taskQuery("position"), true, 0)
	waitComplete(t, v)

	ft.deliver(protocol.Update{
		QueryKey:   v.QueryKey(),
		ChangeType: protocol.ChangeInsert,
		Data:       model.Document{"id": "t2", "position": 2},
	}, 101)

	got := docs(v)
	require.Len(t, got, 3)
	assert.Equal(t, "t1", got[0].ID())
	assert.Equal(t, "t2", got[1].ID())
	assert.Equal(t, "t3", got[2].ID())
}

func TestInsertDescendingSortOrder(t *testing.T) {
	ft := &fakeTransport{
		result: []model.Document{
			{"id": "t3", "position": 3},
			{"id": "t1", "position": 1},
		},
		timestamp: 100,
	}
	s := New(ft)
	v := s.GetView(taskQuery("-position"), true, 0)
	waitComplete(t, v)

	ft.deliver(protocol.Update{
		ChangeType: protocol.ChangeInsert,
		Data:       model.Document{"id": "t2", "position": 2},
	}, 101)

	got := docs(v)
	require.Len(t, got, 3)
	assert.Equal(t, "t3", got[0].ID())
	assert.Equal(t, "t2", got[1].ID())
	assert.Equal(t, "t1", got[2].ID())
}

func TestUpdateIsIdempotent(t *testing.T) {
	ft := &fakeTransport{
		result:    []model.Document{{"id": "t1", "position": 1, "title": "old"}},
		timestamp: 100,
	}
	s := New(ft)
	v := s.GetView(taskQuery("position"), true, 0)
	waitComplete(t, v)

	patch := protocol.Update{
		ChangeType: protocol.ChangeUpdate,
		Data:       model.Document{"id": "t1", "position": 1, "title": "new"},
	}
	ft.deliver(patch, 101)
	first := docs(v)
	ft.deliver(patch, 101)
	second := docs(v)

	require.Len(t, second, 1)
	assert.Equal(t, "new", second[0]["title"])
	assert.Equal(t, first, second)
}

func TestUpdateMovesSortPosition(t *testing.T) {
	ft := &fakeTransport{
		result: []model.Document{
			{"id": "t1", "position": 1},
			{"id": "t2", "position": 2},
		},
		timestamp: 100,
	}
	s := New(ft)
	v := s.GetView(taskQuery("position"), true, 0)
	waitComplete(t, v)

	ft.deliver(protocol.Update{
		ChangeType: protocol.ChangeUpdate,
		Data:       model.Document{"id": "t1", "position": 5},
	}, 101)

	got := docs(v)
	require.Len(t, got, 2)
	assert.Equal(t, "t2", got[0].ID())
	assert.Equal(t, "t1", got[1].ID())
}

func TestDeleteAndUpsert(t *testing.T) {
	ft := &fakeTransport{
		result:    []model.Document{{"id": "t1", "position": 1}},
		timestamp: 100,
	}
	s := New(ft)
	v := s.GetView(taskQuery("position"), true, 0)
	waitComplete(t, v)

	ft.deliver(protocol.Update{
		ChangeType: protocol.ChangeDelete,
		Data:       model.Document{"id": "t1"},
	}, 101)
	assert.Empty(t, docs(v))

	// Upsert of an id not in the view inserts it.
	ft.deliver(protocol.Update{
		ChangeType: protocol.ChangeUpsert,
		Data:       model.Document{"id": "t9", "position": 9},
	}, 102)
	got := docs(v)
	require.Len(t, got, 1)
	assert.Equal(t, "t9", got[0].ID())
}

func TestFindByIDDeleteYieldsNil(t *testing.T) {
	ft := &fakeTransport{
		result:    model.Document{"id": "t1", "title": "x"},
		timestamp: 100,
	}
	s := New(ft)
	v := s.GetView(model.Query{Type: model.QueryFindByID, Collection: "tasks", ID: "t1"}, true, 0)
	waitComplete(t, v)
	require.NotNil(t, v.Current().Data)

	ft.deliver(protocol.Update{
		ChangeType: protocol.ChangeDelete,
		Data:       model.Document{"id": "t1"},
	}, 101)

	assert.Nil(t, v.Current().Data)
}

func TestInvalidateRefetches(t *testing.T) {
	ft := &fakeTransport{result: []model.Document{}, timestamp: 100}
	s := New(ft)
	v := s.GetView(taskQuery(""), true, 0)
	waitComplete(t, v)

	ft.mu.Lock()
	ft.result = []model.Document{{"id": "t1"}}
	ft.timestamp = 200
	ft.mu.Unlock()

	ft.deliver(protocol.Update{ChangeType: protocol.ChangeInvalidate}, 150)

	require.Eventually(t, func() bool {
		return len(docs(v)) == 1
	}, time.Second, 5*time.Millisecond)
	execs, _, _ := ft.counts()
	assert.Equal(t, 2, execs)
}

func TestDeltaBeatsStaleBaseline(t *testing.T) {
	gate := make(chan struct{})
	ft := &fakeTransport{
		result:      []model.Document{{"id": "t1", "position": 1}},
		timestamp:   100,
		executeGate: gate,
	}
	s := New(ft)
	v := s.GetView(taskQuery("position"), true, 0)

	require.Eventually(t, func() bool {
		_, subs, _ := ft.counts()
		return subs == 1
	}, time.Second, 5*time.Millisecond)

	// A delta with a newer server timestamp lands before the baseline
	// response; the baseline must not clobber it.
	ft.deliver(protocol.Update{
		ChangeType: protocol.ChangeInsert,
		Data:       model.Document{"id": "t2", "position": 2},
	}, 200)
	close(gate)

	snap := waitComplete(t, v)
	got, _ := snap.Data.([]model.Document)
	require.Len(t, got, 1)
	assert.Equal(t, "t2", got[0].ID())
}

func TestTTLDematerializesAfterLastSubscriber(t *testing.T) {
	ft := &fakeTransport{result: []model.Document{}, timestamp: 100}
	s := New(ft)
	v := s.GetView(taskQuery(""), true, 30*time.Millisecond)

	cancel := v.Subscribe(func(Snapshot) {})
	waitComplete(t, v)
	cancel()

	require.Eventually(t, func() bool {
		_, _, unsubs := ft.counts()
		return unsubs == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, s.Len())
}

func TestResubscribeWithinTTLCancelsTeardown(t *testing.T) {
	ft := &fakeTransport{result: []model.Document{}, timestamp: 100}
	s := New(ft)
	v := s.GetView(taskQuery(""), true, 50*time.Millisecond)

	cancel := v.Subscribe(func(Snapshot) {})
	waitComplete(t, v)
	cancel()

	cancel2 := v.Subscribe(func(Snapshot) {})
	defer cancel2()

	time.Sleep(100 * time.Millisecond)
	_, _, unsubs := ft.counts()
	assert.Zero(t, unsubs)
	assert.Equal(t, 1, s.Len())
}

func TestGetViewRefreshesPendingTeardown(t *testing.T) {
	ft := &fakeTransport{result: []model.Document{}, timestamp: 100}
	s := New(ft)
	v := s.GetView(taskQuery(""), true, 100*time.Millisecond)

	cancel := v.Subscribe(func(Snapshot) {})
	waitComplete(t, v)
	cancel()

	time.Sleep(60 * time.Millisecond)
	s.GetView(taskQuery(""), true, 100*time.Millisecond)

	// Past the original deadline but within the refreshed window.
	time.Sleep(60 * time.Millisecond)
	_, _, unsubs := ft.counts()
	assert.Zero(t, unsubs)
	assert.Equal(t, 1, s.Len())
}

func TestListenerReceivesSnapshots(t *testing.T) {
	ft := &fakeTransport{
		result:    []model.Document{{"id": "t1", "position": 1}},
		timestamp: 100,
	}
	s := New(ft)
	v := s.GetView(taskQuery("position"), true, 0)
	waitComplete(t, v)

	var mu sync.Mutex
	var seen []Snapshot
	cancel := v.Subscribe(func(snap Snapshot) {
		mu.Lock()
		seen = append(seen, snap)
		mu.Unlock()
	})
	defer cancel()

	ft.deliver(protocol.Update{
		ChangeType: protocol.ChangeInsert,
		Data:       model.Document{"id": "t2", "position": 2},
	}, 101)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(seen), 2)
	first, _ := seen[0].Data.([]model.Document)
	last, _ := seen[len(seen)-1].Data.([]model.Document)
	assert.Len(t, first, 1)
	assert.Len(t, last, 2)
}
