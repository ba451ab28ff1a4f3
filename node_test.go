package mirror_test

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/jrhy/mirror"
	"github.com/jrhy/mirror/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNodeValidatesHostname(t *testing.T) {
	t.Parallel()
	for _, hostname := range []string{"", "new\nline", "tab\there", "nul\x00"} {
		_, err := mirror.NewNode(hostname, nil)
		require.ErrorIs(t, err, mirror.ErrValidation, "hostname %q", hostname)
	}
	n, err := mirror.NewNode("host with spaces", nil)
	require.NoError(t, err)
	require.Equal(t, "host with spaces", n.Hostname())
	require.Nil(t, n.State())
}

func TestNoTransport(t *testing.T) {
	t.Parallel()
	n, err := mirror.NewNode("a", &mirror.Options{GCDelay: -1})
	require.NoError(t, err)
	require.ErrorIs(t, n.SetState(1), mirror.ErrTransportNotConfigured)
	// applied locally regardless
	require.Equal(t, float64(1), n.State())
	require.ErrorIs(t, n.Sync(), mirror.ErrTransportNotConfigured)
	require.ErrorIs(t, n.Send(&mirror.Message{Op: mirror.OpSync}), mirror.ErrTransportNotConfigured)

	n.SetTransport(mirror.Discard)
	require.NoError(t, n.SetState(2))
	require.NoError(t, n.Sync())
	require.Nil(t, n.State())
}

func TestReceiveRejectsUnknownOp(t *testing.T) {
	t.Parallel()
	n := newNode(t, "a", mirror.Discard)
	require.ErrorIs(t, n.Receive(&mirror.Message{Op: "bogus", Hostname: "b"}), mirror.ErrUnknownMessageOp)
	require.ErrorIs(t, n.Receive(nil), mirror.ErrValidation)
}

func TestScalarRoot(t *testing.T) {
	t.Parallel()
	_, nodes := newNetwork(t, "a", "b")
	a, b := nodes[0], nodes[1]
	require.NoError(t, a.SetState("hello"))
	require.Equal(t, "hello", b.State())
	require.NoError(t, b.SetState(nil))
	require.Nil(t, a.State())
	requireConverged(t, a, b)
}

func TestNestedStateReplicates(t *testing.T) {
	t.Parallel()
	_, nodes := newNetwork(t, "a", "b")
	a, b := nodes[0], nodes[1]
	require.NoError(t, a.SetState(map[string]interface{}{
		"name": "widget",
		"tags": []interface{}{"x", "y"},
		"dims": map[string]int{"w": 2, "h": 3},
		"ok":   true,
	}))

	rb := root(t, b)
	require.False(t, rb.IsArray())
	require.Equal(t, []string{"dims", "name", "ok", "tags"}, rb.Keys())
	require.Equal(t, "widget", rb.Get("name"))
	require.Equal(t, true, rb.Get("ok"))
	tags, ok := rb.Get("tags").(*mirror.Handle)
	require.True(t, ok)
	require.True(t, tags.IsArray())
	require.Equal(t, 2, tags.Len())
	require.Equal(t, "y", tags.At(1))
	require.Nil(t, tags.At(2))
	require.Equal(t, map[string]interface{}{"w": float64(2), "h": float64(3)}, rb.Get("dims").(*mirror.Handle).Plain())
	require.Equal(t, root(t, a).Plain(), rb.Plain())
	require.Equal(t, root(t, a).ID(), rb.ID())
	requireConverged(t, a, b)
}

func TestWritesReplicate(t *testing.T) {
	t.Parallel()
	_, nodes := newNetwork(t, "a", "b")
	a, b := nodes[0], nodes[1]
	require.NoError(t, a.SetState(map[string]interface{}{}))
	ra, rb := root(t, a), root(t, b)

	require.NoError(t, ra.Set("count", 1))
	require.Equal(t, float64(1), rb.Get("count"))

	require.NoError(t, rb.Set("count", 2))
	require.Equal(t, float64(2), ra.Get("count"))

	require.NoError(t, ra.Set("child", map[string]interface{}{"deep": true}))
	child, ok := rb.Get("child").(*mirror.Handle)
	require.True(t, ok)
	require.Equal(t, true, child.Get("deep"))

	require.NoError(t, child.Set("deeper", []interface{}{1}))
	require.Equal(t, []interface{}{float64(1)}, ra.Get("child").(*mirror.Handle).Get("deeper").(*mirror.Handle).Plain())

	require.NoError(t, ra.Delete("count"))
	_, ok = rb.Lookup("count")
	require.False(t, ok)
	require.NotNil(t, rb.Clock("count"), "delete keeps its clock")
	require.NoError(t, ra.Delete("never-set"))

	requireConverged(t, a, b)
}

func TestArrayIndexes(t *testing.T) {
	t.Parallel()
	hub, nodes := newNetwork(t, "a", "b")
	a, b := nodes[0], nodes[1]
	require.NoError(t, a.SetState([]interface{}{"a"}))
	ra, rb := root(t, a), root(t, b)

	require.NoError(t, ra.SetAt(3, "d"))
	require.Equal(t, []interface{}{"a", nil, nil, "d"}, rb.Plain())
	require.Equal(t, []string{"0", "1", "2", "3"}, rb.Keys())

	require.NoError(t, rb.Delete("0"))
	require.Equal(t, []interface{}{nil, nil, nil, "d"}, ra.Plain())

	var sent []mirror.Op
	hub.Tap(func(m *mirror.Message) { sent = append(sent, m.Op) })
	_, ok := ra.Lookup("1")
	require.False(t, ok, "holes are absent")
	_, ok = ra.Lookup("3")
	require.True(t, ok)
	require.NoError(t, ra.Delete("1"))
	require.NoError(t, rb.Delete("0"))
	require.NoError(t, ra.SetAt(2, nil))
	require.Empty(t, sent, "clearing a hole changes nothing")
	require.Nil(t, ra.Clock("1"))

	require.ErrorIs(t, ra.Set("length", 1), mirror.ErrValidation)
	require.ErrorIs(t, ra.Set("01", 1), mirror.ErrValidation)
	require.ErrorIs(t, ra.SetAt(-1, 1), mirror.ErrValidation)
	requireConverged(t, a, b)
}

func TestHandleIdentity(t *testing.T) {
	t.Parallel()
	_, nodes := newNetwork(t, "a", "b")
	a, b := nodes[0], nodes[1]
	shared := map[string]interface{}{"v": 1}
	require.NoError(t, a.SetState(map[string]interface{}{"x": shared, "y": shared}))

	ra, rb := root(t, a), root(t, b)
	require.Same(t, ra, root(t, a))
	require.Same(t, ra.Get("x"), ra.Get("x"))
	require.Same(t, ra.Get("x"), ra.Get("y"))
	require.Same(t, rb.Get("x"), rb.Get("y"))
	require.Equal(t, 2, a.Resident())
	require.Equal(t, 2, b.Resident())
}

func TestCycles(t *testing.T) {
	t.Parallel()
	_, nodes := newNetwork(t, "a", "b")
	a, b := nodes[0], nodes[1]
	m := map[string]interface{}{"name": "loop"}
	m["self"] = m
	require.NoError(t, a.SetState(m))

	ra, rb := root(t, a), root(t, b)
	require.Same(t, ra, ra.Get("self"))
	require.Same(t, rb, rb.Get("self"))

	p := rb.Plain().(map[string]interface{})
	require.Equal(t, reflect.ValueOf(p).Pointer(), reflect.ValueOf(p["self"]).Pointer())

	list := []interface{}{nil}
	require.NoError(t, ra.Set("list", list))
	l := ra.Get("list").(*mirror.Handle)
	require.NoError(t, l.SetAt(0, ra))
	require.Same(t, rb, rb.Get("list").(*mirror.Handle).At(0))
	requireConverged(t, a, b)
}

func TestUnserializableValues(t *testing.T) {
	t.Parallel()
	a := newNode(t, "a", mirror.Discard)
	other := newNode(t, "b", mirror.Discard)
	require.NoError(t, a.SetState(map[string]interface{}{}))
	require.NoError(t, other.SetState(map[string]interface{}{}))
	ra := root(t, a)

	for _, v := range []interface{}{
		func() {},
		make(chan int),
		struct{ X int }{1},
		map[int]string{1: "one"},
		map[string]interface{}{"fine": 1, "bad": func() {}},
		[]interface{}{1, []interface{}{make(chan bool)}},
	} {
		require.ErrorIs(t, ra.Set("v", v), mirror.ErrSerialization, "%T", v)
	}
	require.Equal(t, 1, a.Resident(), "failed writes leave nothing registered")
	_, ok := ra.Lookup("v")
	require.False(t, ok)

	err := ra.Set("foreign", root(t, other))
	require.ErrorIs(t, err, mirror.ErrSerialization)
	require.ErrorIs(t, err, mirror.ErrForeignHandle)
}

func TestNumbersNormalize(t *testing.T) {
	t.Parallel()
	a := newNode(t, "a", mirror.Discard)
	require.NoError(t, a.SetState([]interface{}{int8(1), uint16(2), int64(3), float32(4.5), 5}))
	require.Equal(t, []interface{}{1.0, 2.0, 3.0, 4.5, 5.0}, root(t, a).Plain())
}

func TestUnchangedWriteSendsNothing(t *testing.T) {
	t.Parallel()
	hub, nodes := newNetwork(t, "a", "b")
	a := nodes[0]
	var assigns int
	hub.Tap(func(m *mirror.Message) {
		if m.Op == mirror.OpAssign {
			assigns++
		}
	})
	require.NoError(t, a.SetState(map[string]interface{}{}))
	ra := root(t, a)
	require.NoError(t, ra.Set("k", 1))
	require.NoError(t, ra.Set("k", 1.0))
	require.Equal(t, 1, assigns)
	require.NoError(t, ra.Set("k", "1"))
	require.Equal(t, 2, assigns)
}

func TestStaleAndDuplicateWritesDropped(t *testing.T) {
	t.Parallel()
	a, b, oa, _ := newPair(t, map[string]interface{}{"k": 1})
	ra, rb := root(t, a), root(t, b)

	require.NoError(t, ra.Set("k", 2))
	require.NoError(t, ra.Set("k", 3))
	msgs := oa.take()
	require.Equal(t, []mirror.Op{mirror.OpAssign, mirror.OpAssign}, ops(msgs))

	deliver(t, b, msgs[1], msgs[0], msgs[1], msgs[0])
	require.Equal(t, float64(3), rb.Get("k"))
	require.Equal(t, mirror.Clock{Counter: 2, Host: "a"}, *rb.Clock("k"))

	require.NoError(t, ra.Delete("k"))
	del := oa.take()
	deliver(t, b, del...)
	deliver(t, b, msgs...)
	_, ok := rb.Lookup("k")
	require.False(t, ok, "a delete is not undone by older assigns")
	requireConverged(t, a, b)
}

func TestConcurrentWritesConverge(t *testing.T) {
	t.Parallel()
	a, b, oa, ob := newPair(t, map[string]interface{}{"k": 0})
	ra, rb := root(t, a), root(t, b)

	require.NoError(t, ra.Set("k", "from-a"))
	require.NoError(t, rb.Set("k", "from-b"))
	deliver(t, b, oa.take()...)
	deliver(t, a, ob.take()...)

	// equal counters: the greater hostname wins everywhere
	require.Equal(t, "from-b", ra.Get("k"))
	require.Equal(t, "from-b", rb.Get("k"))
	requireConverged(t, a, b)
}

func TestElementWritesRaceStructuralWrites(t *testing.T) {
	t.Parallel()
	a, b, oa, ob := newPair(t, []interface{}{1, 2, 3})
	ra, rb := root(t, a), root(t, b)

	require.NoError(t, rb.SetAt(0, 9))
	_, err := ra.Push(4)
	require.NoError(t, err)
	fromA, fromB := oa.take(), ob.take()
	require.Equal(t, []mirror.Op{mirror.OpReplace}, ops(fromA))
	require.Equal(t, []mirror.Op{mirror.OpAssign}, ops(fromB))
	deliver(t, b, fromA...)
	deliver(t, a, fromB...)
	require.Equal(t, []interface{}{9.0, 2.0, 3.0, 4.0}, ra.Plain())
	require.Equal(t, ra.Plain(), rb.Plain())
	requireConverged(t, a, b)

	// equal counters: b's pop outranks a's write past the new end
	require.NoError(t, ra.SetAt(3, "x"))
	_, err = rb.Pop()
	require.NoError(t, err)
	more, moreB := oa.take(), ob.take()
	deliver(t, a, moreB...)
	deliver(t, b, more...)
	require.Equal(t, []interface{}{9.0, 2.0, 3.0}, ra.Plain())
	requireConverged(t, a, b)

	deliver(t, a, append(fromB, moreB...)...)
	deliver(t, b, append(more, fromA...)...)
	require.Equal(t, []interface{}{9.0, 2.0, 3.0}, rb.Plain())
	requireConverged(t, a, b)
}

func TestRootWritesAreGated(t *testing.T) {
	t.Parallel()
	oa, ob := &outbox{}, &outbox{}
	a := newNode(t, "a", oa)
	b := newNode(t, "b", ob)
	require.NoError(t, a.SetState("from-a"))
	require.NoError(t, b.SetState("from-b"))
	stale := oa.take()
	deliver(t, a, ob.take()...)
	deliver(t, b, stale...)
	require.Equal(t, "from-b", a.State())
	require.Equal(t, "from-b", b.State())

	require.NoError(t, a.SetState("again"))
	deliver(t, b, oa.take()...)
	deliver(t, b, stale...)
	require.Equal(t, "again", b.State())
	requireConverged(t, a, b)
}

func TestWritesToUnknownContainersAreDropped(t *testing.T) {
	t.Parallel()
	ob := &outbox{}
	b := newNode(t, "b", ob)
	clock := mirror.NewClock("z")
	deliver(t, b,
		&mirror.Message{Op: mirror.OpAssign, Hostname: "z", ID: "nope", Property: "k", Value: 1.0, Vector: &clock},
		&mirror.Message{Op: mirror.OpDelete, Hostname: "z", ID: "nope", Property: "k", Vector: &clock},
		&mirror.Message{Op: mirror.OpReplace, Hostname: "z", ID: "nope", Values: []interface{}{}, Vector: &clock},
		&mirror.Message{Op: mirror.OpCall, Hostname: "z", ID: "nope", Name: "push", Host: "z"},
		&mirror.Message{Op: mirror.OpLockUnlock, Hostname: "z", ID: "nope", Host: "z"},
		&mirror.Message{Op: mirror.OpExport, Hostname: "z", References: []string{"nope"}},
	)
	require.Empty(t, ob.take())
	require.Equal(t, 0, b.Resident())
}

func TestSync(t *testing.T) {
	t.Parallel()
	hub := transport.NewHub(nil)
	server := newNode(t, "server", nil)
	hub.Attach(server)
	shared := map[string]interface{}{"v": 1}
	state := map[string]interface{}{
		"name":   "doc",
		"x":      shared,
		"y":      shared,
		"list":   []interface{}{map[string]interface{}{"deep": []interface{}{1, 2}}},
		"number": 7,
	}
	state["self"] = state
	require.NoError(t, server.SetState(state))

	client := newNode(t, "client", nil)
	hub.Attach(client)
	require.Nil(t, client.State())
	var ready, rootChanged int
	client.On(mirror.EventReady, func(e mirror.Event) { ready++ })
	client.On(mirror.EventRootChanged, func(e mirror.Event) { rootChanged++ })

	require.NoError(t, client.Sync())
	require.NoError(t, client.WhenReady(ctx))
	require.Equal(t, 1, ready)
	require.GreaterOrEqual(t, rootChanged, 1)
	require.Equal(t, 0, client.Pending())

	rc := root(t, client)
	require.Equal(t, "doc", rc.Get("name"))
	require.Same(t, rc, rc.Get("self"))
	require.NotNil(t, rc.Get("x"))
	require.Same(t, rc.Get("x"), rc.Get("y"))
	deep := rc.Get("list").(*mirror.Handle).At(0).(*mirror.Handle).Get("deep").(*mirror.Handle)
	require.Equal(t, []interface{}{1.0, 2.0}, deep.Plain())
	require.Equal(t, server.Resident(), client.Resident())
	requireConverged(t, server, client)

	// the client is now a full peer
	require.NoError(t, rc.Set("from", "client"))
	require.Equal(t, "client", root(t, server).Get("from"))
}

func TestIdlePeerDoesNotClearRoots(t *testing.T) {
	t.Parallel()
	hub, nodes := newNetwork(t, "a", "b")
	a, b := nodes[0], nodes[1]
	require.NoError(t, a.SetState(map[string]interface{}{"v": 1}))
	idle := newNode(t, "idle", nil)
	hub.Attach(idle)

	require.NoError(t, b.Sync())
	require.NoError(t, b.WhenReady(ctx))
	require.Equal(t, 1.0, root(t, a).Get("v"))
	require.Equal(t, 1.0, root(t, b).Get("v"))
	requireConverged(t, a, b, idle)

	ob := &outbox{}
	quiet := newNode(t, "quiet", ob)
	deliver(t, quiet, &mirror.Message{Op: mirror.OpSync, Hostname: "a"})
	require.Empty(t, ob.take(), "a node without a root has nothing to answer")
	deliver(t, a, &mirror.Message{Op: mirror.OpRoot, Hostname: "quiet"})
	require.Equal(t, 1.0, root(t, a).Get("v"), "a root without a clock never wins")
}

func TestWhenReadyWaitsForImports(t *testing.T) {
	t.Parallel()
	osrv, oc := &outbox{}, &outbox{}
	server := newNode(t, "server", osrv)
	client := newNode(t, "client", oc)
	require.NoError(t, server.SetState(map[string]interface{}{"v": 1}))
	osrv.take()

	require.NoError(t, client.Sync())
	deliver(t, server, oc.take()...)
	deliver(t, client, osrv.take()...)
	export := oc.take()
	require.Equal(t, []mirror.Op{mirror.OpExport}, ops(export))
	require.Equal(t, 1, client.Pending())
	require.Nil(t, client.State())

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, client.WhenReady(short), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- client.WhenReady(ctx) }()
	deliver(t, server, export...)
	deliver(t, client, osrv.take()...)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("WhenReady did not return")
	}
	require.Equal(t, float64(1), root(t, client).Get("v"))
}

func TestCollect(t *testing.T) {
	t.Parallel()
	n := newNode(t, "a", mirror.Discard)
	require.NoError(t, n.SetState(map[string]interface{}{
		"child": map[string]interface{}{"x": 1},
		"keep":  []interface{}{1},
	}))
	require.Equal(t, 3, n.Resident())
	r := root(t, n)
	require.NoError(t, r.Set("child", nil))
	require.Equal(t, 1, n.Collect())
	require.Equal(t, 2, n.Resident())
	require.Equal(t, 0, n.Collect())

	require.NoError(t, n.SetState(0))
	require.Equal(t, 2, n.Collect())
	require.Equal(t, 0, n.Resident())
}

func TestCollectAfterDelay(t *testing.T) {
	t.Parallel()
	n, err := mirror.NewNode("a", &mirror.Options{Transport: mirror.Discard, GCDelay: 5 * time.Millisecond})
	require.NoError(t, err)
	defer n.Close()
	require.NoError(t, n.SetState(map[string]interface{}{"c": map[string]interface{}{}}))
	require.Equal(t, 2, n.Resident())
	require.NoError(t, root(t, n).Delete("c"))
	require.Eventually(t, func() bool { return n.Resident() == 1 }, 5*time.Second, time.Millisecond)
}

func TestCollectedHandleRevives(t *testing.T) {
	t.Parallel()
	_, nodes := newNetwork(t, "a", "b")
	a, b := nodes[0], nodes[1]
	require.NoError(t, a.SetState(map[string]interface{}{"child": map[string]interface{}{"x": 1}}))
	ra := root(t, a)
	child := ra.Get("child").(*mirror.Handle)
	require.NoError(t, ra.Delete("child"))
	require.Equal(t, 1, a.Collect())
	// b got both containers by init, so they outlive the first sweep
	require.Equal(t, 0, b.Collect())
	require.Equal(t, 1, b.Collect())

	require.NoError(t, ra.Set("again", child))
	require.Equal(t, 2, a.Resident())
	require.Same(t, child, ra.Get("again"))
	require.Equal(t, float64(1), root(t, b).Get("again").(*mirror.Handle).Get("x"))
	requireConverged(t, a, b)
}

func TestAnnouncedContainersSurviveOneSweep(t *testing.T) {
	t.Parallel()
	a, b, oa, ob := newPair(t, map[string]interface{}{})
	require.NoError(t, root(t, a).Set("child", map[string]interface{}{"x": 1}))
	msgs := oa.take()
	require.Equal(t, []mirror.Op{mirror.OpInit, mirror.OpAssign}, ops(msgs))

	deliver(t, b, msgs[0])
	require.Equal(t, 2, b.Resident())
	require.Equal(t, 0, b.Collect())
	require.Equal(t, 1, b.Collect())

	// the assign now refers to a container b dropped; b fetches it again
	deliver(t, b, msgs[1])
	require.Nil(t, root(t, b).Get("child"))
	require.Equal(t, 1, b.Pending())
	deliver(t, a, ob.take()...)
	deliver(t, b, oa.take()...)
	require.Equal(t, 0, b.Pending())
	require.Equal(t, float64(1), root(t, b).Get("child").(*mirror.Handle).Get("x"))
	requireConverged(t, a, b)
}

func TestBackfillSkipsOverwrittenProperty(t *testing.T) {
	t.Parallel()
	a, b, oa, ob := newPair(t, map[string]interface{}{})
	ra := root(t, a)
	require.NoError(t, ra.Set("p", map[string]interface{}{}))
	msgs := oa.take()
	// b misses the init, so the assign leaves p pending
	deliver(t, b, msgs[1])
	export := ob.take()
	require.Equal(t, 1, b.Pending())

	require.NoError(t, ra.Set("p", "scalar"))
	deliver(t, b, oa.take()...)
	deliver(t, a, export...)
	deliver(t, b, oa.take()...)
	assert.Equal(t, 0, b.Pending())
	assert.Equal(t, "scalar", root(t, b).Get("p"))
}
