package channels

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/dispatchd/internal/bus"
	"github.com/dayuer/dispatchd/internal/journal"
	"github.com/dayuer/dispatchd/internal/rule"
	"github.com/dayuer/dispatchd/internal/trigger"
)

const (
	tick    = 5 * time.Millisecond
	waitFor = 2 * time.Second
)

type recordSink struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (s *recordSink) Record(_ context.Context, e journal.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *recordSink) Close() error { return nil }

func (s *recordSink) count(kind journal.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// recorder collects the payloads of every batch it consumes.
type recorder struct {
	mu      sync.Mutex
	batches [][]any
	times   []time.Time
}

func (r *recorder) consume(_ context.Context, b *rule.Batch) error {
	var payloads []any
	for _, m := range b.Messages() {
		payloads = append(payloads, m.Payload())
	}
	r.mu.Lock()
	r.batches = append(r.batches, payloads)
	r.times = append(r.times, time.Now())
	r.mu.Unlock()
	return nil
}

func (r *recorder) get() [][]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]any(nil), r.batches...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *recorder) firstAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.times[0]
}

func newTestChannel(t *testing.T) (*Channel, *recordSink) {
	t.Helper()
	sink := &recordSink{}
	c := New(Config{ID: "test", TickInterval: tick, Sink: sink})
	t.Cleanup(func() {
		c.Close("test finished")
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = c.Drain(ctx)
	})
	return c, sink
}

func payloadIs(want any) bus.Filter {
	return func(m *bus.Message) bool { return m.Payload() == want }
}

func TestChannel_MinSizeBatchesInOrder(t *testing.T) {
	c, _ := newTestChannel(t)
	rec := &recorder{}
	require.NoError(t, c.Attach(rule.MustNew(rec.consume, rule.WithMinSize(3))))

	for i := 1; i <= 3; i++ {
		_, err := c.Store(i)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
	assert.Equal(t, []any{1, 2, 3}, rec.get()[0])
	assert.Eventually(t, func() bool { return c.Size() == 0 }, waitFor, tick)

	time.Sleep(10 * tick)
	assert.Equal(t, 1, rec.count())
}

func TestChannel_MaxSizeSplitsFirings(t *testing.T) {
	c, _ := newTestChannel(t)
	rec := &recorder{}
	require.NoError(t, c.Attach(rule.MustNew(rec.consume, rule.WithMaxSize(1))))

	_, err := c.Store("first")
	require.NoError(t, err)
	_, err = c.Store("second")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 2 }, waitFor, tick)
	assert.Equal(t, [][]any{{"first"}, {"second"}}, rec.get())
}

func TestChannel_MessageAgeAll(t *testing.T) {
	c, _ := newTestChannel(t)
	rec := &recorder{}
	const threshold = 200 * time.Millisecond
	require.NoError(t, c.Attach(rule.MustNew(rec.consume, rule.WithMessageAge(rule.AgeAll, threshold))))

	stored := time.Now()
	_, err := c.Store("aging")
	require.NoError(t, err)

	assert.Never(t, func() bool { return rec.count() > 0 }, threshold/2, tick)
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
	assert.GreaterOrEqual(t, rec.firstAt().Sub(stored), threshold)
}

func TestChannel_SharedGroupGatesOtherRule(t *testing.T) {
	c, _ := newTestChannel(t)
	const idle = 250 * time.Millisecond

	a := &recorder{}
	b := &recorder{}
	require.NoError(t, c.Attach(rule.MustNew(a.consume,
		rule.WithID("a"), rule.WithPoolFilter(payloadIs("a")), rule.WithGroups("G"))))
	require.NoError(t, c.Attach(rule.MustNew(b.consume,
		rule.WithID("b"), rule.WithPoolFilter(payloadIs("b")), rule.WithConsumeEventAge("G", idle, false))))

	_, err := c.Store("a")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.count() == 1 }, waitFor, tick)

	lastA, ok := c.GroupClock("G")
	require.True(t, ok)

	_, err = c.Store("b")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.count() == 1 }, waitFor, tick)
	assert.GreaterOrEqual(t, b.firstAt().Sub(lastA), idle)
}

type keyed struct {
	Key   string
	Value int
}

func TestChannel_ReplaceByKey(t *testing.T) {
	c, _ := newTestChannel(t)
	sameKey := func(newer, older *bus.Message) bool {
		n, _ := bus.PayloadAs[keyed](newer)
		o, _ := bus.PayloadAs[keyed](older)
		return n.Key == o.Key
	}
	require.NoError(t, c.Attach(rule.MustNew((&recorder{}).consume,
		rule.WithMinSize(10), rule.WithReplaceFilter(sameKey))))

	_, err := c.Store(keyed{"k1", 1})
	require.NoError(t, err)
	newest, err := c.Store(keyed{"k1", 2})
	require.NoError(t, err)
	_, err = c.Store(keyed{"k2", 3})
	require.NoError(t, err)

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, newest, msgs[0].ID())
	v, ok := bus.PayloadAs[keyed](msgs[0])
	require.True(t, ok)
	assert.Equal(t, 2, v.Value)
}

func TestChannel_NoConcurrentFiringsPerRule(t *testing.T) {
	c, _ := newTestChannel(t)
	var running, maxRunning, fired atomic.Int32
	slow := func(_ context.Context, b *rule.Batch) error {
		n := running.Add(1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(3 * tick)
		running.Add(-1)
		fired.Add(int32(b.Len()))
		return nil
	}
	require.NoError(t, c.Attach(rule.MustNew(slow, rule.WithMaxSize(1))))

	for i := 0; i < 10; i++ {
		_, err := c.Store(i)
		require.NoError(t, err)
		time.Sleep(tick / 2)
	}

	require.Eventually(t, func() bool { return fired.Load() == 10 }, 5*waitFor, tick)
	assert.EqualValues(t, 1, maxRunning.Load())
	assert.Zero(t, c.Size())
}

func TestChannel_KeptMessagesStay(t *testing.T) {
	c, _ := newTestChannel(t)
	var firings atomic.Int32
	keepFirst := func(_ context.Context, b *rule.Batch) error {
		firings.Add(1)
		for b.Next() {
			if b.IsFirst() {
				b.Keep()
			}
			b.SetProcessed()
		}
		return nil
	}
	require.NoError(t, c.Attach(rule.MustNew(keepFirst, rule.WithMinSize(2))))

	kept, err := c.Store("keep me")
	require.NoError(t, err)
	_, err = c.Store("consume me")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return firings.Load() == 1 && c.Size() == 1 }, waitFor, tick)
	_, ok := c.Message(kept)
	assert.True(t, ok)
}

func TestChannel_KeepMessagesRule(t *testing.T) {
	c, _ := newTestChannel(t)
	rec := &recorder{}
	r := rule.MustNew(rec.consume, rule.WithKeepMessages(), rule.WithConsumeEventAge("", time.Hour, true))
	require.NoError(t, c.Attach(r))

	_, err := c.Store("x")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
	time.Sleep(10 * tick)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 1, c.Size())

	_, ok := c.GroupClock(r.PrivateGroup())
	assert.True(t, ok)
	_, ok = c.GroupClock(rule.GroupAny)
	assert.True(t, ok)
}

func TestChannel_TimeoutFiresOnce(t *testing.T) {
	c, _ := newTestChannel(t)
	var timeouts atomic.Int32
	var timedOutID atomic.Value
	onTimeout := func(_ context.Context, m *bus.Message) {
		timeouts.Add(1)
		timedOutID.Store(m.ID())
	}
	require.NoError(t, c.Attach(rule.MustNew((&recorder{}).consume,
		rule.WithMinSize(5), rule.WithTimeout(30*time.Millisecond, onTimeout))))

	id, err := c.Store("lonely")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return timeouts.Load() == 1 }, waitFor, tick)
	time.Sleep(20 * tick)
	assert.EqualValues(t, 1, timeouts.Load())
	assert.Equal(t, id, timedOutID.Load())
	assert.Equal(t, 1, c.Size(), "timed out messages stay pooled")
	assert.EqualValues(t, 1, c.Stats().Rules[0].Timeouts)
}

func TestChannel_ConsumedMessagesDoNotTimeOut(t *testing.T) {
	c, _ := newTestChannel(t)
	var timeouts atomic.Int32
	rec := &recorder{}
	require.NoError(t, c.Attach(rule.MustNew(rec.consume,
		rule.WithTimeout(50*time.Millisecond, func(context.Context, *bus.Message) { timeouts.Add(1) }))))

	_, err := c.Store("fast")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)

	time.Sleep(20 * tick)
	assert.Zero(t, timeouts.Load())
}

var errDownstream = errors.New("downstream unavailable")

func TestChannel_ErrorRouting(t *testing.T) {
	c, sink := newTestChannel(t)
	var calls atomic.Int32
	flaky := func(context.Context, *rule.Batch) error {
		if calls.Add(1) == 1 {
			return errDownstream
		}
		return nil
	}
	routed := make(chan *rule.ConsumeError, 1)
	r := rule.MustNew(flaky, rule.WithGroups("G"), rule.OnError(errDownstream, func(_ context.Context, err *rule.ConsumeError) {
		routed <- err
	}))
	require.NoError(t, c.Attach(r))

	id, err := c.Store("payload")
	require.NoError(t, err)

	select {
	case ce := <-routed:
		assert.ErrorIs(t, ce, errDownstream)
		assert.Equal(t, r.ID(), ce.RuleID)
		assert.Equal(t, "test", ce.ChannelID)
		require.Len(t, ce.Messages, 1)
		assert.Equal(t, id, ce.Messages[0].ID())
	case <-time.After(waitFor):
		t.Fatal("error handler not called")
	}

	// the failed firing removed nothing; the next one succeeds
	require.Eventually(t, func() bool { return calls.Load() >= 2 && c.Size() == 0 }, waitFor, tick)
	assert.Equal(t, 1, sink.count(journal.KindConsumeError))
	assert.Zero(t, sink.count(journal.KindUnhandledError))

	st := c.Stats().Rules[0]
	assert.EqualValues(t, 1, st.Errors)
	assert.EqualValues(t, 1, st.Fired)
}

func TestChannel_ErrorDoesNotUpdateGroupClock(t *testing.T) {
	c, sink := newTestChannel(t)
	failing := func(context.Context, *rule.Batch) error { return errDownstream }
	require.NoError(t, c.Attach(rule.MustNew(failing, rule.WithGroups("G"))))

	_, err := c.Store("payload")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sink.count(journal.KindUnhandledError) >= 1 }, waitFor, tick)
	_, fired := c.GroupClock("G")
	assert.False(t, fired)
	assert.Equal(t, 1, c.Size())
}

func TestChannel_PanicBecomesConsumeError(t *testing.T) {
	c, _ := newTestChannel(t)
	var calls atomic.Int32
	panicky := func(context.Context, *rule.Batch) error {
		if calls.Add(1) == 1 {
			panic("consumer exploded")
		}
		return nil
	}
	routed := make(chan error, 1)
	require.NoError(t, c.Attach(rule.MustNew(panicky, rule.WithErrorHandler(func(_ context.Context, ce *rule.ConsumeError) {
		select {
		case routed <- ce.Err:
		default:
		}
	}))))

	_, err := c.Store("x")
	require.NoError(t, err)

	select {
	case err := <-routed:
		var pe *trigger.PanicError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "consumer exploded", pe.Value)
	case <-time.After(waitFor):
		t.Fatal("panic not routed")
	}
	assert.Eventually(t, func() bool { return c.Size() == 0 }, waitFor, tick)
}

func TestChannel_CallbackCanUseItsChannel(t *testing.T) {
	c, _ := newTestChannel(t)
	forward := func(_ context.Context, b *rule.Batch) error {
		_, err := b.Channel().Store("out")
		return err
	}
	require.NoError(t, c.Attach(rule.MustNew(forward, rule.WithPoolFilter(payloadIs("in")))))

	_, err := c.Store("in")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := c.Messages()
		return len(msgs) == 1 && msgs[0].Payload() == "out"
	}, waitFor, tick)
}

func TestChannel_DetachLetsFiringFinish(t *testing.T) {
	c, _ := newTestChannel(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var detached atomic.Bool
	blocking := func(context.Context, *rule.Batch) error {
		close(started)
		<-release
		return nil
	}
	r := rule.MustNew(blocking, rule.WithOnDetach(func(rule.ChannelRef) { detached.Store(true) }))
	require.NoError(t, c.Attach(r))

	_, err := c.Store("x")
	require.NoError(t, err)
	<-started

	require.NoError(t, c.Detach(r.ID()))
	assert.Empty(t, c.RuleIDs())
	assert.ErrorIs(t, c.Detach(r.ID()), ErrRuleNotFound)

	time.Sleep(5 * tick)
	assert.False(t, detached.Load(), "disposed while firing")

	close(release)
	assert.Eventually(t, detached.Load, waitFor, tick)
	assert.Eventually(t, func() bool { return c.Size() == 0 }, waitFor, tick)
}

func TestChannel_AttachHook(t *testing.T) {
	c, sink := newTestChannel(t)
	var seen rule.ChannelRef
	ok := rule.MustNew((&recorder{}).consume, rule.WithID("ok"), rule.WithOnAttach(func(ch rule.ChannelRef) error {
		seen = ch
		return nil
	}))
	require.NoError(t, c.Attach(ok))
	assert.Equal(t, "test", seen.ID())
	assert.ErrorIs(t, c.Attach(ok), ErrDuplicateRule)

	hookErr := errors.New("no schema")
	bad := rule.MustNew((&recorder{}).consume, rule.WithID("bad"), rule.WithOnAttach(func(rule.ChannelRef) error {
		return hookErr
	}))
	err := c.Attach(bad)
	var ae *AttachError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "bad", ae.RuleID)
	assert.ErrorIs(t, err, hookErr)
	assert.Equal(t, []string{"ok"}, c.RuleIDs())
	assert.Equal(t, 1, sink.count(journal.KindAttachFailure))
}

func TestChannel_Close(t *testing.T) {
	c, sink := newTestChannel(t)
	var detached atomic.Int32
	onDetach := rule.WithOnDetach(func(rule.ChannelRef) { detached.Add(1) })
	require.NoError(t, c.Attach(rule.MustNew((&recorder{}).consume, rule.WithMinSize(10), onDetach)))
	require.NoError(t, c.Attach(rule.MustNew((&recorder{}).consume, rule.WithMinSize(10), onDetach)))

	id, err := c.Store("x")
	require.NoError(t, err)

	c.Close("maintenance")
	c.Close("again")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Drain(ctx))

	assert.True(t, c.Closed())
	assert.Zero(t, c.Size())
	assert.EqualValues(t, 2, detached.Load())
	assert.Equal(t, "maintenance", c.Stats().CloseReason)
	assert.Equal(t, 1, sink.count(journal.KindChannelClosed))

	_, err = c.Store("y")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Remove(id), ErrClosed)
	assert.ErrorIs(t, c.Attach(rule.MustNew((&recorder{}).consume)), ErrClosed)
}

func TestChannel_Remove(t *testing.T) {
	c, _ := newTestChannel(t)
	require.NoError(t, c.Attach(rule.MustNew((&recorder{}).consume, rule.WithMinSize(10))))

	id, err := c.Store("x")
	require.NoError(t, err)
	require.NoError(t, c.Remove(id))
	assert.ErrorIs(t, c.Remove(id), ErrMessageNotFound)
	assert.Zero(t, c.Size())
}

func TestChannel_Stats(t *testing.T) {
	c, _ := newTestChannel(t)
	rec := &recorder{}
	require.NoError(t, c.Attach(rule.MustNew(rec.consume, rule.WithID("r"), rule.WithGroups("billing"))))

	_, err := c.Store("x")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Stats().Rules[0].Fired == 1 }, waitFor, tick)

	s := c.Stats()
	assert.Equal(t, "test", s.ID)
	assert.Equal(t, "test", s.Name)
	rs := s.Rules[0]
	assert.Equal(t, "r", rs.ID)
	assert.EqualValues(t, 1, rs.Consumed)
	assert.Equal(t, []string{"rule:r", rule.GroupAny, "billing"}, rs.Groups)
	assert.Contains(t, s.GroupClocks, "billing")
	assert.Equal(t, "test/r/fire", rs.Lane.Name)
}

func TestChannel_PanickingReplaceFilterIsIsolated(t *testing.T) {
	c, sink := newTestChannel(t)
	replaces := func(newer, older *bus.Message) bool {
		if newer.Payload() == "boom" {
			panic("bad replace filter")
		}
		return newer.Payload() == older.Payload()
	}
	require.NoError(t, c.Attach(rule.MustNew((&recorder{}).consume,
		rule.WithMinSize(10), rule.WithReplaceFilter(replaces))))

	_, err := c.Store("a")
	require.NoError(t, err)
	_, err = c.Store("boom")
	require.NoError(t, err, "a panicking replace filter replaces nothing")

	stored := make(chan error, 1)
	go func() {
		_, err := c.Store("a")
		stored <- err
	}()
	select {
	case err := <-stored:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Store blocked after a replace filter panicked")
	}

	assert.Equal(t, 2, c.Size(), "second a replaces the first, boom stays")
	assert.Equal(t, 1, sink.count(journal.KindUnhandledError))
	assert.EqualValues(t, 1, c.Stats().Rules[0].Errors)
}

func TestChannel_PanickingPoolFilterIsIsolated(t *testing.T) {
	c, sink := newTestChannel(t)
	require.NoError(t, c.Attach(rule.MustNew((&recorder{}).consume,
		rule.WithID("idle"), rule.WithMinSize(10))))

	rec := &recorder{}
	badFilter := func(m *bus.Message) bool {
		if m.Payload() == "boom" {
			panic("bad pool filter")
		}
		return true
	}
	require.NoError(t, c.Attach(rule.MustNew(rec.consume,
		rule.WithID("picky"), rule.WithPoolFilter(badFilter))))

	_, err := c.Store("boom")
	require.NoError(t, err)
	time.Sleep(20 * tick)

	assert.Equal(t, 1, sink.count(journal.KindUnhandledError), "reported once per message")
	assert.Zero(t, rec.count())
	assert.EqualValues(t, 1, c.Stats().Rules[1].Errors)

	_, err = c.Store("ok")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
	assert.Equal(t, []any{"ok"}, rec.get()[0])
	assert.Equal(t, 1, c.Size(), "boom is still pooled")
}

func TestChannel_HeartbeatKeepsLongFiringFromTimingOut(t *testing.T) {
	c, _ := newTestChannel(t)
	var timeouts atomic.Int32
	consume := func(_ context.Context, b *rule.Batch) error {
		for b.Next() {
			for i := 0; i < 40; i++ {
				b.Heartbeat()
				time.Sleep(10 * time.Millisecond)
			}
		}
		return nil
	}
	require.NoError(t, c.Attach(rule.MustNew(consume,
		rule.WithTimeout(100*time.Millisecond, func(context.Context, *bus.Message) { timeouts.Add(1) }))))

	_, err := c.Store("slow")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.Size() == 0 }, waitFor, tick)
	assert.Zero(t, timeouts.Load())
	assert.EqualValues(t, 1, c.Stats().Rules[0].Fired)
}

func TestChannel_BatchReportsEarlierTimeout(t *testing.T) {
	c, _ := newTestChannel(t)
	var timeouts atomic.Int32
	var mu sync.Mutex
	var timedOut []bool
	consume := func(_ context.Context, b *rule.Batch) error {
		mu.Lock()
		defer mu.Unlock()
		for b.Next() {
			timedOut = append(timedOut, b.IsTimedOut())
		}
		return nil
	}
	require.NoError(t, c.Attach(rule.MustNew(consume, rule.WithMinSize(2),
		rule.WithTimeout(30*time.Millisecond, func(context.Context, *bus.Message) { timeouts.Add(1) }))))

	_, err := c.Store("early")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return timeouts.Load() == 1 }, waitFor, tick)

	_, err = c.Store("late")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Size() == 0 }, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, timedOut)
}
