package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/dispatchd/internal/channels"
	"github.com/dayuer/dispatchd/internal/rule"
)

const (
	tick    = 5 * time.Millisecond
	waitFor = 2 * time.Second
)

type testManager struct {
	policy    Policy
	rules     []*rule.Rule
	attachErr error
	attached  atomic.Int32
}

func (m *testManager) Configure(p *Policy) { *p = m.policy }

func (m *testManager) OnAttach(b *Binding) error {
	m.attached.Add(1)
	if m.attachErr != nil {
		return m.attachErr
	}
	for _, r := range m.rules {
		if err := b.Attach(r); err != nil {
			return err
		}
	}
	return nil
}

func master(id string, rules ...*rule.Rule) *testManager {
	return &testManager{policy: Policy{ChannelID: id, Master: true}, rules: rules}
}

func member(id string, rules ...*rule.Rule) *testManager {
	return &testManager{policy: Policy{ChannelID: id}, rules: rules}
}

func counting(n *atomic.Int32, opts ...rule.Option) *rule.Rule {
	return rule.MustNew(func(_ context.Context, b *rule.Batch) error {
		n.Add(int32(b.Len()))
		return nil
	}, opts...)
}

func newDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := New(WithTickInterval(tick))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d
}

func TestRegisterMaster_CreatesChannelAndRoutes(t *testing.T) {
	d := newDispatcher(t)
	var consumed atomic.Int32
	h, err := d.RegisterChannelManager(master("orders", counting(&consumed)))
	require.NoError(t, err)
	assert.False(t, h.Pending())
	assert.Equal(t, "orders", h.Policy().Name)

	ch, ok := d.GetChannel("orders")
	require.True(t, ok)
	assert.Same(t, ch, h.Channel())

	_, err = d.Store("orders", "o-1")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return consumed.Load() == 1 }, waitFor, tick)

	_, err = d.Store("missing", "x")
	assert.ErrorIs(t, err, ErrChannelNotFound)
	assert.ErrorIs(t, d.Remove("missing", "id"), ErrChannelNotFound)
}

func TestRegister_Validation(t *testing.T) {
	d := newDispatcher(t)

	_, err := d.RegisterChannelManager(&testManager{})
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	m := master("orders")
	_, err = d.RegisterChannelManager(m)
	require.NoError(t, err)
	_, err = d.RegisterChannelManager(m)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	_, err = d.RegisterChannelManager(master("orders"))
	assert.ErrorIs(t, err, ErrChannelExists)
}

func TestNonMaster_WaitsForMaster(t *testing.T) {
	d := newDispatcher(t)
	var consumed atomic.Int32
	r := counting(&consumed, rule.WithID("audit"))

	h, err := d.RegisterChannelManager(member("orders", r))
	require.NoError(t, err)
	assert.True(t, h.Pending())
	assert.Len(t, d.Pending(), 1)
	_, ok := d.GetChannel("orders")
	assert.False(t, ok)

	_, err = d.RegisterChannelManager(master("orders"))
	require.NoError(t, err)
	assert.False(t, h.Pending())
	assert.Empty(t, d.Pending())

	ch, _ := d.GetChannel("orders")
	assert.Equal(t, []string{"audit"}, ch.RuleIDs())

	_, err = d.Store("orders", "o-1")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return consumed.Load() == 1 }, waitFor, tick)
}

func TestNonMaster_AttachesToExistingChannel(t *testing.T) {
	d := newDispatcher(t)
	_, err := d.RegisterChannelManager(master("orders"))
	require.NoError(t, err)

	var n atomic.Int32
	m := member("orders", counting(&n, rule.WithID("late")))
	h, err := d.RegisterChannelManager(m)
	require.NoError(t, err)
	assert.False(t, h.Pending())
	assert.EqualValues(t, 1, m.attached.Load())
	assert.Equal(t, []string{"late"}, h.Channel().RuleIDs())
}

func TestPendingAttachFailuresAreIsolated(t *testing.T) {
	d := newDispatcher(t)
	var n atomic.Int32

	bad := member("orders")
	bad.attachErr = errors.New("broken")
	good := member("orders", counting(&n, rule.WithID("good")))

	hb, err := d.RegisterChannelManager(bad)
	require.NoError(t, err)
	_, err = d.RegisterChannelManager(good)
	require.NoError(t, err)

	_, err = d.RegisterChannelManager(master("orders"))
	require.NoError(t, err)

	ch, _ := d.GetChannel("orders")
	assert.Equal(t, []string{"good"}, ch.RuleIDs())
	assert.EqualValues(t, 1, bad.attached.Load())
	assert.ErrorIs(t, hb.Close(), ErrNotRegistered)
}

func TestMasterAttachFailure(t *testing.T) {
	d := newDispatcher(t)
	m := master("orders")
	m.attachErr = errors.New("no storage")

	_, err := d.RegisterChannelManager(m)
	var ae *AttachError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "orders", ae.ChannelID)

	_, ok := d.GetChannel("orders")
	assert.False(t, ok)
	_, err = d.RegisterChannelManager(master("orders"))
	assert.NoError(t, err, "failed master does not hold the channel")
}

func TestUnregisterMaster_ClosesChannelAndRequeuesMembers(t *testing.T) {
	d := newDispatcher(t)
	var n atomic.Int32
	mem := member("orders", counting(&n, rule.WithID("audit")))
	hm, err := d.RegisterChannelManager(mem)
	require.NoError(t, err)

	first := master("orders")
	h, err := d.RegisterChannelManager(first)
	require.NoError(t, err)
	ch := h.Channel()

	require.NoError(t, d.UnregisterChannelManager(first))
	assert.True(t, ch.Closed())
	assert.True(t, hm.Pending())
	_, err = d.Store("orders", "x")
	assert.ErrorIs(t, err, ErrChannelNotFound)
	assert.ErrorIs(t, d.UnregisterChannelManager(first), ErrNotRegistered)

	h2, err := d.RegisterChannelManager(master("orders"))
	require.NoError(t, err)
	assert.NotSame(t, ch, h2.Channel())
	assert.EqualValues(t, 2, mem.attached.Load())
	assert.Equal(t, []string{"audit"}, h2.Channel().RuleIDs())
}

func TestUnregisterMember_DetachesItsRules(t *testing.T) {
	d := newDispatcher(t)
	var n atomic.Int32
	_, err := d.RegisterChannelManager(master("orders", counting(&n, rule.WithID("own"))))
	require.NoError(t, err)
	h, err := d.RegisterChannelManager(member("orders", counting(&n, rule.WithID("extra"))))
	require.NoError(t, err)

	ch, _ := d.GetChannel("orders")
	assert.Equal(t, []string{"own", "extra"}, ch.RuleIDs())

	require.NoError(t, h.Close())
	assert.Equal(t, []string{"own"}, ch.RuleIDs())
	assert.False(t, ch.Closed())
}

func TestShutdown(t *testing.T) {
	d := New(WithTickInterval(tick))
	var finished atomic.Bool
	started := make(chan struct{})
	slow := rule.MustNew(func(ctx context.Context, b *rule.Batch) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	h, err := d.RegisterChannelManager(master("orders", slow))
	require.NoError(t, err)
	_, err = d.RegisterChannelManager(master("invoices"))
	require.NoError(t, err)
	assert.Len(t, d.Stats(), 2)

	ch := h.Channel()
	_, err = d.Store("orders", "x")
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
	assert.True(t, finished.Load(), "shutdown waits for in-flight firings")
	assert.True(t, ch.Closed())
	assert.Empty(t, d.Channels())

	require.NoError(t, d.Shutdown(ctx))
	_, err = d.Store("orders", "y")
	assert.ErrorIs(t, err, ErrShutdown)
	_, err = d.RegisterChannelManager(master("new"))
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestStoreAfterChannelClosed(t *testing.T) {
	d := newDispatcher(t)
	h, err := d.RegisterChannelManager(master("orders"))
	require.NoError(t, err)

	h.Channel().Close("manual")
	_, err = d.Store("orders", "x")
	assert.ErrorIs(t, err, channels.ErrClosed)
}
