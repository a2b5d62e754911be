package trigger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/dispatchd/internal/bus"
	"github.com/dayuer/dispatchd/internal/groupclock"
	"github.com/dayuer/dispatchd/internal/rule"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func noop(context.Context, *rule.Batch) error { return nil }

// messagesAt builds messages inserted at t0 plus the given offsets.
func messagesAt(offsets ...time.Duration) []*bus.Message {
	msgs := make([]*bus.Message, len(offsets))
	for i, off := range offsets {
		msgs[i] = bus.NewMessage(fmt.Sprintf("m%d", i+1), "ch", i, t0.Add(off))
	}
	return msgs
}

func ids(msgs []*bus.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID()
	}
	return out
}

func TestEvaluate_MinSizeGate(t *testing.T) {
	r := rule.MustNew(noop, rule.WithMinSize(3), rule.WithMessageAge(rule.AgeAll, time.Second))
	clocks := groupclock.New()
	now := t0.Add(time.Hour)

	for n := 0; n < 3; n++ {
		d := Evaluate(r, messagesAt(make([]time.Duration, n)...), clocks, now)
		assert.False(t, d.Fire, "fired with %d candidates", n)
	}

	d := Evaluate(r, messagesAt(0, 0, 0), clocks, now)
	assert.True(t, d.Fire)
	assert.Equal(t, ReasonConditions, d.Reason)
}

func TestEvaluate_NoCandidatesNeverFires(t *testing.T) {
	r := rule.MustNew(noop, rule.WithMinSize(0))
	d := Evaluate(r, nil, groupclock.New(), t0)
	assert.False(t, d.Fire)
}

func TestEvaluate_ForcedFlushBypassesAge(t *testing.T) {
	r := rule.MustNew(noop,
		rule.WithPoolSize(1, 2),
		rule.WithMessageAge(rule.AgeAll, time.Hour),
		rule.WithConsumeEventAge("G", time.Hour, false),
	)
	clocks := groupclock.New()

	d := Evaluate(r, messagesAt(0), clocks, t0)
	assert.False(t, d.Fire)

	d = Evaluate(r, messagesAt(0, 0, 0), clocks, t0)
	require.True(t, d.Fire)
	assert.Equal(t, ReasonForcedFlush, d.Reason)
	assert.Equal(t, []string{"m1", "m2"}, ids(d.Messages))
}

func TestEvaluate_BatchKeepsInsertionOrder(t *testing.T) {
	r := rule.MustNew(noop, rule.WithMinSize(1))
	msgs := messagesAt(0, time.Millisecond, 2*time.Millisecond, 3*time.Millisecond)

	d := Evaluate(r, msgs, groupclock.New(), t0.Add(time.Second))
	require.True(t, d.Fire)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(d.Messages))
}

func TestMessageAgeHolds(t *testing.T) {
	now := t0.Add(10 * time.Second)
	// ages: 10s, 5s, 1s
	msgs := messagesAt(0, 5*time.Second, 9*time.Second)

	tests := []struct {
		name string
		age  rule.MessageAge
		want bool
	}{
		{"none", rule.MessageAge{Mode: rule.AgeNone}, true},
		{"all below oldest", rule.MessageAge{Mode: rule.AgeAll, Threshold: time.Second}, true},
		{"all above youngest", rule.MessageAge{Mode: rule.AgeAll, Threshold: 2 * time.Second}, false},
		{"least one", rule.MessageAge{Mode: rule.AgeLeastOne, Threshold: 10 * time.Second}, true},
		{"least one none old", rule.MessageAge{Mode: rule.AgeLeastOne, Threshold: 11 * time.Second}, false},
		{"least x met", rule.MessageAge{Mode: rule.AgeLeastX, Threshold: 5 * time.Second, Count: 2}, true},
		{"least x unmet", rule.MessageAge{Mode: rule.AgeLeastX, Threshold: 5 * time.Second, Count: 3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MessageAgeHolds(tt.age, msgs, now))
		})
	}
}

func TestConsumeEventHolds(t *testing.T) {
	clocks := groupclock.New()

	assert.True(t, ConsumeEventHolds(rule.ConsumeEvent{}, clocks, t0), "unconfigured")
	assert.False(t, ConsumeEventHolds(rule.ConsumeEvent{Group: "G", Age: time.Second}, clocks, t0), "never fired")
	assert.True(t, ConsumeEventHolds(rule.ConsumeEvent{Group: "G", Age: time.Second, Never: true}, clocks, t0), "never mode")

	clocks.RecordFired("G", t0)
	ev := rule.ConsumeEvent{Group: "G", Age: 2 * time.Second, Never: true}
	assert.False(t, ConsumeEventHolds(ev, clocks, t0), "just fired")
	assert.False(t, ConsumeEventHolds(ev, clocks, t0.Add(time.Second)))
	assert.True(t, ConsumeEventHolds(ev, clocks, t0.Add(2*time.Second)))
}

func TestEvaluate_GroupClockGatesSecondRule(t *testing.T) {
	clocks := groupclock.New()
	b := rule.MustNew(noop, rule.WithConsumeEventAge("G", 2*time.Second, true))
	msgs := messagesAt(0)

	require.True(t, Evaluate(b, msgs, clocks, t0).Fire)

	clocks.RecordFired("G", t0)
	elapsed, ok := clocks.ElapsedSince("G", t0)
	require.True(t, ok)
	assert.Zero(t, elapsed)

	assert.False(t, Evaluate(b, msgs, clocks, t0.Add(1999*time.Millisecond)).Fire)
	assert.True(t, Evaluate(b, msgs, clocks, t0.Add(2*time.Second)).Fire)
}

func TestEvaluate_AgeConditionsAreAnded(t *testing.T) {
	clocks := groupclock.New()
	r := rule.MustNew(noop,
		rule.WithMessageAge(rule.AgeAll, time.Second),
		rule.WithConsumeEventAge("G", time.Second, false),
	)
	msgs := messagesAt(0)
	now := t0.Add(5 * time.Second)

	assert.False(t, Evaluate(r, msgs, clocks, now).Fire, "group never fired")
	clocks.RecordFired("G", now.Add(-time.Second))
	assert.True(t, Evaluate(r, msgs, clocks, now).Fire)
	assert.False(t, Evaluate(r, msgs, clocks, t0.Add(500*time.Millisecond)).Fire, "message too young")
}

func TestInvoke_RecoversPanic(t *testing.T) {
	r := rule.MustNew(func(context.Context, *rule.Batch) error { panic("boom") })
	b := rule.NewBatch(nil, r.ID(), messagesAt(0), rule.BatchHooks{})

	err := Invoke(context.Background(), r, b)
	var pe *PanicError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "boom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
	assert.Contains(t, err.Error(), "boom")
}

func TestInvoke_PassesError(t *testing.T) {
	sentinel := errors.New("downstream")
	r := rule.MustNew(func(context.Context, *rule.Batch) error { return sentinel })
	err := Invoke(context.Background(), r, rule.NewBatch(nil, r.ID(), nil, rule.BatchHooks{}))
	assert.ErrorIs(t, err, sentinel)
}
