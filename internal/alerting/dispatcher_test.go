package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/metrics"
)

func TestDispatcherIsolatesFailingHandlers(t *testing.T) {
	rec := metrics.NewRecorder()
	d := NewDispatcher(testLogger(), rec)

	var got []string
	d.Register("first", NotifierFunc(func(ctx context.Context, a Alert) error {
		got = append(got, "first")
		return nil
	}))
	d.Register("broken", NotifierFunc(func(ctx context.Context, a Alert) error {
		return errors.New("endpoint down")
	}))
	d.Register("panicky", NotifierFunc(func(ctx context.Context, a Alert) error {
		panic("boom")
	}))
	d.Register("last", NotifierFunc(func(ctx context.Context, a Alert) error {
		got = append(got, "last")
		return nil
	}))

	res := d.Dispatch(context.Background(), Alert{Source: SourceDataQuality, Kind: "QUALITY_BELOW_THRESHOLD"})

	assert.Equal(t, []string{"first", "last"}, got)
	assert.Equal(t, Result{Delivered: 2, Failed: 2}, res)
}

func TestDispatcherFillsIdentity(t *testing.T) {
	d := NewDispatcher(testLogger(), nil)
	var seen Alert
	d.Register("capture", NotifierFunc(func(ctx context.Context, a Alert) error {
		seen = a
		return nil
	}))

	d.Dispatch(context.Background(), Alert{Kind: "TRIPPED"})

	assert.NotEmpty(t, seen.ID)
	assert.False(t, seen.CreatedAt.IsZero())
}

func TestDispatcherClear(t *testing.T) {
	d := NewDispatcher(testLogger(), nil)
	d.Register("a", NewLogNotifier(testLogger()))
	d.Register("nil", nil)
	require.Equal(t, 1, d.Len())

	d.Clear()
	assert.Equal(t, 0, d.Len())
	assert.Equal(t, Result{}, d.Dispatch(context.Background(), Alert{}))
}

func TestGuardedOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	failing := NotifierFunc(func(ctx context.Context, a Alert) error {
		calls++
		return errors.New("timeout")
	})
	g := NewGuarded("webhook", failing, GuardOptions{MaxFailures: 2, OpenTimeout: time.Hour}, testLogger())

	for i := 0; i < 4; i++ {
		require.Error(t, g.Notify(context.Background(), Alert{}))
	}

	assert.Equal(t, 2, calls)
	assert.Equal(t, gobreaker.StateOpen, g.State())
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaNotifierPublishesKeyedByTenant(t *testing.T) {
	w := &fakeWriter{}
	n := NewKafkaNotifier(w, testLogger())

	require.NoError(t, n.Notify(context.Background(), sampleAlert()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "tenant-1", string(w.msgs[0].Key))

	var decoded Alert
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, "TRIPPED", decoded.Kind)

	w.err = errors.New("broker unavailable")
	assert.Error(t, n.Notify(context.Background(), sampleAlert()))
}

func TestNewKafkaWriterRequiresConfig(t *testing.T) {
	_, err := NewKafkaWriter(nil, "alerts", 0)
	assert.Error(t, err)
	_, err = NewKafkaWriter([]string{"localhost:9092"}, "", 0)
	assert.Error(t, err)
}
