package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/codeshop/fulfillment"
	"github.com/warp/codeshop/ledger"
	"github.com/warp/codeshop/notify"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeProducer struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeProducer) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeProducer) Close() error {
	f.closed = true
	return nil
}

func sample() fulfillment.Notification {
	return fulfillment.Notification{
		ID:           "n-1",
		Event:        fulfillment.EventReceiptSubmitted,
		TargetUserID: 1000,
		ToAdmin:      true,
		Text:         "Purchase receipt",
		Codes:        []string{"SECRET"},
		Actions: []fulfillment.Action{
			{Label: "Approve", Kind: ledger.KindReceipt, RequestID: "12345", Decision: ledger.DecisionApprove},
			{Label: "Reject", Kind: ledger.KindReceipt, RequestID: "12345", Decision: ledger.DecisionReject},
		},
		CreatedAt: time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC),
	}
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	// GIVEN: Three sinks, the middle one failing
	var got []string
	sink := func(name string, err error) fulfillment.Notifier {
		return fulfillment.NotifierFunc(func(_ context.Context, n fulfillment.Notification) error {
			got = append(got, name)
			return err
		})
	}
	boom := errors.New("boom")
	m := notify.Multi{sink("a", nil), sink("b", boom), nil, sink("c", nil)}

	// WHEN: Notifying
	err := m.Notify(context.Background(), sample())

	// THEN: Every sink ran and the failure is reported
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.ErrorIs(t, err, boom)
}

func TestPublisher_WritesKeyedEventWithoutCodes(t *testing.T) {
	p := &fakeProducer{}
	pub := notify.NewPublisher(p, zap.NewNop())

	require.NoError(t, pub.Notify(context.Background(), sample()))

	require.Len(t, p.msgs, 1)
	assert.Equal(t, "1000", string(p.msgs[0].Key))
	assert.NotContains(t, string(p.msgs[0].Value), "SECRET")

	var ev notify.Event
	require.NoError(t, json.Unmarshal(p.msgs[0].Value, &ev))
	assert.Equal(t, fulfillment.EventReceiptSubmitted, ev.Event)
	assert.Equal(t, 1, ev.CodeCount)
	assert.Equal(t, []string{"12345"}, ev.RequestIDs)

	require.NoError(t, pub.Close())
	assert.True(t, p.closed)
}

func TestPublisher_WrapsProducerError(t *testing.T) {
	down := errors.New("broker down")
	pub := notify.NewPublisher(&fakeProducer{err: down}, zap.NewNop())

	err := pub.Notify(context.Background(), sample())

	assert.ErrorIs(t, err, down)
}

func TestLog_RecordsWithoutCodes(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := notify.NewLog(zap.New(core))

	require.NoError(t, l.Notify(context.Background(), sample()))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "notification", entry.Message)
	assert.Equal(t, int64(1), entry.ContextMap()["codes"])
	assert.NotContains(t, entry.ContextMap(), "SECRET")
}
