package events_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-rental/internal/events"
)

type stubStore struct {
	topic     string
	aggregate string
	payload   []byte
	nextID    int64
}

func (s *stubStore) InsertDomainEvent(_ context.Context, topic, aggregateID string, payload []byte) (events.Event, error) {
	s.nextID++
	s.topic = topic
	s.aggregate = aggregateID
	s.payload = payload
	return events.Event{ID: s.nextID, Topic: topic, AggregateID: aggregateID, Payload: payload, OccurredAt: time.Now()}, nil
}

type captureNotifier struct {
	events []events.Event
	err    error
}

func (c *captureNotifier) Notify(_ context.Context, event events.Event) error {
	c.events = append(c.events, event)
	return c.err
}

func TestEmitPersistsEvent(t *testing.T) {
	store := &stubStore{}
	notifier := &captureNotifier{}
	bus := events.Bus{Store: store, Notifiers: []events.Notifier{notifier, nil}}

	aggregate := uuid.NewString()
	event, err := bus.Emit(context.Background(), events.TopicOrderReserved, aggregate, map[string]any{"orderId": aggregate})
	require.NoError(t, err)
	require.Equal(t, events.TopicOrderReserved, store.topic)
	require.Equal(t, aggregate, store.aggregate)
	require.JSONEq(t, `{"orderId":"`+aggregate+`"}`, string(store.payload))
	require.Len(t, notifier.events, 1)
	require.Equal(t, event.ID, notifier.events[0].ID)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(event.Payload, &decoded))
	require.Equal(t, aggregate, decoded["orderId"])
}

func TestEmitValidatesInput(t *testing.T) {
	bus := events.Bus{Store: &stubStore{}}
	_, err := bus.Emit(context.Background(), " ", "x", nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), events.TopicOrderReserved, "", nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), events.TopicOrderReserved, "x", "{not json")
	require.Error(t, err)
	_, err = (&events.Bus{}).Emit(context.Background(), events.TopicOrderReserved, "x", nil)
	require.Error(t, err)
}

func TestEmitJoinsNotifierFailure(t *testing.T) {
	store := &stubStore{}
	boom := errors.New("sink down")
	bus := events.Bus{Store: store, Notifiers: []events.Notifier{&captureNotifier{err: boom}}}
	ev, err := bus.Emit(context.Background(), events.TopicEquipmentAdded, "order-1", nil)
	require.ErrorIs(t, err, boom)
	require.Equal(t, int64(1), ev.ID)
	require.Equal(t, "{}", string(store.payload))
}

func TestLogNotifierWritesEvent(t *testing.T) {
	var buf bytes.Buffer
	n := events.LogNotifier{Logger: zerolog.New(&buf)}
	require.NoError(t, n.Notify(context.Background(), events.Event{ID: 7, Topic: events.TopicOrderCanceled, AggregateID: "o", Payload: []byte(`{"a":1}`)}))
	require.Contains(t, buf.String(), `"topic":"order.canceled"`)
	require.Contains(t, buf.String(), `"payload":{"a":1}`)
}
