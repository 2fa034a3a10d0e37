package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
)

func TestRedisSink_WriteAppendsToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := NewRedisSink(client, "gateway:events")
	events := []Event{
		{ID: "ev-1", AggregateID: "saga-1", EventType: "SagaStarted", Version: 1, Timestamp: time.Now()},
		{ID: "ev-2", AggregateID: "saga-1", EventType: "SagaCompleted", Version: 2, Timestamp: time.Now()},
	}
	if err := sink.Write(context.Background(), events); err != nil {
		t.Fatalf("write: %v", err)
	}

	entries, err := client.XRange(context.Background(), "gateway:events", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 stream entries, got %d", len(entries))
	}

	var decoded Event
	raw, ok := entries[0].Values["data"].(string)
	if !ok {
		t.Fatalf("missing data field: %+v", entries[0].Values)
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if decoded.ID != "ev-1" || decoded.EventType != "SagaStarted" || decoded.Version != 1 {
		t.Fatalf("unexpected decoded event: %+v", decoded)
	}
}

func TestRedisSink_WriteError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.Regexp().ExpectXAdd(&redis.XAddArgs{
		Stream: "gateway:events",
		ID:     `\*`,
		Values: map[string]interface{}{"data": `.*`},
	}).SetErr(errors.New("connection refused"))

	sink := NewRedisSink(client, "gateway:events")
	err := sink.Write(context.Background(), []Event{{ID: "ev-1", AggregateID: "saga-1"}})
	if err == nil {
		t.Fatal("expected error from failing XADD")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
