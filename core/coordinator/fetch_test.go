package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gridpulse/fleetsched/core/broker"
	"github.com/gridpulse/fleetsched/core/model"
	"github.com/gridpulse/fleetsched/core/store"
	"github.com/gridpulse/fleetsched/infra/logger"
)

func TestFetchResponderReturnsSchedule(t *testing.T) {
	st := store.NewMemoryStore()
	mb := broker.NewMockBroker()
	ctx := context.Background()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []model.ScheduleEntry{
		{StartTime: start, EndTime: start.Add(30 * time.Minute), Mode: model.ModeCharge, RateKW: 5},
	}
	if _, err := st.PutSchedule(ctx, "device-1", entries); err != nil {
		t.Fatalf("put: %v", err)
	}

	fr, err := NewFetchResponder(st, mb, logger.NopLogger{})
	if err != nil {
		t.Fatalf("responder: %v", err)
	}
	if err := fr.Subscribe(mb); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var replies []model.FetchReply
	if err := mb.Subscribe(broker.FetchReplyTopic("device-1"), func(_ string, payload []byte) {
		var r model.FetchReply
		if err := json.Unmarshal(payload, &r); err != nil {
			t.Errorf("decode reply: %v", err)
			return
		}
		replies = append(replies, r)
	}); err != nil {
		t.Fatalf("subscribe reply: %v", err)
	}

	req, _ := json.Marshal(model.FetchRequest{DeviceID: "device-1", Version: 1})
	if err := mb.Publish(ctx, broker.FetchTopic("device-1"), req); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(replies) != 1 {
		t.Fatalf("replies = %d", len(replies))
	}
	r := replies[0]
	if r.Error != "" || r.Schedule == nil || r.Schedule.Version != 1 || len(r.Schedule.Entries) != 1 {
		t.Errorf("reply = %+v", r)
	}
}

func TestFetchResponderLatestAndMissing(t *testing.T) {
	st := store.NewMemoryStore()
	mb := broker.NewMockBroker()
	ctx := context.Background()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []model.ScheduleEntry{
		{StartTime: start, EndTime: start.Add(time.Hour), Mode: model.ModeDischarge, RateKW: 3},
	}
	for i := 0; i < 3; i++ {
		if _, err := st.PutSchedule(ctx, "device-1", entries); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	fr, err := NewFetchResponder(st, mb, logger.NopLogger{})
	if err != nil {
		t.Fatalf("responder: %v", err)
	}

	// Version 0 resolves to the latest.
	req, _ := json.Marshal(model.FetchRequest{DeviceID: "device-1"})
	if err := fr.Handle(ctx, broker.FetchTopic("device-1"), req); err != nil {
		t.Fatalf("handle: %v", err)
	}
	msgs := mb.Published(broker.FetchReplyTopic("device-1"))
	if len(msgs) != 1 {
		t.Fatalf("replies = %d", len(msgs))
	}
	var r model.FetchReply
	if err := json.Unmarshal(msgs[0], &r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.Schedule == nil || r.Schedule.Version != 3 {
		t.Errorf("latest reply = %+v", r)
	}

	// Unknown device yields an error reply, not silence.
	req, _ = json.Marshal(model.FetchRequest{DeviceID: "ghost", Version: 9})
	if err := fr.Handle(ctx, broker.FetchTopic("ghost"), req); err != nil {
		t.Fatalf("handle ghost: %v", err)
	}
	msgs = mb.Published(broker.FetchReplyTopic("ghost"))
	if len(msgs) != 1 {
		t.Fatalf("ghost replies = %d", len(msgs))
	}
	r = model.FetchReply{}
	if err := json.Unmarshal(msgs[0], &r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.Error == "" || r.Schedule != nil {
		t.Errorf("ghost reply = %+v", r)
	}
}
