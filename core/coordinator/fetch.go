package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gridpulse/fleetsched/core/broker"
	"github.com/gridpulse/fleetsched/core/model"
	"github.com/gridpulse/fleetsched/core/store"
	"github.com/gridpulse/fleetsched/infra/logger"
)

// FetchResponder answers schedule fetch requests from devices. The
// notification only names (device, version); devices call back here for
// the full entry list.
type FetchResponder struct {
	store store.ScheduleStore
	pub   broker.Publisher
	log   logger.Logger
}

// NewFetchResponder creates a responder over the authoritative store.
func NewFetchResponder(st store.ScheduleStore, pub broker.Publisher, log logger.Logger) (*FetchResponder, error) {
	if st == nil || pub == nil {
		return nil, fmt.Errorf("fetch responder: nil store or publisher")
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	return &FetchResponder{store: st, pub: pub, log: log}, nil
}

// Subscribe attaches the responder to the fetch request wildcard.
func (f *FetchResponder) Subscribe(sub broker.Subscriber) error {
	return sub.Subscribe(broker.FetchWildcard, func(topic string, payload []byte) {
		if err := f.Handle(context.Background(), topic, payload); err != nil {
			f.log.Errorf("fetch request on %s: %v", topic, err)
		}
	})
}

// Handle processes one fetch request and publishes the reply. The device
// identity comes from the topic, not the payload, so a device cannot
// request another device's schedule through a forged body.
func (f *FetchResponder) Handle(ctx context.Context, topic string, payload []byte) error {
	deviceID, ok := broker.DeviceFromTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected topic %s", topic)
	}
	var req model.FetchRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}

	reply := f.resolve(ctx, deviceID, req.Version)
	out, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	if err := f.pub.Publish(ctx, broker.FetchReplyTopic(deviceID), out); err != nil {
		return fmt.Errorf("publish reply: %w", err)
	}
	return nil
}

func (f *FetchResponder) resolve(ctx context.Context, deviceID string, version int64) model.FetchReply {
	if version == 0 {
		latest, err := f.store.LatestVersion(ctx, deviceID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return model.FetchReply{Error: "not found"}
			}
			return model.FetchReply{Version: version, Error: err.Error()}
		}
		version = latest
	}
	sched, err := f.store.GetSchedule(ctx, deviceID, version)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.FetchReply{Version: version, Error: "not found"}
		}
		return model.FetchReply{Version: version, Error: err.Error()}
	}
	return model.FetchReply{Schedule: sched, Version: sched.Version}
}
