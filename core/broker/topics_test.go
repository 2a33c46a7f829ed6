package broker

import (
	"context"
	"testing"
)

func TestTopicScheme(t *testing.T) {
	if got := NotifyTopic("device-1"); got != "devices/device-1/schedule/notify" {
		t.Errorf("notify topic = %q", got)
	}
	if got := AckTopic("device-1"); got != "devices/device-1/ack" {
		t.Errorf("ack topic = %q", got)
	}
	if got := DeadLetterTopic("device-1"); got != "devices/device-1/deadletter" {
		t.Errorf("deadletter topic = %q", got)
	}
}

func TestDeviceFromTopic(t *testing.T) {
	cases := []struct {
		topic string
		want  string
		ok    bool
	}{
		{"devices/device-1/ack", "device-1", true},
		{"devices/device-1/schedule/notify", "device-1", true},
		{"devices//ack", "", false},
		{"other/device-1/ack", "", false},
		{"devices", "", false},
	}
	for _, c := range cases {
		got, ok := DeviceFromTopic(c.topic)
		if got != c.want || ok != c.ok {
			t.Errorf("DeviceFromTopic(%q) = %q,%v want %q,%v", c.topic, got, ok, c.want, c.ok)
		}
	}
}

func TestMatchTopic(t *testing.T) {
	if !MatchTopic(AckWildcard, "devices/device-42/ack") {
		t.Error("wildcard should match device ack topic")
	}
	if MatchTopic(AckWildcard, "devices/device-42/schedule/notify") {
		t.Error("wildcard must not match notify topic")
	}
	if MatchTopic("devices/+/ack", "devices/a/b/ack") {
		t.Error("+ must match exactly one level")
	}
}

func TestMockBrokerDelivery(t *testing.T) {
	b := NewMockBroker()
	var got []string
	if err := b.Subscribe(AckWildcard, func(topic string, payload []byte) {
		got = append(got, string(payload))
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(context.Background(), AckTopic("d1"), []byte("one")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(got) != 1 || got[0] != "one" {
		t.Fatalf("delivery = %v", got)
	}

	b.SetDuplicateDelivery(true)
	if err := b.Publish(context.Background(), AckTopic("d1"), []byte("two")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected duplicate delivery, got %d messages", len(got))
	}

	b.SetFailing(true)
	if err := b.Publish(context.Background(), AckTopic("d1"), []byte("three")); err != ErrUnavailable {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
