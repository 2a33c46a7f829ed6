package broker

import "strings"

// Topic layout: one subtree per device so brokers can enforce per-device
// ACLs on certificate identity.

// NotifyTopic is where schedule change notifications for a device are published.
func NotifyTopic(deviceID string) string {
	return "devices/" + deviceID + "/schedule/notify"
}

// AckTopic is where a device publishes execution acknowledgements.
func AckTopic(deviceID string) string {
	return "devices/" + deviceID + "/ack"
}

// DeadLetterTopic receives acknowledgements that failed structural validation.
func DeadLetterTopic(deviceID string) string {
	return "devices/" + deviceID + "/deadletter"
}

// FetchTopic is where a device requests the full schedule referenced by
// a notification.
func FetchTopic(deviceID string) string {
	return "devices/" + deviceID + "/schedule/fetch"
}

// FetchReplyTopic is where fetch responses for a device are published.
func FetchReplyTopic(deviceID string) string {
	return "devices/" + deviceID + "/schedule/state"
}

// AckWildcard matches acknowledgement topics for every device.
const AckWildcard = "devices/+/ack"

// FetchWildcard matches schedule fetch requests from every device.
const FetchWildcard = "devices/+/schedule/fetch"

// DeviceFromTopic extracts the device identifier from a devices/<id>/...
// topic. The boolean is false for topics outside the devices subtree.
func DeviceFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != "devices" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// MatchTopic reports whether an MQTT-style pattern with "+" single-level
// wildcards matches the concrete topic.
func MatchTopic(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	if len(pp) != len(tp) {
		return false
	}
	for i := range pp {
		if pp[i] != "+" && pp[i] != tp[i] {
			return false
		}
	}
	return true
}
