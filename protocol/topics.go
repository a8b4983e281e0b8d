package protocol

import "strings"

// IDPlaceholder marks the node id segment in a topic pattern.
const IDPlaceholder = "{id}"

// Topics holds the topic patterns the gateway publishes and listens on.
type Topics struct {
	Measurement string
	Update      string
	Response    string
	Join        string
	Status      string
}

// MeasurementTopic returns the periodic report topic for nodeID.
func (t Topics) MeasurementTopic(nodeID string) string {
	return strings.Replace(t.Measurement, IDPlaceholder, nodeID, 1)
}

// ResponseTopic returns the forced-update reply topic for nodeID.
func (t Topics) ResponseTopic(nodeID string) string {
	return strings.Replace(t.Response, IDPlaceholder, nodeID, 1)
}

// StatusTopic returns the heartbeat topic for a gateway.
func (t Topics) StatusTopic(gatewayID string) string {
	return strings.Replace(t.Status, IDPlaceholder, gatewayID, 1)
}

// UpdateFilter returns the wildcard subscription for update requests.
func (t Topics) UpdateFilter() string {
	return strings.Replace(t.Update, IDPlaceholder, "+", 1)
}

// MatchUpdate extracts the node id from a concrete update request topic.
func (t Topics) MatchUpdate(topic string) (string, bool) {
	return matchPattern(t.Update, topic)
}

func matchPattern(pattern, topic string) (string, bool) {
	ps := strings.Split(pattern, "/")
	ts := strings.Split(topic, "/")
	if len(ps) != len(ts) {
		return "", false
	}
	var id string
	for i, p := range ps {
		if p == IDPlaceholder {
			if ts[i] == "" {
				return "", false
			}
			id = ts[i]
			continue
		}
		if p != ts[i] {
			return "", false
		}
	}
	return id, id != ""
}

// TopicMatches reports whether topic matches an MQTT-style filter with
// "+" (one level) and "#" (remaining levels) wildcards.
func TopicMatches(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}
