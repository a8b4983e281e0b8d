package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var testTopics = Topics{
	Measurement: "bin/{id}/measurement",
	Update:      "bin/{id}/update",
	Response:    "bin/{id}/update/response",
	Join:        "bin/join",
	Status:      "gateway/{id}/status",
}

type recordingHandler struct {
	NoOpHandler
	joins   []string
	updates []Event
}

func (h *recordingHandler) HandleJoin(nodeID string) { h.joins = append(h.joins, nodeID) }

func (h *recordingHandler) HandleUpdateRequest(nodeID, topicID string, replyID int64) {
	h.updates = append(h.updates, Event{Kind: EventUpdateRequest, NodeID: nodeID, ReplyID: replyID, TopicID: topicID})
}

func TestTopicBuilders(t *testing.T) {
	id := "5af1ae01d10de93c0ae652d8"
	if got := testTopics.MeasurementTopic(id); got != "bin/"+id+"/measurement" {
		t.Errorf("measurement topic = %q", got)
	}
	if got := testTopics.ResponseTopic(id); got != "bin/"+id+"/update/response" {
		t.Errorf("response topic = %q", got)
	}
	if got := testTopics.UpdateFilter(); got != "bin/+/update" {
		t.Errorf("update filter = %q", got)
	}
	if got := testTopics.StatusTopic("rpi-1"); got != "gateway/rpi-1/status" {
		t.Errorf("status topic = %q", got)
	}
}

func TestMatchUpdate(t *testing.T) {
	id, ok := testTopics.MatchUpdate("bin/abc123/update")
	if !ok || id != "abc123" {
		t.Errorf("match = %q, %v", id, ok)
	}
	for _, topic := range []string{"bin/abc123/update/response", "bin//update", "bin/abc/measurement", "bin/join"} {
		if _, ok := testTopics.MatchUpdate(topic); ok {
			t.Errorf("%s should not match the update pattern", topic)
		}
	}
}

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"bin/+/update", "bin/1/update", true},
		{"bin/+/update", "bin/1/update/response", false},
		{"bin/#", "bin/1/update/response", true},
		{"bin/join", "bin/join", true},
		{"bin/join", "bin/joined", false},
		{"bin/+", "bin", false},
	}
	for _, c := range cases {
		if got := TopicMatches(c.filter, c.topic); got != c.want {
			t.Errorf("TopicMatches(%q, %q) = %v, want %v", c.filter, c.topic, got, c.want)
		}
	}
}

func TestNormalizeBinID(t *testing.T) {
	if got := NormalizeBinID("42"); got != "000000000000000000000042" {
		t.Errorf("numeric id = %q", got)
	}
	if got := NormalizeBinID("5af1ae01d10de93c0ae652d8"); got != "5af1ae01d10de93c0ae652d8" {
		t.Errorf("hex id = %q", got)
	}
	if got := NormalizeBinID("bin-a"); got != "bin-a" {
		t.Errorf("named id = %q", got)
	}
}

func TestNewMeasurement(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 30, 0, 0, time.FixedZone("CEST", 2*3600))
	m := NewMeasurement("7", at, 80)
	if m.Timestamp != "2024-05-01T10:30:00Z" {
		t.Errorf("timestamp = %q", m.Timestamp)
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"binId":"000000000000000000000007","timestamp":"2024-05-01T10:30:00Z","value":80}`
	if string(data) != want {
		t.Errorf("json = %s, want %s", data, want)
	}
}

func TestUpdateResponseKeepsEmptyError(t *testing.T) {
	data, _ := json.Marshal(UpdateResponse{ReqID: 7, Status: StatusOK, Value: 200})
	want := `{"reqId":7,"status":"ok","value":200,"error":""}`
	if string(data) != want {
		t.Errorf("json = %s, want %s", data, want)
	}
}

func TestDecode(t *testing.T) {
	ing := NewIngestor(testTopics, NoOpHandler{})

	evt, err := ing.Decode("bin/join", []byte(`{"binId":"abc"}`))
	if err != nil || evt.Kind != EventJoin || evt.NodeID != "abc" {
		t.Errorf("join = %+v, %v", evt, err)
	}

	evt, err = ing.Decode("bin/abc/update", []byte(`{"reqId":7}`))
	if err != nil || evt.Kind != EventUpdateRequest || evt.ReplyID != 7 || evt.NodeID != "abc" {
		t.Errorf("update = %+v, %v", evt, err)
	}

	evt, err = ing.Decode("bin/1/update", []byte(`{"reqId":9}`))
	if err != nil || evt.NodeID != "000000000000000000000001" || evt.TopicID != "1" {
		t.Errorf("numeric update = %+v, %v", evt, err)
	}

	evt, err = ing.Decode("bin/abc/update", []byte(`{"reqId":0}`))
	if err != nil || evt.ReplyID != 0 {
		t.Errorf("reqId 0 should be accepted: %+v, %v", evt, err)
	}
}

func TestDecodeRejects(t *testing.T) {
	ing := NewIngestor(testTopics, NoOpHandler{})
	cases := []struct {
		topic   string
		payload string
	}{
		{"bin/join", `not json`},
		{"bin/join", `{}`},
		{"bin/abc/update", `{}`},
		{"bin/abc/update", `[1,2]`},
		{"weather/today", `{"binId":"abc"}`},
	}
	for _, c := range cases {
		if _, err := ing.Decode(c.topic, []byte(c.payload)); !errors.Is(err, ErrUnrecognizedEvent) {
			t.Errorf("Decode(%s, %s) err = %v, want ErrUnrecognizedEvent", c.topic, c.payload, err)
		}
	}
}

func TestHandleRawSkipsMalformed(t *testing.T) {
	h := &recordingHandler{}
	ing := NewIngestor(testTopics, h)

	ing.HandleRaw("bin/join", []byte(`{"binId":"first"}`))
	ing.HandleRaw("bin/join", []byte(`{{{`))
	ing.HandleRaw("bin/second/update", []byte(`{"reqId":3}`))

	if len(h.joins) != 1 || h.joins[0] != "first" {
		t.Errorf("joins = %v, want [first]", h.joins)
	}
	if len(h.updates) != 1 || h.updates[0].NodeID != "second" || h.updates[0].ReplyID != 3 {
		t.Errorf("updates = %+v", h.updates)
	}
}

func TestOnDropReportsBadMessages(t *testing.T) {
	ing := NewIngestor(testTopics, NoOpHandler{})
	var dropped []string
	ing.OnDrop(func(topic string, err error) {
		if !errors.Is(err, ErrUnrecognizedEvent) {
			t.Errorf("drop err = %v, want ErrUnrecognizedEvent", err)
		}
		dropped = append(dropped, topic)
	})

	ing.HandleRaw("bin/join", []byte(`{}`))
	ing.HandleRaw("elsewhere", []byte(`{}`))
	ing.HandleRaw("bin/join", []byte(`{"binId":"ok"}`))

	if len(dropped) != 2 || dropped[0] != "bin/join" || dropped[1] != "elsewhere" {
		t.Errorf("dropped = %v", dropped)
	}
}
