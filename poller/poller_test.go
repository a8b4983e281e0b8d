package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"binedge/protocol"
	"binedge/schedule"
	"binedge/transport"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// fakeTransport answers from a per-node script.
type fakeTransport struct {
	mu      sync.Mutex
	values  map[string]byte
	errs    map[string]error
	panics  bool
	calls   []string
	lastCmd byte
}

func (f *fakeTransport) Request(ctx context.Context, nodeID string, cmd byte) (byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, nodeID)
	f.lastCmd = cmd
	if f.panics {
		panic("link dropped")
	}
	if err, ok := f.errs[nodeID]; ok {
		return 0, err
	}
	return f.values[nodeID], nil
}

// recordingSink collects reports and replies.
type recordingSink struct {
	mu      sync.Mutex
	reports []protocol.Measurement
	replies map[string][]protocol.UpdateResponse
}

func newRecordingSink() *recordingSink {
	return &recordingSink{replies: make(map[string][]protocol.UpdateResponse)}
}

func (s *recordingSink) Report(_ context.Context, m protocol.Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, m)
	return nil
}

func (s *recordingSink) Reply(_ context.Context, nodeID string, r protocol.UpdateResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[nodeID] = append(s.replies[nodeID], r)
	return nil
}

func (s *recordingSink) reportCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

type mockEmitter struct {
	mu     sync.Mutex
	events []schedule.Task
	next   []time.Time
}

func (e *mockEmitter) EmitPollCompleted(task schedule.Task, _ Outcome, next time.Time, _ time.Duration) {
	e.mu.Lock()
	e.events = append(e.events, task)
	e.next = append(e.next, next)
	e.mu.Unlock()
}

var testClassifier = Classifier{
	MinValue:      0,
	FailureValues: map[int]string{255: "lid not closed"},
	TimeoutValues: []int{254},
}

func newTestPoller(t *testing.T, tr transport.Transport) (*Poller, *schedule.Queue, *recordingSink, *mockEmitter) {
	t.Helper()
	clock := func() time.Time { return testNow }
	q := schedule.New(schedule.Config{Now: clock})
	sink := newRecordingSink()
	em := &mockEmitter{}
	p := New(Config{
		Queue:          q,
		Transport:      tr,
		Classifier:     testClassifier,
		Reports:        sink,
		Replies:        sink,
		Emitter:        em,
		Command:        0x01,
		RequestTimeout: time.Second,
		UpdateInterval: 10 * time.Minute,
		RetryInterval:  30 * time.Second,
		Now:            clock,
	})
	return p, q, sink, em
}

func TestClassify(t *testing.T) {
	c := Classifier{MinValue: 5, FailureValues: map[int]string{255: "lid not closed"}, TimeoutValues: []int{254}}
	cases := []struct {
		raw  byte
		err  error
		want Outcome
	}{
		{80, nil, Success(80)},
		{5, nil, Success(5)},
		{3, nil, Failure(3, "invalid reading")},
		{255, nil, Failure(255, "lid not closed")},
		{254, nil, Timeout()},
		{0, transport.ErrTimeout, Timeout()},
		{0, errors.New("connection reset"), Timeout()},
	}
	for _, tc := range cases {
		if got := c.Classify(tc.raw, tc.err); got != tc.want {
			t.Errorf("Classify(%d, %v) = %+v, want %+v", tc.raw, tc.err, got, tc.want)
		}
	}
}

func TestClassifyZeroIsSuccessByDefault(t *testing.T) {
	if got := testClassifier.Classify(0, nil); got.Kind != OutcomeSuccess {
		t.Errorf("reading 0 = %v, want success", got.Kind)
	}
}

func TestRescheduleOnSuccess(t *testing.T) {
	tr := &fakeTransport{values: map[string]byte{"bin-1": 80}}
	p, q, sink, em := newTestPoller(t, tr)

	out := p.Poll(context.Background(), schedule.Periodic("bin-1", testNow))
	if out.Kind != OutcomeSuccess {
		t.Fatalf("outcome = %v, want success", out.Kind)
	}
	next, ok := q.Get("bin-1", false)
	if !ok {
		t.Fatal("node was not requeued")
	}
	if want := testNow.Add(10 * time.Minute); !next.DueAt.Equal(want) {
		t.Errorf("next due = %v, want %v", next.DueAt, want)
	}
	if sink.reportCount() != 1 || sink.reports[0].Value != 80 {
		t.Errorf("reports = %+v", sink.reports)
	}
	if tr.lastCmd != 0x01 {
		t.Errorf("command = %#x, want 0x01", tr.lastCmd)
	}
	if len(em.events) != 1 || !em.next[0].Equal(next.DueAt) {
		t.Errorf("emitted = %+v / %v", em.events, em.next)
	}
}

func TestRescheduleOnFailureAndTimeout(t *testing.T) {
	tr := &fakeTransport{
		values: map[string]byte{"lid-open": 255},
		errs:   map[string]error{"silent": transport.ErrTimeout},
	}
	p, q, sink, _ := newTestPoller(t, tr)

	for _, id := range []string{"lid-open", "silent"} {
		p.Poll(context.Background(), schedule.Periodic(id, testNow))
		next, ok := q.Get(id, false)
		if !ok {
			t.Fatalf("%s was not requeued", id)
		}
		if want := testNow.Add(30 * time.Second); !next.DueAt.Equal(want) {
			t.Errorf("%s next due = %v, want %v", id, next.DueAt, want)
		}
	}
	// Every periodic poll is reported, whatever its outcome.
	if sink.reportCount() != 2 {
		t.Fatalf("reports = %d, want one per poll", sink.reportCount())
	}
	if sink.reports[0].BinID != "lid-open" || sink.reports[0].Value != 255 {
		t.Errorf("failure report = %+v", sink.reports[0])
	}
	if sink.reports[1].BinID != "silent" || sink.reports[1].Value != 0 {
		t.Errorf("timeout report = %+v", sink.reports[1])
	}
}

func TestForcedReplyShape(t *testing.T) {
	tr := &fakeTransport{values: map[string]byte{"ok-bin": 200, "bad-bin": 3}}
	p, q, sink, em := newTestPoller(t, tr)
	p.cfg.Classifier = Classifier{MinValue: 5, FailureValues: map[int]string{255: "lid not closed"}}

	p.Poll(context.Background(), schedule.ForcedUpdate("ok-bin", testNow, 7))
	p.Poll(context.Background(), schedule.ForcedUpdate("bad-bin", testNow, 7))

	want := protocol.UpdateResponse{ReqID: 7, Status: protocol.StatusOK, Value: 200, Error: ""}
	if got := sink.replies["ok-bin"]; len(got) != 1 || got[0] != want {
		t.Errorf("ok reply = %+v, want %+v", got, want)
	}
	bad := sink.replies["bad-bin"]
	if len(bad) != 1 || bad[0].ReqID != 7 || bad[0].Status != protocol.StatusError || bad[0].Value != 3 || bad[0].Error == "" {
		t.Errorf("error reply = %+v", bad)
	}

	if q.Len() != 0 {
		t.Errorf("forced tasks must not be requeued, queue len = %d", q.Len())
	}
	if sink.reportCount() != 0 {
		t.Error("forced polls must not produce periodic reports")
	}
	for i, next := range em.next {
		if !next.IsZero() {
			t.Errorf("event %d next due = %v, want zero", i, next)
		}
	}
}

func TestForcedReplyGoesToRequestTopicID(t *testing.T) {
	tr := &fakeTransport{values: map[string]byte{"000000000000000000000001": 40}}
	p, _, sink, _ := newTestPoller(t, tr)

	task := schedule.ForcedUpdate("000000000000000000000001", testNow, 3)
	task.ReplyTo = "1"
	p.Poll(context.Background(), task)

	if got := sink.replies["1"]; len(got) != 1 || got[0].ReqID != 3 || got[0].Value != 40 {
		t.Errorf("replies on 1 = %+v", got)
	}
	if got := sink.replies["000000000000000000000001"]; len(got) != 0 {
		t.Errorf("replies on normalized id = %+v", got)
	}
}

func TestForcedReplyLidNotClosed(t *testing.T) {
	tr := &fakeTransport{values: map[string]byte{"bin": 255}}
	p, _, sink, _ := newTestPoller(t, tr)

	p.Poll(context.Background(), schedule.ForcedUpdate("bin", testNow, 7))
	got := sink.replies["bin"][0]
	want := protocol.UpdateResponse{ReqID: 7, Status: protocol.StatusError, Value: 255, Error: "lid not closed"}
	if got != want {
		t.Errorf("reply = %+v, want %+v", got, want)
	}
}

func TestForcedReplyTimeout(t *testing.T) {
	tr := &fakeTransport{errs: map[string]error{"bin": transport.ErrTimeout}}
	p, _, sink, _ := newTestPoller(t, tr)

	p.Poll(context.Background(), schedule.ForcedUpdate("bin", testNow, 11))
	got := sink.replies["bin"][0]
	if got.Status != protocol.StatusError || got.Error != ReasonTimedOut || got.ReqID != 11 {
		t.Errorf("reply = %+v", got)
	}
}

func TestForcedKeepsPeriodicSchedule(t *testing.T) {
	tr := &fakeTransport{values: map[string]byte{"bin": 50}}
	p, q, _, _ := newTestPoller(t, tr)

	periodicDue := testNow.Add(8 * time.Minute)
	q.Upsert(schedule.Periodic("bin", periodicDue))
	p.Poll(context.Background(), schedule.ForcedUpdate("bin", testNow, 1))

	got, ok := q.Get("bin", false)
	if !ok || !got.DueAt.Equal(periodicDue) {
		t.Errorf("periodic task = %+v, %v; want untouched due %v", got, ok, periodicDue)
	}
}

func TestTransportPanicIsTimeout(t *testing.T) {
	tr := &fakeTransport{panics: true}
	p, q, _, _ := newTestPoller(t, tr)

	out := p.Poll(context.Background(), schedule.Periodic("bin", testNow))
	if out.Kind != OutcomeTimeout {
		t.Errorf("outcome = %v, want timeout", out.Kind)
	}
	if _, ok := q.Get("bin", false); !ok {
		t.Error("node should stay scheduled after a transport panic")
	}
}

func TestNewReply(t *testing.T) {
	r := NewReply(7, Failure(3, "lid not closed"))
	want := protocol.UpdateResponse{ReqID: 7, Status: "error", Value: 3, Error: "lid not closed"}
	if r != want {
		t.Errorf("reply = %+v, want %+v", r, want)
	}
	r = NewReply(7, Success(200))
	want = protocol.UpdateResponse{ReqID: 7, Status: "ok", Value: 200, Error: ""}
	if r != want {
		t.Errorf("reply = %+v, want %+v", r, want)
	}
}

func TestReportSinksFanOut(t *testing.T) {
	a, b := newRecordingSink(), newRecordingSink()
	s := ReportSinks(a, b)
	if err := s.Report(context.Background(), protocol.Measurement{BinID: "x", Value: 1}); err != nil {
		t.Fatal(err)
	}
	if a.reportCount() != 1 || b.reportCount() != 1 {
		t.Errorf("fan-out counts = %d, %d", a.reportCount(), b.reportCount())
	}
}

func TestRunDispatchesAndStops(t *testing.T) {
	tr := &fakeTransport{values: map[string]byte{"a": 10, "b": 20}}
	q := schedule.New(schedule.Config{})
	sink := newRecordingSink()
	p := New(Config{
		Queue:          q,
		Transport:      tr,
		Classifier:     testClassifier,
		Reports:        sink,
		RequestTimeout: time.Second,
		UpdateInterval: time.Hour,
		RetryInterval:  time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	q.Upsert(schedule.Periodic("a", time.Now()))
	q.Upsert(schedule.Periodic("b", time.Now().Add(20*time.Millisecond)))

	deadline := time.Now().Add(2 * time.Second)
	for sink.reportCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("run err = %v, want context.Canceled", err)
	}
	if sink.reportCount() != 2 {
		t.Fatalf("reports = %d, want 2", sink.reportCount())
	}
	if q.Len() != 2 {
		t.Errorf("both nodes should be requeued, len = %d", q.Len())
	}
}
