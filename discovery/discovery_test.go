package discovery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu    sync.Mutex
	nodes []Node
}

func (s *recordingSink) Discovered(n Node) {
	s.mu.Lock()
	s.nodes = append(s.nodes, n)
	s.mu.Unlock()
}

func (s *recordingSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, n := range s.nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

type recordingRegistry struct {
	mu    sync.Mutex
	addrs map[string]string
}

func (r *recordingRegistry) Register(nodeID, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.addrs == nil {
		r.addrs = make(map[string]string)
	}
	r.addrs[nodeID] = address
}

func (r *recordingRegistry) Forget(nodeID string) {
	r.mu.Lock()
	delete(r.addrs, nodeID)
	r.mu.Unlock()
}

func registryServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStaticNodesDeliveredOnce(t *testing.T) {
	sink := &recordingSink{}
	reg := &recordingRegistry{}
	f := NewFeed(Config{
		Static: []Node{
			{ID: "5f1a", Address: "10.0.0.5:7000"},
			{ID: "5f1a", Address: "10.0.0.5:7000"},
			{ID: "42"},
		},
		Registry: reg,
		Sink:     sink,
	})
	f.Start()
	defer f.Stop()

	ids := sink.ids()
	if len(ids) != 2 || ids[0] != "5f1a" || ids[1] != "000000000000000000000042" {
		t.Errorf("ids = %v", ids)
	}
	if reg.addrs["5f1a"] != "10.0.0.5:7000" {
		t.Errorf("registry = %v", reg.addrs)
	}
	if sink.nodes[0].Source != SourceStatic {
		t.Errorf("source = %q", sink.nodes[0].Source)
	}
}

func TestRegistryPollFiltersAndIdentifies(t *testing.T) {
	srv := registryServer(t, `[
		{"id":"aa01","name":"x200-a","address":"10.0.0.1:1"},
		{"name":"x200-b","address":"10.0.0.2:1"},
		{"id":"zz99","name":"thermostat","address":"10.0.0.3:1"},
		{"name":"x200-c","address":"10.0.0.4:1"}
	]`)
	sink := &recordingSink{}
	reg := &recordingRegistry{}
	ident := IdentifyFunc(func(_ context.Context, addr string) (string, error) {
		if addr == "10.0.0.4:1" {
			return "", errors.New("no answer")
		}
		return "bb02", nil
	})
	f := NewFeed(Config{RegistryURL: srv.URL, NameFilter: "x200", Identifier: ident, Registry: reg, Sink: sink})

	if err := f.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if err := f.Poll(context.Background()); err != nil {
		t.Fatalf("second poll: %v", err)
	}

	ids := sink.ids()
	if len(ids) != 2 || ids[0] != "aa01" || ids[1] != "bb02" {
		t.Errorf("ids = %v", ids)
	}
	if reg.addrs["bb02"] != "10.0.0.2:1" {
		t.Errorf("registry = %v", reg.addrs)
	}
	if ok, _ := f.Connected(); !ok {
		t.Error("feed should be connected")
	}
	if f.Known() != 2 {
		t.Errorf("known = %d", f.Known())
	}
}

func TestRegistryErrorKeepsRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := NewFeed(Config{RegistryURL: srv.URL, Sink: &recordingSink{}})
	if err := f.Poll(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if ok, err := f.Connected(); ok || err == nil {
		t.Errorf("connected = %v, %v", ok, err)
	}
}

func TestStartPollsRegistry(t *testing.T) {
	srv := registryServer(t, `[{"id":"aa01","name":"x200","address":"10.0.0.1:1"}]`)
	sink := &recordingSink{}
	f := NewFeed(Config{RegistryURL: srv.URL, Interval: time.Hour, Sink: sink})
	f.Start()
	defer f.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.ids()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if ids := sink.ids(); len(ids) != 1 || ids[0] != "aa01" {
		t.Errorf("ids = %v", ids)
	}
}

func TestForgetAllowsRediscovery(t *testing.T) {
	srv := registryServer(t, `[{"id":"n1","address":"10.0.0.5:7000"}]`)
	sink := &recordingSink{}
	reg := &recordingRegistry{}
	f := NewFeed(Config{RegistryURL: srv.URL, Registry: reg, Sink: sink})

	f.Poll(context.Background())
	f.Forget("n1")
	if f.Known() != 0 {
		t.Errorf("known = %d after forget", f.Known())
	}
	reg.mu.Lock()
	_, ok := reg.addrs["n1"]
	reg.mu.Unlock()
	if ok {
		t.Error("address should be forgotten")
	}

	f.Poll(context.Background())
	if got := sink.ids(); len(got) != 2 {
		t.Errorf("deliveries = %v, want two", got)
	}
}

func TestIdentifyCachedPerAddress(t *testing.T) {
	srv := registryServer(t, `[{"name":"x200","address":"10.0.0.2:1"}]`)
	var mu sync.Mutex
	calls := 0
	ident := IdentifyFunc(func(context.Context, string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return "7", nil
	})
	sink := &recordingSink{}
	f := NewFeed(Config{RegistryURL: srv.URL, Identifier: ident, Sink: sink})

	for i := 0; i < 3; i++ {
		if err := f.Poll(context.Background()); err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Errorf("identify calls = %d, want 1", calls)
	}
	if ids := sink.ids(); len(ids) != 1 || ids[0] != "000000000000000000000007" {
		t.Errorf("ids = %v", ids)
	}

	f.Forget("7")
	f.Poll(context.Background())
	if calls != 2 {
		t.Errorf("identify calls after forget = %d, want 2", calls)
	}
}
