package upload

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"binedge/protocol"
)

type bulkServer struct {
	mu      sync.Mutex
	batches []map[string]protocol.Measurement
	status  int
	reply   string
}

func newBulkServer(t *testing.T, status int, reply string) (*bulkServer, *httptest.Server) {
	t.Helper()
	bs := &bulkServer{status: status, reply: reply}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/bulkmeasurements" {
			http.NotFound(w, r)
			return
		}
		var batch map[string]protocol.Measurement
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			t.Errorf("decode body: %v", err)
		}
		bs.mu.Lock()
		bs.batches = append(bs.batches, batch)
		bs.mu.Unlock()
		w.WriteHeader(bs.status)
		w.Write([]byte(bs.reply))
	}))
	t.Cleanup(srv.Close)
	return bs, srv
}

func (bs *bulkServer) received() []map[string]protocol.Measurement {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return append([]map[string]protocol.Measurement(nil), bs.batches...)
}

func TestBulkMeasurementsOK(t *testing.T) {
	bs, srv := newBulkServer(t, http.StatusOK, `{"status":"ok","contents":{"updated":1}}`)
	c := NewClient(srv.URL+"/api/", time.Second)

	batch := map[string]protocol.Measurement{
		"5f1a": {BinID: "5f1a", Timestamp: "2024-05-01T12:00:00Z", Value: 40},
	}
	resp, err := c.BulkMeasurements(context.Background(), batch)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if resp.Status != "ok" || string(resp.Contents) != `{"updated":1}` {
		t.Errorf("resp = %+v", resp)
	}
	got := bs.received()
	if len(got) != 1 || got[0]["5f1a"].Value != 40 {
		t.Errorf("server got %+v", got)
	}
}

func TestBulkMeasurementsRejected(t *testing.T) {
	_, srv := newBulkServer(t, http.StatusOK, `{"status":"error","error":"bad bin"}`)
	c := NewClient(srv.URL+"/api", time.Second)

	_, err := c.BulkMeasurements(context.Background(), map[string]protocol.Measurement{"x": {BinID: "x"}})
	if !errors.Is(err, ErrUploadFailed) {
		t.Errorf("err = %v, want ErrUploadFailed", err)
	}
}

func TestBulkMeasurementsHTTPError(t *testing.T) {
	_, srv := newBulkServer(t, http.StatusInternalServerError, `boom`)
	c := NewClient(srv.URL+"/api", time.Second)

	_, err := c.BulkMeasurements(context.Background(), map[string]protocol.Measurement{"x": {BinID: "x"}})
	if !errors.Is(err, ErrUploadFailed) {
		t.Errorf("err = %v, want ErrUploadFailed", err)
	}
}

func TestUploaderKeepsLatestPerNode(t *testing.T) {
	bs, srv := newBulkServer(t, http.StatusOK, `{"status":"ok"}`)
	u := NewUploader(NewClient(srv.URL+"/api", time.Second), time.Hour, nil)
	var sent []int
	u.OnSent(func(n int) { sent = append(sent, n) })

	ctx := context.Background()
	u.Report(ctx, protocol.Measurement{BinID: "a", Value: 1})
	u.Report(ctx, protocol.Measurement{BinID: "a", Value: 2})
	u.Report(ctx, protocol.Measurement{BinID: "b", Value: 9})
	if u.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", u.Pending())
	}

	if err := u.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got := bs.received()
	if len(got) != 1 || len(got[0]) != 2 || got[0]["a"].Value != 2 || got[0]["b"].Value != 9 {
		t.Errorf("batch = %+v", got)
	}
	if u.Pending() != 0 {
		t.Errorf("pending after flush = %d", u.Pending())
	}

	if err := u.Flush(ctx); err != nil {
		t.Errorf("empty flush: %v", err)
	}
	if len(bs.received()) != 1 {
		t.Error("empty flush should not post")
	}
	if len(sent) != 1 || sent[0] != 2 {
		t.Errorf("sent callbacks = %v", sent)
	}
}

func TestUploaderDropsFailedBatch(t *testing.T) {
	_, srv := newBulkServer(t, http.StatusBadGateway, `down`)
	var failures int
	u := NewUploader(NewClient(srv.URL+"/api", time.Second), time.Hour, func(error) { failures++ })

	u.Report(context.Background(), protocol.Measurement{BinID: "a", Value: 1})
	if err := u.Flush(context.Background()); !errors.Is(err, ErrUploadFailed) {
		t.Errorf("err = %v", err)
	}
	if failures != 1 {
		t.Errorf("failures = %d, want 1", failures)
	}
	if u.Pending() != 0 {
		t.Error("failed batch should be dropped")
	}
}

func TestUploaderStopFlushes(t *testing.T) {
	bs, srv := newBulkServer(t, http.StatusOK, `{"status":"ok"}`)
	u := NewUploader(NewClient(srv.URL+"/api", time.Second), time.Hour, nil)
	u.Start()

	u.Report(context.Background(), protocol.Measurement{BinID: "a", Value: 5})
	u.Stop()
	u.Stop()

	if got := bs.received(); len(got) != 1 || got[0]["a"].Value != 5 {
		t.Errorf("batches = %+v", got)
	}
}
