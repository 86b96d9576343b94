package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/chatscribe/chatscribe/internal/crawler"
	"github.com/chatscribe/chatscribe/internal/fanout"
	"github.com/chatscribe/chatscribe/internal/media"
	"github.com/chatscribe/chatscribe/internal/store"
)

func newTestServer(t *testing.T, token string) (*Server, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ms, err := media.NewDirStore(filepath.Join(dir, "media"))
	if err != nil {
		t.Fatalf("media store: %v", err)
	}
	engine := crawler.NewEngine(st, nil, fanout.NewChannelTransport(), ms, dir)
	return New(engine, st, "127.0.0.1", 0, token), st
}

func TestStatusEndpoint(t *testing.T) {
	srv, st := newTestServer(t, "")
	ctx := context.Background()
	if err := st.UpsertGroup(ctx, store.Group{ID: "g1", CrawlEnabled: true}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := st.EnsureCrawlerStatus(ctx, []string{"g1"}); err != nil {
		t.Fatalf("status: %v", err)
	}

	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	var status crawler.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Running {
		t.Error("engine not started")
	}
	if len(status.Groups) != 1 || status.Groups[0].GroupID != "g1" {
		t.Errorf("groups = %+v", status.Groups)
	}
}

func TestBearerAuth(t *testing.T) {
	srv, _ := newTestServer(t, "sekrit")
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token should 401, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/status", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authed get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token should pass, got %d", resp.StatusCode)
	}
}

func TestDeadLetterEndpoints(t *testing.T) {
	srv, st := newTestServer(t, "")
	ctx := context.Background()
	dead := store.NewDeadLetters(st, filepath.Join(t.TempDir(), "dead.jsonl"))
	dead.Write(ctx, store.MessageRow{
		SourceMessageID: "m1", GroupID: "g1", Content: "x", SentAt: time.Now().UTC(),
	}, "boom")

	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/deadletters")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var letters []store.DeadLetter
	if err := json.NewDecoder(resp.Body).Decode(&letters); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if len(letters) != 1 {
		t.Fatalf("letters = %+v", letters)
	}

	resp, err = http.Post(ts.URL+"/deadletters/1/retry", "", nil)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry status = %d", resp.StatusCode)
	}
	if n, _ := st.CountMessages(ctx, "g1"); n != 1 {
		t.Errorf("retried message not written, count = %d", n)
	}

	// Backfill trigger on a stopped engine conflicts.
	resp, err = http.Post(ts.URL+"/backfill/g1", "", nil)
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("backfill on stopped engine = %d, want 409", resp.StatusCode)
	}
}
