package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"docshard/pkg/backend"
	"docshard/pkg/coordinator"
	"docshard/pkg/shard"
)

func newTestServer(t *testing.T) (*httptest.Server, *shard.Shard) {
	t.Helper()

	sh := shard.New(shard.Config{ID: "s1", PersistInterval: time.Hour},
		backend.NewMemory(), coordinator.NewMemory())
	if err := sh.Start(context.Background()); err != nil {
		t.Fatalf("shard Start failed: %v", err)
	}
	t.Cleanup(func() { _ = sh.Stop(context.Background()) })

	srv := httptest.NewServer(NewServer(sh, "0").Router())
	t.Cleanup(srv.Close)
	return srv, sh
}

func doJSON(t *testing.T, method, url string, body []byte) (int, Response) {
	t.Helper()

	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t)

	code, resp := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	if code != http.StatusOK || resp.Status != StatusOK {
		t.Fatalf("unexpected health response: %d %+v", code, resp)
	}
}

func TestServer_DocumentCRUD(t *testing.T) {
	srv, _ := newTestServer(t)

	code, resp := doJSON(t, http.MethodPut, srv.URL+"/v1/docs/user/1",
		[]byte(`{"_id":"1","name":"rain","age":30}`))
	if code != http.StatusOK {
		t.Fatalf("PUT failed: %d %+v", code, resp)
	}

	code, resp = doJSON(t, http.MethodGet, srv.URL+"/v1/docs/user/1", nil)
	if code != http.StatusOK {
		t.Fatalf("GET failed: %d %+v", code, resp)
	}
	doc, ok := resp.Value.(map[string]any)
	if !ok || doc["name"] != "rain" {
		t.Fatalf("unexpected document payload: %+v", resp.Value)
	}

	code, resp = doJSON(t, http.MethodGet, srv.URL+"/v1/docs/user/1?field=name", nil)
	if code != http.StatusOK || resp.Value != "rain" {
		t.Fatalf("unexpected field response: %d %+v", code, resp)
	}

	// PUT on an existing document patches it.
	code, resp = doJSON(t, http.MethodPut, srv.URL+"/v1/docs/user/1", []byte(`{"age":31}`))
	if code != http.StatusOK {
		t.Fatalf("PUT patch failed: %d %+v", code, resp)
	}
	code, resp = doJSON(t, http.MethodGet, srv.URL+"/v1/docs/user/1?field=age", nil)
	if code != http.StatusOK || resp.Value != float64(31) {
		t.Fatalf("patch not applied: %d %+v", code, resp)
	}

	code, resp = doJSON(t, http.MethodDelete, srv.URL+"/v1/docs/user/1", nil)
	if code != http.StatusOK {
		t.Fatalf("DELETE failed: %d %+v", code, resp)
	}
	code, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/docs/user/1", nil)
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", code)
	}
}

func TestServer_StatusSnapshot(t *testing.T) {
	srv, sh := newTestServer(t)

	if _, resp := doJSON(t, http.MethodPut, srv.URL+"/v1/docs/user/2", []byte(`{"a":1}`)); resp.Status != StatusSuccess {
		t.Fatalf("PUT failed: %+v", resp)
	}

	code, resp := doJSON(t, http.MethodGet, srv.URL+"/v1/status", nil)
	if code != http.StatusOK {
		t.Fatalf("status failed: %d %+v", code, resp)
	}
	snap, ok := resp.Value.(map[string]any)
	if !ok {
		t.Fatalf("unexpected snapshot payload: %+v", resp.Value)
	}
	if snap["shardId"] != sh.ID() {
		t.Fatalf("unexpected shard id in snapshot: %v", snap["shardId"])
	}
	slots, ok := snap["slots"].([]any)
	if !ok || len(slots) != 1 {
		t.Fatalf("expected one resident slot, got %v", snap["slots"])
	}
}

func TestServer_SaveAll(t *testing.T) {
	srv, _ := newTestServer(t)

	if _, resp := doJSON(t, http.MethodPut, srv.URL+"/v1/docs/user/3", []byte(`{"a":1}`)); resp.Status != StatusSuccess {
		t.Fatalf("PUT failed: %+v", resp)
	}

	code, resp := doJSON(t, http.MethodPost, srv.URL+"/v1/saveall", nil)
	if code != http.StatusOK || resp.Status != StatusSuccess {
		t.Fatalf("saveall failed: %d %+v", code, resp)
	}
}

func TestServer_ConnectionHandout(t *testing.T) {
	srv, _ := newTestServer(t)

	code, resp := doJSON(t, http.MethodPost, srv.URL+"/v1/connections", nil)
	if code != http.StatusOK {
		t.Fatalf("connections failed: %d %+v", code, resp)
	}
	if s, ok := resp.Value.(string); !ok || s == "" {
		t.Fatalf("expected a connection id, got %+v", resp.Value)
	}
}
