package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	syncwire "github.com/cadenzadev/cadenza/internal/sync"
)

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestPing_Non200IsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	if err := c.Ping(context.Background()); err == nil {
		t.Error("expected error on 503")
	}
}

func TestPush_SendsBearerTokenAndBody(t *testing.T) {
	var got syncwire.PushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok-123" {
			t.Errorf("expected bearer token, got %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(syncwire.PushResponse{
			Accepted: []syncwire.PushAck{{ID: "tune-1", RemoteVersion: 7}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok-123", time.Second)
	resp, err := c.Push(context.Background(), syncwire.PushRequest{
		PushID: "push-1", SourceID: "device-a", Table: "tunes",
		Records: []syncwire.Record{{ID: "tune-1", Table: "tunes"}},
	})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if got.PushID != "push-1" || len(got.Records) != 1 {
		t.Errorf("server saw wrong request: %+v", got)
	}
	if len(resp.Accepted) != 1 || resp.Accepted[0].RemoteVersion != 7 {
		t.Errorf("expected ack at revision 7, got %+v", resp)
	}
}

func TestPush_StatusErrorCarriesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	_, err := c.Push(context.Background(), syncwire.PushRequest{PushID: "p"})
	if err == nil {
		t.Fatal("expected error on 429")
	}
}

func TestPull_BuildsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("table") != "tunes" || q.Get("since") != "12" || q.Get("limit") != "50" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(syncwire.PullResponse{NextCursor: "12"})
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	resp, err := c.Pull(context.Background(), "tunes", "12", 50)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if resp.NextCursor != "12" {
		t.Errorf("expected cursor 12, got %q", resp.NextCursor)
	}
}

func TestPull_OmitsEmptyCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("since") {
			t.Error("expected since omitted for empty cursor")
		}
		json.NewEncoder(w).Encode(syncwire.PullResponse{})
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	if _, err := c.Pull(context.Background(), "tunes", "", 0); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
}

func TestClient_ContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := New(srv.URL, "", time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := c.Ping(ctx); err == nil {
		t.Error("expected context deadline error")
	}
}
