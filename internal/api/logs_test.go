package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/offloadlabs/offload/internal/model"
)

func TestStreamLogsNotFound(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/nonexistent/logs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamLogsFinishedJob(t *testing.T) {
	srv := newTestServer(t)
	job := seedJob(t, srv, model.StateSucceeded)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/" + job.ID + "/logs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
}

func TestStreamLogsReceivesEvents(t *testing.T) {
	srv := newTestServer(t)
	job := seedJob(t, srv, model.StateRunning)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/jobs/"+job.ID+"/logs", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	// Publish some log lines and close the stream.
	broker := srv.engine.Broker()
	broker.Publish(job.ID, "hello world")
	broker.Publish(job.ID, "goodbye")
	broker.Close(job.ID)

	// Read SSE events from the response body. The terminal marker is a
	// data-less named event, so it must never show up in the data scan.
	scanner := bufio.NewScanner(resp.Body)
	var events []string
	var sawDone bool
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			events = append(events, data)
		}
		if line == "event: done" {
			sawDone = true
		}
	}

	if !sawDone {
		t.Error("stream did not end with a done event")
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %v", len(events), events)
	}
	if events[0] != "hello world" {
		t.Errorf("event[0] = %q, want %q", events[0], "hello world")
	}
	if events[1] != "goodbye" {
		t.Errorf("event[1] = %q, want %q", events[1], "goodbye")
	}
}

func TestStreamLogsMultiLineData(t *testing.T) {
	srv := newTestServer(t)
	job := seedJob(t, srv, model.StateRunning)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/jobs/"+job.ID+"/logs", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	// Publish a multi-line log entry (e.g. a stack trace).
	broker := srv.engine.Broker()
	broker.Publish(job.ID, "error: something failed\n  at main.go:42\n  at handler.go:10")
	broker.Close(job.ID)

	// Parse SSE events: consecutive "data:" lines form one event, separated by blank lines.
	scanner := bufio.NewScanner(resp.Body)
	var events []string
	var current []string
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			current = append(current, data)
		} else if line == "" && len(current) > 0 {
			events = append(events, strings.Join(current, "\n"))
			current = nil
		}
	}

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %v", len(events), events)
	}

	want := "error: something failed\n  at main.go:42\n  at handler.go:10"
	if events[0] != want {
		t.Errorf("event = %q, want %q", events[0], want)
	}
}

func TestLogHistory(t *testing.T) {
	srv := newTestServer(t)
	job := seedJob(t, srv, model.StateSucceeded)

	for i, line := range []string{"step one", "step two", "step three"} {
		if err := srv.store.InsertLogLine(context.Background(), job.ID, i, line); err != nil {
			t.Fatalf("InsertLogLine: %v", err)
		}
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/" + job.ID + "/logs/history")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got logHistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.JobID != job.ID {
		t.Errorf("job_id = %q, want %q", got.JobID, job.ID)
	}
	if len(got.Lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(got.Lines))
	}
	if got.Lines[1].Line != "step two" {
		t.Errorf("lines[1] = %q, want %q", got.Lines[1].Line, "step two")
	}
}
