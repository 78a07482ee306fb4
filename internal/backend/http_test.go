package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sceneforge/sceneforge/internal/graph"
)

func testGraph() graph.Graph {
	return graph.Graph{
		"1": {ClassType: "LoadImage", Inputs: map[string]any{"image": "start.png"}},
	}
}

// newTestClient points an HTTPClient at a test server with a fast poll
// cadence. The websocket path is not served, so waits fall back to
// history polling.
func newTestClient(server *httptest.Server) *HTTPClient {
	c := NewHTTPClient(server.URL, 10*time.Millisecond)
	c.httpClient = server.Client()
	c.fetchClient = server.Client()
	return c
}

func TestSubmit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prompt" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}

		var req promptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if req.ClientID == "" {
			t.Error("client_id missing from submission")
		}
		if _, ok := req.Prompt["1"]; !ok {
			t.Error("graph missing from submission")
		}

		json.NewEncoder(w).Encode(promptResponse{PromptID: "job-1"})
	}))
	defer server.Close()

	jobID, err := newTestClient(server).Submit(context.Background(), testGraph())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if jobID != "job-1" {
		t.Errorf("job id = %q", jobID)
	}
}

func TestSubmit_ServerErrorIsSubmissionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue full", http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := newTestClient(server).Submit(context.Background(), testGraph())
	var submission *SubmissionError
	if !errors.As(err, &submission) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
}

func TestSubmit_RejectedGraphIsSubmissionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"prompt_id": "",
			"error":     map[string]string{"type": "invalid_prompt", "message": "missing node"},
		})
	}))
	defer server.Close()

	_, err := newTestClient(server).Submit(context.Background(), testGraph())
	var submission *SubmissionError
	if !errors.As(err, &submission) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
}

func TestAwaitCompletion_PollsHistoryUntilDone(t *testing.T) {
	polls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/history/job-1" {
			http.NotFound(w, r)
			return
		}
		polls++
		if polls < 3 {
			// Still running: job not in history yet.
			json.NewEncoder(w).Encode(map[string]historyEntry{})
			return
		}
		json.NewEncoder(w).Encode(map[string]historyEntry{
			"job-1": {
				Status: historyStatus{Completed: true, StatusStr: "success"},
				Outputs: map[string]historyOutput{
					"9": {Videos: []historyFile{{Filename: "clip_00001.mp4", Type: "output"}}},
				},
			},
		})
	}))
	defer server.Close()

	result, err := newTestClient(server).AwaitCompletion(context.Background(), "job-1", 5*time.Second)
	if err != nil {
		t.Fatalf("AwaitCompletion failed: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("status = %s", result.Status)
	}
	if len(result.Outputs) != 1 || result.Outputs[0].Filename != "clip_00001.mp4" {
		t.Errorf("outputs = %+v", result.Outputs)
	}
}

// A job can be terminal before any event listener attaches, for example
// when the server answers a cached graph near-instantly. A socket that
// connects but never speaks must not consume the wait window.
func TestAwaitCompletion_AlreadyDoneWithSilentEventStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Hold the connection open without ever sending an event; the
		// read unblocks when the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]historyEntry{
			"job-1": {
				Status: historyStatus{Completed: true, StatusStr: "success"},
				Outputs: map[string]historyOutput{
					"9": {Videos: []historyFile{{Filename: "clip_00001.mp4", Type: "output"}}},
				},
			},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	start := time.Now()
	result, err := newTestClient(server).AwaitCompletion(context.Background(), "job-1", 2*time.Second)
	if err != nil {
		t.Fatalf("AwaitCompletion failed: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("status = %s", result.Status)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("already-done job took %v to report", elapsed)
	}
}

// Completion observed by a history poll while the event stream stays
// silent: the two waits must run concurrently, not in sequence.
func TestAwaitCompletion_PollWinsOverSilentEventStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	polls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls < 3 {
			json.NewEncoder(w).Encode(map[string]historyEntry{})
			return
		}
		json.NewEncoder(w).Encode(map[string]historyEntry{
			"job-1": {
				Status: historyStatus{Completed: true, StatusStr: "success"},
				Outputs: map[string]historyOutput{
					"9": {Videos: []historyFile{{Filename: "clip_00001.mp4", Type: "output"}}},
				},
			},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	start := time.Now()
	result, err := newTestClient(server).AwaitCompletion(context.Background(), "job-1", 2*time.Second)
	if err != nil {
		t.Fatalf("AwaitCompletion failed: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("status = %s", result.Status)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("polled completion took %v to report", elapsed)
	}
}

func TestAwaitCompletion_TimesOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]historyEntry{})
	}))
	defer server.Close()

	_, err := newTestClient(server).AwaitCompletion(context.Background(), "job-1", 50*time.Millisecond)
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if timeout.JobID != "job-1" {
		t.Errorf("timeout names job %q", timeout.JobID)
	}
}

func TestAwaitCompletion_ExecutionErrorFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]historyEntry{
			"job-1": {
				Status: historyStatus{Completed: false, StatusStr: "error"},
			},
		})
	}))
	defer server.Close()

	result, err := newTestClient(server).AwaitCompletion(context.Background(), "job-1", time.Second)
	if err != nil {
		t.Fatalf("AwaitCompletion failed: %v", err)
	}
	if result.Status != StatusFailed {
		t.Errorf("status = %s, want failed", result.Status)
	}
}

func TestFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/view" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		if q.Get("filename") != "clip_00001.mp4" || q.Get("type") != "output" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		w.Write([]byte("video-bytes"))
	}))
	defer server.Close()

	destDir := t.TempDir()
	ref := FileRef{Filename: "clip_00001.mp4", Kind: "output"}
	path, err := newTestClient(server).Fetch(context.Background(), ref, destDir)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if path != filepath.Join(destDir, "clip_00001.mp4") {
		t.Errorf("path = %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "video-bytes" {
		t.Errorf("fetched content = %q, %v", data, err)
	}
}

// A clip transfer may take longer than the request timeout that bounds
// the small control-plane calls.
func TestFetch_TransferOutlivesControlPlaneTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 5; i++ {
			w.Write([]byte("chunk"))
			flusher.Flush()
			time.Sleep(30 * time.Millisecond)
		}
	}))
	defer server.Close()

	c := newTestClient(server)
	c.httpClient = &http.Client{Timeout: 50 * time.Millisecond}

	path, err := c.Fetch(context.Background(), FileRef{Filename: "clip.mp4", Kind: "output"}, t.TempDir())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "chunkchunkchunkchunkchunk" {
		t.Errorf("fetched content = %q, %v", data, err)
	}
}

func TestStatusIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if Status("running").IsTerminal() {
		t.Error("running should not be terminal")
	}
}
