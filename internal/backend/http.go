package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sceneforge/sceneforge/internal/graph"
)

// HTTPClient talks to a graph-execution render server (ComfyUI wire
// protocol): jobs go in over POST /prompt, completion is observed on the
// /ws event stream with /history polling as fallback, and outputs come
// back through GET /view.
type HTTPClient struct {
	baseURL      string
	clientID     string
	pollInterval time.Duration
	httpClient   *http.Client
	fetchClient  *http.Client
	dialer       *websocket.Dialer
}

// NewHTTPClient creates a client for the server at baseURL. pollInterval
// controls the /history fallback cadence while waiting for completion.
func NewHTTPClient(baseURL string, pollInterval time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     uuid.New().String(),
		pollInterval: pollInterval,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		// Downloads can legitimately outlive the request timeout that
		// bounds the small control-plane calls; the request context is
		// the only limit on a transfer.
		fetchClient: &http.Client{},
		dialer:      websocket.DefaultDialer,
	}
}

// --- wire types ---

type promptRequest struct {
	Prompt   graph.Graph `json:"prompt"`
	ClientID string      `json:"client_id"`
}

type promptResponse struct {
	PromptID string `json:"prompt_id"`
	Error    *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type wsMessage struct {
	Type string `json:"type"`
	Data struct {
		PromptID string  `json:"prompt_id"`
		Node     *string `json:"node"`
		Message  string  `json:"exception_message"`
	} `json:"data"`
}

type historyStatus struct {
	Completed bool   `json:"completed"`
	StatusStr string `json:"status_str"`
}

type historyEntry struct {
	Status  historyStatus            `json:"status"`
	Outputs map[string]historyOutput `json:"outputs"`
}

type historyOutput struct {
	Videos []historyFile `json:"videos"`
	Gifs   []historyFile `json:"gifs"`
	Images []historyFile `json:"images"`
}

type historyFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Submit posts the job graph and returns the backend prompt ID.
func (c *HTTPClient) Submit(ctx context.Context, g graph.Graph) (string, error) {
	body, err := json.Marshal(promptRequest{Prompt: g, ClientID: c.clientID})
	if err != nil {
		return "", &SubmissionError{Reason: "failed to encode job graph", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", &SubmissionError{Reason: "failed to build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &SubmissionError{Reason: "backend unreachable", Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", &SubmissionError{Reason: fmt.Sprintf("backend returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))}
	}

	var pr promptResponse
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return "", &SubmissionError{Reason: "failed to parse backend response", Err: err}
	}
	if pr.Error != nil {
		return "", &SubmissionError{Reason: fmt.Sprintf("backend rejected graph: %s: %s", pr.Error.Type, pr.Error.Message)}
	}
	if pr.PromptID == "" {
		return "", &SubmissionError{Reason: "backend returned no job id"}
	}

	log.Debug().Str("job", pr.PromptID).Msg("Job submitted")
	return pr.PromptID, nil
}

// AwaitCompletion waits for jobID to reach a terminal state. History is
// checked immediately first: a fast or server-cached job can be terminal
// before any event listener attaches, and its completion event is then
// gone for good. Afterwards the websocket event stream and the /history
// poll run concurrently, so a connected-but-silent socket cannot consume
// the wait window. The final result is always read from /history so the
// output list is authoritative.
func (c *HTTPClient) AwaitCompletion(ctx context.Context, jobID string, timeout time.Duration) (*Result, error) {
	deadline := time.Now().Add(timeout)
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if result, done := c.checkHistory(waitCtx, jobID); done {
		return result, nil
	}

	socketDone := make(chan error, 1)
	go func() {
		done, err := c.awaitOverSocket(waitCtx, jobID)
		if done {
			socketDone <- nil
			return
		}
		socketDone <- err
	}()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-socketDone:
			if err == nil {
				return c.fetchResult(ctx, jobID)
			}
			log.Debug().Err(err).Str("job", jobID).Msg("Event stream unavailable, relying on history polls")
			socketDone = nil
		case <-ticker.C:
			if result, done := c.checkHistory(waitCtx, jobID); done {
				return result, nil
			}
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &TimeoutError{JobID: jobID, Timeout: timeout}
		}
	}
}

// checkHistory reports whether the job is already terminal in /history.
// Transient read errors read as "not yet"; the next poll retries.
func (c *HTTPClient) checkHistory(ctx context.Context, jobID string) (*Result, bool) {
	entry, err := c.history(ctx, jobID)
	if err != nil || entry == nil {
		return nil, false
	}
	if entry.Status.Completed || entry.Status.StatusStr == "error" {
		return entryResult(entry), true
	}
	return nil, false
}

// awaitOverSocket reports (true, nil) once the event stream signals the
// job is done, (false, err) when the stream cannot be used.
func (c *HTTPClient) awaitOverSocket(ctx context.Context, jobID string) (bool, error) {
	wsURL, err := c.socketURL()
	if err != nil {
		return false, err
	}

	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	// Unblock the read loop when the wait context ends.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, err
		}
		if msg.Data.PromptID != jobID {
			continue
		}
		switch msg.Type {
		case "executing":
			// node == null marks the end of the prompt's execution.
			if msg.Data.Node == nil {
				return true, nil
			}
		case "execution_error":
			return true, nil
		case "execution_success":
			return true, nil
		}
	}
}

func (c *HTTPClient) socketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = "clientId=" + c.clientID
	return u.String(), nil
}

func (c *HTTPClient) history(ctx context.Context, jobID string) (*historyEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+jobID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history returned %d", resp.StatusCode)
	}

	var entries map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, err
	}
	entry, ok := entries[jobID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// fetchResult reads the job's terminal state and output list from history.
func (c *HTTPClient) fetchResult(ctx context.Context, jobID string) (*Result, error) {
	entry, err := c.history(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s result: %w", jobID, err)
	}
	if entry == nil {
		return &Result{Status: StatusFailed, Message: "job vanished from backend history"}, nil
	}
	return entryResult(entry), nil
}

// entryResult converts a terminal history entry into a Result.
func entryResult(entry *historyEntry) *Result {
	if entry.Status.StatusStr == "error" {
		return &Result{Status: StatusFailed, Message: "backend reported execution error"}
	}

	var outputs []FileRef
	for _, out := range entry.Outputs {
		for _, groups := range [][]historyFile{out.Videos, out.Gifs, out.Images} {
			for _, f := range groups {
				outputs = append(outputs, FileRef{Filename: f.Filename, Subfolder: f.Subfolder, Kind: f.Type})
			}
		}
	}
	if len(outputs) == 0 {
		return &Result{Status: StatusFailed, Message: "job completed with no outputs"}
	}
	return &Result{Status: StatusCompleted, Outputs: outputs}
}

// Fetch downloads one output file via /view into destDir.
func (c *HTTPClient) Fetch(ctx context.Context, ref FileRef, destDir string) (string, error) {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Kind)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.fetchClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", ref.Filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch of %s returned %d", ref.Filename, resp.StatusCode)
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", err
	}
	destPath := filepath.Join(destDir, filepath.Base(ref.Filename))
	f, err := os.Create(destPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(destPath)
		return "", fmt.Errorf("failed to write %s: %w", destPath, err)
	}
	return destPath, nil
}

// Cancel posts an interrupt for the running job. Best-effort.
func (c *HTTPClient) Cancel(ctx context.Context, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/interrupt", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("interrupt returned %d", resp.StatusCode)
	}
	log.Debug().Str("job", jobID).Msg("Backend interrupt requested")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
