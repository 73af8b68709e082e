// The conductor-hook handler runs when the coding agent stops. It reads the
// agent's hook payload from stdin, checks the transcript for rate-limit
// markers, and reports task completion back to the conductor server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"conductor/pkg/hooks"
)

const (
	stdinTimeout   = 5 * time.Second
	requestTimeout = 10 * time.Second
)

// hookInput is the subset of the agent's stop-hook payload we consume.
type hookInput struct {
	TranscriptPath string `json:"transcript_path"`
}

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: conductor-hook <task-id> <base-url>")
		os.Exit(1)
	}
	taskID, baseURL := os.Args[1], os.Args[2]

	rateLimited := false
	if input := readHookInput(stdinTimeout); input != nil && input.TranscriptPath != "" {
		rateLimited = hooks.DetectRateLimit(input.TranscriptPath)
	}

	// Reporting is best-effort: the hook must never block the agent's exit.
	body, _ := json.Marshal(map[string]bool{"rate_limited": rateLimited})
	url := fmt.Sprintf("%s/api/tasks/%s/complete", strings.TrimRight(baseURL, "/"), taskID)

	client := &http.Client{Timeout: requestTimeout}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor-hook: failed to report completion: %v\n", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		fmt.Fprintf(os.Stderr, "conductor-hook: completion rejected: %s\n", resp.Status)
	}
}

// readHookInput reads the stop-hook JSON from stdin, giving up after the
// timeout so a silent caller cannot hang the hook.
func readHookInput(timeout time.Duration) *hookInput {
	ch := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(os.Stdin)
		ch <- data
	}()

	select {
	case data := <-ch:
		var input hookInput
		if err := json.Unmarshal(data, &input); err != nil {
			return nil
		}
		return &input
	case <-time.After(timeout):
		return nil
	}
}
