package tui

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fentz26/trainctl/internal/events"
	"github.com/fentz26/trainctl/internal/models"
	"github.com/fentz26/trainctl/internal/runner"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the trainctl daemon.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// stream has no timeout; event streams stay open for a run's lifetime.
	stream *http.Client
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultClientTimeout},
		stream:     &http.Client{},
	}
}

func (c *Client) getJSON(path string, out any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListActive fetches the runs the daemon is supervising.
func (c *Client) ListActive() ([]runner.RunInfo, error) {
	var runs []runner.RunInfo
	err := c.getJSON("/runs/active", &runs)
	return runs, err
}

// GetRun fetches a run record.
func (c *Client) GetRun(id string) (*models.Run, error) {
	var run models.Run
	if err := c.getJSON("/runs/"+id, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// CancelRun asks the daemon to cancel a run.
func (c *Client) CancelRun(id string) error {
	resp, err := c.httpClient.Post(c.baseURL+"/runs/"+id+"/cancel", "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// StreamEvents follows a run's server-sent events, calling fn for each one,
// until the stream ends or ctx is done.
func (c *Client) StreamEvents(ctx context.Context, runID string, fn func(events.Envelope)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/runs/"+runID+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return readSSE(resp.Body, fn)
}

// readSSE parses an event stream. Comment lines are ignored; an "end" event
// stops reading.
func readSSE(r io.Reader, fn func(events.Envelope)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 2<<20)

	var name string
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if name == "end" {
				return nil
			}
			if data.Len() > 0 {
				var env events.Envelope
				if err := json.Unmarshal([]byte(data.String()), &env); err == nil {
					fn(env)
				}
			}
			name = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return sc.Err()
}
