package tui

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/codegate/internal/dispatch"
	"github.com/mattjoyce/codegate/internal/events"
)

const reconnectDelay = 2 * time.Second

// --- Message types ---

type eventMsg events.Event

type healthMsg dispatch.HealthSnapshot

type tickMsg time.Time

type errMsg struct{ err error }

type sseDisconnectedMsg struct{ err error }

type reconnectMsg struct{}

// --- Commands ---

// subscribeToEvents connects to /api/events and feeds events into ch until
// the stream ends.
func subscribeToEvents(ctx context.Context, apiURL, token string, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/api/events", nil)
		if err != nil {
			return errMsg{err}
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "text/event-stream")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return sseDisconnectedMsg{fmt.Errorf("events stream: %s", resp.Status)}
		}

		err = readSSE(resp.Body, func(ev events.Event) {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		})
		return sseDisconnectedMsg{err}
	}
}

// readSSE parses an event stream, calling emit once per complete event.
// Comment lines (keep-alives) are ignored.
func readSSE(r io.Reader, emit func(events.Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var cur events.Event
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				cur.Data = json.RawMessage(data.String())
				if cur.At.IsZero() {
					cur.At = time.Now()
				}
				emit(cur)
			}
			cur = events.Event{}
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(line[6:])
		}
	}
	return scanner.Err()
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ctx context.Context, ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		select {
		case ev := <-ch:
			return eventMsg(ev)
		case <-ctx.Done():
			return nil
		}
	}
}

// fetchHealth queries /health.
func fetchHealth(ctx context.Context, apiURL string) tea.Msg {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/health", nil)
	if err != nil {
		return errMsg{err}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errMsg{err}
	}
	defer resp.Body.Close()

	var h dispatch.HealthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg{fmt.Errorf("decode health: %w", err)}
	}
	return healthMsg(h)
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func reconnectAfter(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return reconnectMsg{} })
}
