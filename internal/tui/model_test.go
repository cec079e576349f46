package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/events"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/offline"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/queue"
)

type fakeSource struct {
	mu       sync.Mutex
	state    offline.State
	ops      []queue.Operation
	calls    []string
	syncErr  error
	autoSync *bool
	online   *bool
}

func (f *fakeSource) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeSource) State(context.Context) (offline.State, error) { return f.state, nil }

func (f *fakeSource) Operations(context.Context) ([]queue.Operation, error) { return f.ops, nil }

func (f *fakeSource) Enqueue(_ context.Context, typ queue.OperationType, payload map[string]any, _ queue.Priority) (string, error) {
	f.record("enqueue:" + string(typ) + ":" + payload["notificationId"].(string))
	return "0123456789abcdef", nil
}

func (f *fakeSource) SyncNow(context.Context) (queue.Result, error) {
	f.record("sync")
	return queue.Result{Processed: 2, Succeeded: 1, Failed: 1}, f.syncErr
}

func (f *fakeSource) Prune(context.Context) (int, error) {
	f.record("prune")
	return 3, nil
}

func (f *fakeSource) ClearQueue(context.Context) error {
	f.record("clear")
	return nil
}

func (f *fakeSource) SetAutoSync(_ context.Context, enabled bool) error {
	f.record("autosync")
	f.autoSync = &enabled
	return nil
}

func (f *fakeSource) SetOnline(_ context.Context, online bool) error {
	f.record("online")
	f.online = &online
	return nil
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// sized returns a model that has received its first window size.
func sized(src Source) Model {
	m, _ := New(src, nil).Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return m.(Model)
}

func TestKeysRunActions(t *testing.T) {
	tests := []struct {
		key  string
		call string
		text string
	}{
		{"s", "sync", "sync: 2 processed, 1 ok, 1 failed"},
		{"p", "prune", "pruned 3"},
		{"c", "clear", "queue cleared"},
		{"e", "enqueue:MARK_NOTIFICATION_READ:tui-1", "queued 01234567"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			src := &fakeSource{}
			m := sized(src)
			_, cmd := m.Update(key(tt.key))
			if cmd == nil {
				t.Fatal("expected a command")
			}
			msg, ok := cmd().(actionMsg)
			if !ok {
				t.Fatalf("expected actionMsg")
			}
			if msg.err != nil || msg.text != tt.text {
				t.Errorf("action = %+v, want %q", msg, tt.text)
			}
			if len(src.calls) != 1 || src.calls[0] != tt.call {
				t.Errorf("calls = %v", src.calls)
			}
		})
	}
}

func TestTogglesFlipCurrentState(t *testing.T) {
	src := &fakeSource{}
	m := sized(src)
	next, _ := m.Update(snapshotMsg{state: offline.State{AutoSync: true, IsOnline: false}})
	m = next.(Model)

	_, cmd := m.Update(key("a"))
	cmd()
	_, cmd = m.Update(key("o"))
	cmd()

	if src.autoSync == nil || *src.autoSync {
		t.Errorf("auto sync should be turned off")
	}
	if src.online == nil || !*src.online {
		t.Errorf("connectivity should be turned on")
	}
}

func TestQuitKeys(t *testing.T) {
	for _, k := range []tea.KeyMsg{key("q"), {Type: tea.KeyCtrlC}} {
		_, cmd := sized(&fakeSource{}).Update(k)
		if cmd == nil {
			t.Fatalf("%s: expected quit command", k)
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Errorf("%s: expected QuitMsg", k)
		}
	}
}

func TestActionFailureShownInStatus(t *testing.T) {
	m := sized(&fakeSource{})
	next, _ := m.Update(actionMsg{text: "sync", err: errors.New("sync: device is offline")})
	m = next.(Model)
	if m.statusOK || !strings.Contains(m.status, "device is offline") {
		t.Errorf("status = %q ok=%v", m.status, m.statusOK)
	}
	if len(m.log) != 1 {
		t.Errorf("log = %v", m.log)
	}
}

func TestViewShowsSnapshot(t *testing.T) {
	m := sized(&fakeSource{})
	if !strings.Contains(m.View(), "waiting for daemon") {
		t.Error("expected placeholder before the first snapshot")
	}

	next, _ := m.Update(snapshotMsg{
		state: offline.State{
			IsOnline: true,
			AutoSync: true,
			Queue:    queue.Stats{Pending: 4, ByPriority: map[queue.Priority]int{queue.PriorityHigh: 1}},
			SyncInfo: offline.SyncInfo{Status: offline.SyncSuccess},
		},
		ops: []queue.Operation{{ID: "abcdef0123", Type: queue.UpdateProfile, Priority: queue.PriorityHigh, Status: queue.StatusPending, MaxRetries: 3}},
	})
	view := next.(Model).View()
	for _, want := range []string{"ONLINE", "pending: 4", "status: success", "abcdef01", "UPDATE_PROFILE"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestEventsAppendToLog(t *testing.T) {
	stream := make(chan events.Event, 1)
	m, _ := New(&fakeSource{}, stream).Update(tea.WindowSizeMsg{Width: 120, Height: 40})

	stream <- events.Event{
		Type:      events.SyncCompleted,
		Timestamp: time.Now().UnixMilli(),
		Data:      map[string]any{"processed": 2.0, "succeeded": 2.0, "failed": 0.0},
	}
	msg := m.(Model).waitEvent()()
	next, cmd := m.Update(msg)
	if cmd == nil {
		t.Fatal("expected follow-up commands")
	}
	log := next.(Model).log
	if len(log) != 1 || !strings.Contains(log[0], "sync_completed processed=2 succeeded=2 failed=0") {
		t.Errorf("log = %v", log)
	}

	close(stream)
	if _, ok := next.(Model).waitEvent()().(streamClosedMsg); !ok {
		t.Error("expected streamClosedMsg after close")
	}
}

func TestFormatEvent(t *testing.T) {
	e := events.Event{
		Type:  events.OperationFailed,
		Data:  map[string]any{"operation": map[string]any{"id": "1234567890", "type": "UPDATE_PROFILE"}, "willRetry": true},
		Error: "HTTP 503",
	}
	got := formatEvent(e)
	want := "operation_failed UPDATE_PROFILE 12345678 (will retry): HTTP 503"
	if got != want {
		t.Errorf("formatEvent = %q, want %q", got, want)
	}
}

func TestFormatHelpers(t *testing.T) {
	tests := []struct {
		dur    time.Duration
		expect string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{2*time.Hour + 15*time.Minute, "2h 15m"},
		{50 * time.Hour, "2d 2h"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.dur); got != tt.expect {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.dur, got, tt.expect)
		}
	}
	if got := formatBytes(1536); got != "1.5 KB" {
		t.Errorf("formatBytes = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID = %q", got)
	}
}
