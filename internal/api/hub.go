package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/syncagent/syncagent/internal/server/meta"
)

// closeInvalidToken is the WebSocket close code sent when a client
// socket presents a token that does not resolve to a machine.
const closeInvalidToken websocket.StatusCode = 4001

// writeTimeout bounds each outbound frame so one stuck socket cannot
// wedge a broadcast.
const writeTimeout = 5 * time.Second

// Machine connection states reported to dashboards.
const (
	StateIdle    = "IDLE"
	StateSyncing = "SYNCING"
	StateOffline = "OFFLINE"
)

// MachineStatus is the live per-machine state the hub tracks in
// memory. It is rebuilt from status frames; nothing here persists.
type MachineStatus struct {
	MachineID           string    `json:"machine_id"`
	MachineName         string    `json:"machine_name"`
	State               string    `json:"state"`
	FilesPending        int       `json:"files_pending"`
	UploadsInProgress   int       `json:"uploads_in_progress"`
	DownloadsInProgress int       `json:"downloads_in_progress"`
	UploadSpeed         float64   `json:"upload_speed"`
	DownloadSpeed       float64   `json:"download_speed"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// clientFrame is an inbound message on a client socket.
type clientFrame struct {
	Type                string  `json:"type"`
	State               string  `json:"state,omitempty"`
	FilesPending        int     `json:"files_pending,omitempty"`
	UploadsInProgress   int     `json:"uploads_in_progress,omitempty"`
	DownloadsInProgress int     `json:"downloads_in_progress,omitempty"`
	UploadSpeed         float64 `json:"upload_speed,omitempty"`
	DownloadSpeed       float64 `json:"download_speed,omitempty"`
}

// fileChangeFrame is pushed to client sockets after a committed file
// mutation.
type fileChangeFrame struct {
	Type      string    `json:"type"`
	Action    string    `json:"action"`
	Path      string    `json:"path"`
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// dashboard frames.
type allStatusFrame struct {
	Type     string          `json:"type"`
	Machines []MachineStatus `json:"machines"`
}

type statusUpdateFrame struct {
	Type    string        `json:"type"`
	Machine MachineStatus `json:"machine"`
}

// conn wraps a websocket with a write lock so broadcasts from
// different goroutines do not interleave frames.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	return wsjson.Write(ctx, c.ws, v)
}

// Hub owns all live WebSocket connections: one socket per machine
// plus any number of dashboard subscribers. It is injected into the
// REST handlers and the metadata store's commit hook; it is never a
// package-level global.
type Hub struct {
	logger *slog.Logger

	mu         sync.Mutex
	clients    map[string]*conn // machine ID → socket
	dashboards map[*conn]struct{}
	status     map[string]*MachineStatus
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[string]*conn),
		dashboards: make(map[*conn]struct{}),
		status:     make(map[string]*MachineStatus),
	}
}

// registerClient installs the socket for a machine, replacing and
// closing any previous one. A machine reconnecting supersedes its
// stale connection.
func (h *Hub) registerClient(machine *meta.Machine, ws *websocket.Conn) *conn {
	c := &conn{ws: ws}

	h.mu.Lock()
	prev := h.clients[machine.ID]
	h.clients[machine.ID] = c
	st, ok := h.status[machine.ID]
	if !ok {
		st = &MachineStatus{MachineID: machine.ID, MachineName: machine.Name}
		h.status[machine.ID] = st
	}
	st.State = StateIdle
	st.UpdatedAt = time.Now().UTC()
	snapshot := *st
	h.mu.Unlock()

	if prev != nil {
		prev.ws.Close(websocket.StatusNormalClosure, "replaced by newer connection")
	}

	h.logger.Info("client connected", "machine_id", machine.ID, "machine_name", machine.Name)
	h.notifyDashboards(snapshot)

	return c
}

// dropClient removes a machine's socket (if it is still the given
// one) and marks the machine OFFLINE.
func (h *Hub) dropClient(machineID string, c *conn) {
	h.mu.Lock()
	if h.clients[machineID] != c {
		// Already replaced by a newer connection; nothing to do.
		h.mu.Unlock()
		return
	}
	delete(h.clients, machineID)

	var snapshot MachineStatus
	if st, ok := h.status[machineID]; ok {
		st.State = StateOffline
		st.UpdatedAt = time.Now().UTC()
		snapshot = *st
	}
	h.mu.Unlock()

	h.logger.Info("client disconnected", "machine_id", machineID)
	if snapshot.MachineID != "" {
		h.notifyDashboards(snapshot)
	}
}

// DisconnectMachine closes and forgets the socket for a machine.
// Called when the machine is deleted through the API.
func (h *Hub) DisconnectMachine(machineID string) {
	h.mu.Lock()
	c := h.clients[machineID]
	delete(h.clients, machineID)
	delete(h.status, machineID)
	h.mu.Unlock()

	if c != nil {
		c.ws.Close(websocket.StatusNormalClosure, "machine removed")
	}
}

// updateStatus folds an inbound status frame into the machine's live
// state and fans it out to dashboards.
func (h *Hub) updateStatus(machineID string, f *clientFrame) {
	h.mu.Lock()
	st, ok := h.status[machineID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if f.State != "" {
		st.State = f.State
	}
	st.FilesPending = f.FilesPending
	st.UploadsInProgress = f.UploadsInProgress
	st.DownloadsInProgress = f.DownloadsInProgress
	st.UploadSpeed = f.UploadSpeed
	st.DownloadSpeed = f.DownloadSpeed
	st.UpdatedAt = time.Now().UTC()
	snapshot := *st
	h.mu.Unlock()

	h.notifyDashboards(snapshot)
}

// BroadcastFileChange pushes a committed change to every connected
// client except the machine that caused it. A failed send drops the
// socket; the machine's reconnect logic recovers missed changes from
// the change log.
func (h *Hub) BroadcastFileChange(ch meta.Change) {
	frame := fileChangeFrame{
		Type:      "file_change",
		Action:    string(ch.Action),
		Path:      ch.Path,
		Version:   ch.Version,
		Timestamp: ch.Timestamp,
	}

	h.mu.Lock()
	targets := make(map[string]*conn, len(h.clients))
	for id, c := range h.clients {
		if id == ch.MachineID {
			continue
		}
		targets[id] = c
	}
	h.mu.Unlock()

	for id, c := range targets {
		if err := c.writeJSON(frame); err != nil {
			h.logger.Warn("dropping client socket after failed push",
				"machine_id", id, "error", err)
			c.ws.Close(websocket.StatusAbnormalClosure, "send failed")
			h.dropClient(id, c)
		}
	}
}

// Statuses returns a snapshot of all known machine statuses.
func (h *Hub) Statuses() []MachineStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]MachineStatus, 0, len(h.status))
	for _, st := range h.status {
		out = append(out, *st)
	}
	return out
}

// notifyDashboards sends a status_update to every dashboard socket,
// dropping sockets whose send fails.
func (h *Hub) notifyDashboards(st MachineStatus) {
	frame := statusUpdateFrame{Type: "status_update", Machine: st}

	h.mu.Lock()
	targets := make([]*conn, 0, len(h.dashboards))
	for c := range h.dashboards {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.writeJSON(frame); err != nil {
			h.mu.Lock()
			delete(h.dashboards, c)
			h.mu.Unlock()
			c.ws.Close(websocket.StatusAbnormalClosure, "send failed")
		}
	}
}

// serveClient is the read loop for one authenticated client socket.
// It consumes status and heartbeat frames until the socket errors or
// the request context ends.
func (h *Hub) serveClient(ctx context.Context, machine *meta.Machine, ws *websocket.Conn) {
	c := h.registerClient(machine, ws)
	defer h.dropClient(machine.ID, c)

	for {
		var frame clientFrame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			return
		}

		switch frame.Type {
		case "status":
			h.updateStatus(machine.ID, &frame)
		case "heartbeat":
			// Liveness only; reading it is enough.
		default:
			h.logger.Debug("ignoring unknown client frame",
				"machine_id", machine.ID, "type", frame.Type)
		}
	}
}

// serveDashboard registers a dashboard socket, sends the full status
// snapshot, and then blocks reading (dashboards send nothing) until
// the socket closes.
func (h *Hub) serveDashboard(ctx context.Context, ws *websocket.Conn) {
	c := &conn{ws: ws}

	if err := c.writeJSON(allStatusFrame{Type: "all_status", Machines: h.Statuses()}); err != nil {
		ws.Close(websocket.StatusAbnormalClosure, "snapshot send failed")
		return
	}

	h.mu.Lock()
	h.dashboards[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.dashboards, c)
		h.mu.Unlock()
	}()

	for {
		if _, _, err := ws.Read(ctx); err != nil {
			return
		}
	}
}
