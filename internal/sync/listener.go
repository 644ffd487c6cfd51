package sync

import (
	"context"
	"log/slog"
	"strings"
	stdsync "sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/syncagent/syncagent/internal/client"
)

const (
	heartbeatInterval = 15 * time.Second
	reconnectMin      = time.Second
	reconnectMax      = time.Minute
)

// StatusReport is the live state the listener pushes to the server
// for the dashboard.
type StatusReport struct {
	State               string  `json:"state"`
	FilesPending        int     `json:"files_pending"`
	UploadsInProgress   int     `json:"uploads_in_progress"`
	DownloadsInProgress int     `json:"downloads_in_progress"`
	UploadSpeed         float64 `json:"upload_speed"`
	DownloadSpeed       float64 `json:"download_speed"`
}

type statusFrame struct {
	Type string `json:"type"`
	StatusReport
}

type heartbeatFrame struct {
	Type string `json:"type"`
}

type changeFrame struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	Path      string `json:"path"`
	Version   int64  `json:"version"`
	Timestamp string `json:"timestamp"`
}

// Listener owns the client WebSocket. It keeps one connection alive
// with exponential-backoff reconnects; every (re)connect first runs a
// remote scan so changes pushed while the socket was down are not
// lost. Connection failures never propagate: a machine without a
// socket simply shows OFFLINE on the dashboard and catches up later.
type Listener struct {
	api     *client.Client
	scanner *Scanner
	queue   *Queue
	logger  *slog.Logger

	mu   stdsync.Mutex
	conn *websocket.Conn
}

// NewListener creates a listener. Nothing connects until Run.
func NewListener(api *client.Client, scanner *Scanner, queue *Queue, logger *slog.Logger) *Listener {
	return &Listener{
		api:     api,
		scanner: scanner,
		queue:   queue,
		logger:  logger,
	}
}

// Run maintains the connection until ctx is canceled.
func (l *Listener) Run(ctx context.Context) error {
	backoff := reconnectMin

	for {
		started := time.Now()
		err := l.connectAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}

		// A session that held for a while was a real connection, not a
		// failed dial: start the backoff ladder over.
		if time.Since(started) > reconnectMax {
			backoff = reconnectMin
		}
		if err != nil {
			l.logger.Debug("listener connection lost",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// connectAndServe dials, catches up via the scanner, then reads
// frames until the socket drops.
func (l *Listener) connectAndServe(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	ws, _, err := websocket.Dial(dialCtx, l.socketURL(), nil)
	cancel()
	if err != nil {
		return err
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	l.setConn(ws)
	defer l.setConn(nil)

	l.logger.Info("listener connected")

	// Catch up on anything pushed while disconnected before trusting
	// the live stream.
	if _, err := l.scanner.ScanRemote(ctx); err != nil {
		l.logger.Warn("catch-up scan failed", slog.String("error", err.Error()))
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go l.heartbeatLoop(hbCtx, ws)

	for {
		var frame changeFrame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			return err
		}
		if frame.Type != "file_change" {
			continue
		}
		l.handleChange(ctx, frame)
	}
}

// handleChange turns a pushed file_change frame into a queue event,
// applying the same local-wins skip rules as the scanner.
func (l *Listener) handleChange(ctx context.Context, frame changeFrame) {
	ev, ok := l.scanner.classifyRemote(ctx, client.Change{
		Path:    frame.Path,
		Action:  frame.Action,
		Version: frame.Version,
	})
	if !ok {
		return
	}

	l.logger.Debug("remote change received",
		slog.String("path", frame.Path),
		slog.String("action", frame.Action),
		slog.Int64("version", frame.Version))
	l.queue.Put(ctx, ev)
}

func (l *Listener) heartbeatLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wsjson.Write(ctx, ws, heartbeatFrame{Type: "heartbeat"}); err != nil {
				return
			}
		}
	}
}

// SendStatus pushes a status report over the current socket, if any.
// Dropped silently while disconnected.
func (l *Listener) SendStatus(ctx context.Context, report StatusReport) {
	l.mu.Lock()
	ws := l.conn
	l.mu.Unlock()
	if ws == nil {
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := wsjson.Write(writeCtx, ws, statusFrame{Type: "status", StatusReport: report}); err != nil {
		l.logger.Debug("status push failed", slog.String("error", err.Error()))
	}
}

func (l *Listener) setConn(ws *websocket.Conn) {
	l.mu.Lock()
	l.conn = ws
	l.mu.Unlock()
}

// socketURL derives the ws:// endpoint from the API base URL.
func (l *Listener) socketURL() string {
	base := l.api.BaseURL()
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws/client/" + l.api.Token()
}
