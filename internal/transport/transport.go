// Package transport mirrors the event bus to the dashboard. The
// connector discovers the dashboard through a port file under the data
// directory, opens a duplex websocket, registers the server, and
// forwards every bus event. It is a strict mirror: nothing in the core
// depends on its availability.
package transport

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/net/websocket"

	"github.com/zmcptools/zmcp/internal/bus"
	"github.com/zmcptools/zmcp/internal/log"
	"github.com/zmcptools/zmcp/internal/zerr"
)

// PortFileName is the discovery file the dashboard writes under the
// data directory.
const PortFileName = "dashboard.port"

const (
	defaultReconnectDelay    = time.Second
	defaultMaxReconnectDelay = 30 * time.Second
	defaultMaxReconnects     = 10
	defaultCheckInterval     = 5 * time.Second

	// outboxSize bounds the event mirror buffer; the bus is never
	// blocked by a slow dashboard.
	outboxSize = 256
)

// Config tunes the dashboard connector.
type Config struct {
	DataDir        string
	ProjectID      string
	RepositoryPath string
	StartTime      time.Time

	AutoReconnect           bool
	MaxReconnectAttempts    int
	ReconnectDelay          time.Duration
	MaxReconnectDelay       time.Duration
	ConnectionCheckInterval time.Duration
}

// frame is the wire envelope in both directions.
type frame struct {
	Type       string      `json:"type"`
	ProjectID  string      `json:"projectId,omitempty"`
	ServerInfo *serverInfo `json:"serverInfo,omitempty"`
	EventType  string      `json:"eventType,omitempty"`
	Payload    any         `json:"payload,omitempty"`
	Data       any         `json:"data,omitempty"`
}

type serverInfo struct {
	RepositoryPath string    `json:"repositoryPath"`
	StartTime      time.Time `json:"startTime"`
}

// Connector watches for the dashboard and mirrors the bus onto it.
type Connector struct {
	bus *bus.EventBus
	cfg Config

	mu        sync.Mutex
	connected bool
}

// New creates a connector; Run starts it.
func New(eventBus *bus.EventBus, cfg Config) *Connector {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnects
	}
	if cfg.ConnectionCheckInterval <= 0 {
		cfg.ConnectionCheckInterval = defaultCheckInterval
	}
	return &Connector{bus: eventBus, cfg: cfg}
}

// Connected reports whether a dashboard session is live.
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run discovers the dashboard and keeps a session alive until ctx is
// cancelled. Failures are logged and retried; they never propagate.
func (c *Connector) Run(ctx context.Context) {
	watch := c.watchDataDir(ctx)
	ticker := time.NewTicker(c.cfg.ConnectionCheckInterval)
	defer ticker.Stop()

	for {
		if url, err := c.readDiscovery(); err == nil {
			c.serveWithBackoff(ctx, url)
		}
		select {
		case <-ctx.Done():
			return
		case <-watch:
		case <-ticker.C:
		}
	}
}

// watchDataDir returns a channel that ticks when the discovery file
// changes. Falls back to polling alone when the watcher cannot start.
func (c *Connector) watchDataDir(ctx context.Context) <-chan struct{} {
	changes := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn(log.CatTransport, "fsnotify unavailable, polling only", "error", err.Error())
		return changes
	}
	if err := watcher.Add(c.cfg.DataDir); err != nil {
		log.Warn(log.CatTransport, "data dir watch failed, polling only", "error", err.Error())
		_ = watcher.Close()
		return changes
	}
	log.SafeGo("transport.watch", func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != PortFileName {
					continue
				}
				select {
				case changes <- struct{}{}:
				default:
				}
			case <-watcher.Errors:
			}
		}
	})
	return changes
}

// readDiscovery returns the dashboard URL from the port file.
func (c *Connector) readDiscovery() (string, error) {
	raw, err := os.ReadFile(filepath.Join(c.cfg.DataDir, PortFileName))
	if err != nil {
		return "", zerr.Wrap(zerr.KindTransportUnavailable, err, "dashboard discovery")
	}
	url := strings.TrimSpace(string(raw))
	if url == "" {
		return "", zerr.New(zerr.KindTransportUnavailable, "dashboard discovery file is empty")
	}
	return url, nil
}

// serveWithBackoff dials the dashboard with exponential backoff and
// mirrors events for as long as the session lasts. Returns when the
// attempts are exhausted, the discovery file disappears, or ctx ends.
func (c *Connector) serveWithBackoff(ctx context.Context, url string) {
	delay := c.cfg.ReconnectDelay
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := c.serve(ctx, url)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn(log.CatTransport, "dashboard session ended",
				"url", url, "attempt", attempt, "error", err.Error())
		}
		if !c.cfg.AutoReconnect {
			return
		}
		if _, derr := c.readDiscovery(); derr != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
		}
	}
	log.Warn(log.CatTransport, "dashboard reconnect attempts exhausted", "url", url)
}

// serve runs one dashboard session: register, then mirror events and
// answer control frames until the connection drops.
func (c *Connector) serve(ctx context.Context, url string) error {
	conn, err := websocket.Dial(url, "", "http://localhost/")
	if err != nil {
		return zerr.Wrap(zerr.KindTransportUnavailable, err, "dial %s", url)
	}
	defer func() { _ = conn.Close() }()

	if err := websocket.JSON.Send(conn, frame{
		Type:      "register",
		ProjectID: c.cfg.ProjectID,
		ServerInfo: &serverInfo{
			RepositoryPath: c.cfg.RepositoryPath,
			StartTime:      c.cfg.StartTime,
		},
	}); err != nil {
		return zerr.Wrap(zerr.KindTransportUnavailable, err, "register")
	}
	log.Info(log.CatTransport, "dashboard connected", "url", url)
	c.setConnected(true)
	defer c.setConnected(false)

	outbox := make(chan frame, outboxSize)
	var subs []bus.SubscriptionID
	for _, kind := range bus.AllKinds() {
		id, err := c.bus.Subscribe(kind, func(ev bus.Event) {
			select {
			case outbox <- frame{Type: "event", EventType: string(ev.Kind), Payload: ev.Payload}:
			default:
				// slow dashboard, drop rather than block the bus
			}
		})
		if err != nil {
			return err
		}
		subs = append(subs, id)
	}
	defer func() {
		for _, id := range subs {
			c.bus.Unsubscribe(id)
		}
	}()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	log.SafeGo("transport.write", func() {
		for {
			select {
			case <-sessionCtx.Done():
				return
			case f := <-outbox:
				if err := websocket.JSON.Send(conn, f); err != nil {
					errCh <- err
					return
				}
			}
		}
	})
	log.SafeGo("transport.read", func() {
		for {
			var in frame
			if err := websocket.JSON.Receive(conn, &in); err != nil {
				errCh <- err
				return
			}
			c.handleControl(outbox, in)
		}
	})

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// handleControl answers dashboard control frames.
func (c *Connector) handleControl(outbox chan frame, in frame) {
	switch in.Type {
	case "ping":
		c.enqueue(outbox, frame{Type: "pong"})
	case "request_status":
		c.enqueue(outbox, frame{Type: "server_status", Data: c.statusSnapshot()})
	}
}

func (c *Connector) enqueue(outbox chan frame, f frame) {
	select {
	case outbox <- f:
	default:
	}
}

// statusSnapshot summarizes the bus history for request_status.
func (c *Connector) statusSnapshot() map[string]any {
	counts := map[string]int{}
	var last time.Time
	for _, kind := range bus.AllKinds() {
		events := c.bus.History(kind)
		if len(events) == 0 {
			continue
		}
		counts[string(kind)] = len(events)
		if ts := events[len(events)-1].Timestamp; ts.After(last) {
			last = ts
		}
	}
	snapshot := map[string]any{
		"repositoryPath": c.cfg.RepositoryPath,
		"startTime":      c.cfg.StartTime,
		"eventCounts":    counts,
	}
	if !last.IsZero() {
		snapshot["lastEventAt"] = last
	}
	return snapshot
}

func (c *Connector) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
