// Package session starts and stops interactive execution sessions.
// A session is a child process or container speaking a websocket
// protocol on an allocated ip:port, living at most for a bounded time.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hubward/jobd/internal/config"
	"github.com/hubward/jobd/internal/service/logger"
	"github.com/hubward/jobd/model"
)

// ErrSessionTimeout is returned when a session reaches its time
// ceiling and is force-stopped.
var ErrSessionTimeout = errors.New("session timed out")

const (
	defaultProtocol = "ws"
	readyProbeEvery = 500 * time.Millisecond
	readyProbeFor   = 30 * time.Second
)

// Handle is a running session's backing process or container.
type Handle interface {
	Destroy(ctx context.Context) error
}

// Launcher starts the process backing a session, already bound to the
// session's ip and port.
type Launcher interface {
	Launch(ctx context.Context, sess model.Session) (Handle, error)
}

// Manager allocates addresses for sessions, launches their backing
// processes and tears them down. Stop is idempotent: stopping a
// session twice, or one whose process already died, is a no-op.
type Manager struct {
	cfg       *config.SessionConfig
	trusted   Launcher
	untrusted Launcher

	mu     sync.Mutex
	active map[string]Handle
}

func NewManager(cfg *config.SessionConfig, trusted, untrusted Launcher) *Manager {
	return &Manager{
		cfg:       cfg,
		trusted:   trusted,
		untrusted: untrusted,
		active:    make(map[string]Handle),
	}
}

// Timeout returns the session's time ceiling. A job may ask for less
// than the configured maximum but never more.
func (m *Manager) Timeout(params model.SessionParams) time.Duration {
	max := time.Duration(m.cfg.TIMEOUT_SECS) * time.Second
	if params.TimeoutSeconds > 0 {
		if d := time.Duration(params.TimeoutSeconds) * time.Second; d < max {
			return d
		}
	}
	return max
}

// Start allocates an address, launches the session and waits for it to
// accept connections.
func (m *Manager) Start(ctx context.Context, params model.SessionParams) (model.Session, error) {
	protocol := params.Protocol
	if protocol == "" {
		protocol = defaultProtocol
	}

	ip := LocalIP()
	port, err := FreePort(ip)
	if err != nil {
		return model.Session{}, err
	}

	sess := model.Session{
		ID:       uuid.NewString(),
		Protocol: protocol,
		IP:       ip,
		Port:     port,
	}

	launcher := m.trusted
	if params.Untrusted {
		launcher = m.untrusted
	}
	if launcher == nil {
		return model.Session{}, fmt.Errorf("no launcher configured for untrusted=%v sessions", params.Untrusted)
	}

	handle, err := launcher.Launch(ctx, sess)
	if err != nil {
		return model.Session{}, err
	}

	m.mu.Lock()
	m.active[sess.ID] = handle
	m.mu.Unlock()

	if err := m.awaitReady(ctx, sess); err != nil {
		m.Stop(sess)
		return model.Session{}, err
	}
	logger.Log.Info().Str("session", sess.ID).Str("url", sess.URL()).Msg("session started")
	return sess, nil
}

// Stop tears the session down and releases its state. Safe to call
// more than once and safe when the backing process is already gone.
func (m *Manager) Stop(sess model.Session) error {
	m.mu.Lock()
	handle, ok := m.active[sess.ID]
	delete(m.active, sess.ID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := handle.Destroy(ctx); err != nil {
		logger.Log.Warn().Str("session", sess.ID).Err(err).Msg("session teardown failed")
		return err
	}
	logger.Log.Info().Str("session", sess.ID).Msg("session stopped")
	return nil
}

func (m *Manager) awaitReady(ctx context.Context, sess model.Session) error {
	deadline := time.Now().Add(readyProbeFor)
	addr := net.JoinHostPort(sess.IP, strconv.Itoa(sess.Port))

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyProbeEvery):
		}

		if sess.Protocol == "ws" {
			dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
			conn, _, err := dialer.DialContext(ctx, sess.URL(), nil)
			if err == nil {
				conn.Close()
				return nil
			}
		} else {
			conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
			if err == nil {
				conn.Close()
				return nil
			}
		}
	}
	return fmt.Errorf("session %s never became ready on %s", sess.ID, addr)
}

// LocalIP finds the address other hosts can reach this worker on, by
// probing an outbound route. Falls back to loopback when the host has
// no route out.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// FreePort asks the OS for an unused TCP port on ip.
func FreePort(ip string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
