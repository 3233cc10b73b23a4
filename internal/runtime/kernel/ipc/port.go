package ipc

import (
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/object"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/result"
)

// ============================================================================
// Ports
// ============================================================================

type portState uint8

const (
	portNormal portState = iota
	portClientClosed
	portServerClosed
)

// Port pairs a server port, which accepts sessions, with a client port,
// which creates them. It holds one reference for each end.
type Port struct {
	object.Base

	k      *kernel.Kernel
	name   string
	server ServerPort
	client ClientPort

	state portState // guarded by the critical section
}

// NewPort creates a port allowing at most maxSessions open sessions. The
// caller owns one reference to each end.
func NewPort(k *kernel.Kernel, name string, maxSessions int) (*Port, error) {
	if maxSessions <= 0 {
		return nil, result.OutOfRange
	}
	p := &Port{k: k, name: name}
	p.Init("Port", nil)
	p.Open()

	p.server.parent = p
	p.server.Init("ServerPort", p.server.destroy)
	p.server.InitSync(k, &p.server)
	p.client.parent = p
	p.client.maxSessions = maxSessions
	p.client.Init("ClientPort", p.client.destroy)

	k.Logger().Debug("ipc: created port %q max sessions %d", name, maxSessions)
	return p, nil
}

// Name returns the port name.
func (p *Port) Name() string { return p.name }

// Server returns the server end.
func (p *Port) Server() *ServerPort { return &p.server }

// Client returns the client end.
func (p *Port) Client() *ClientPort { return &p.client }

func (p *Port) isServerClosed() bool { return p.state == portServerClosed }

func (p *Port) onClientClosed(cur *kernel.Thread) {
	p.k.Lock(cur)
	if p.state == portNormal {
		p.state = portClientClosed
	}
	p.k.Unlock(cur)
}

func (p *Port) onServerClosed(cur *kernel.Thread) {
	p.k.Lock(cur)
	if p.state == portNormal {
		p.state = portServerClosed
	}
	p.k.Unlock(cur)
}

// PortInfo describes a port for the inspector.
type PortInfo struct {
	Name         string        `json:"name"`
	Sessions     int           `json:"sessions"`
	PeakSessions int           `json:"peak_sessions"`
	MaxSessions  int           `json:"max_sessions"`
	Pending      []SessionInfo `json:"pending,omitempty"`
	ServerClosed bool          `json:"server_closed"`
}

// Info returns a snapshot of the port.
func (p *Port) Info() PortInfo {
	host := p.k.NewHostThread(nil, "ipc")
	p.k.Lock(host)
	defer p.k.Unlock(host)

	info := PortInfo{
		Name:         p.name,
		Sessions:     p.client.numSessions,
		PeakSessions: p.client.peakSessions,
		MaxSessions:  p.client.maxSessions,
		ServerClosed: p.isServerClosed(),
	}
	for _, s := range p.server.sessions {
		info.Pending = append(info.Pending, s.infoLocked())
	}
	return info
}

// ============================================================================
// Server port
// ============================================================================

// ServerPort queues sessions until the server accepts them. It is signaled
// while a session is waiting.
type ServerPort struct {
	object.Base
	kernel.SyncBase

	parent   *Port
	sessions []*Session // guarded by the critical section
}

// Parent returns the port.
func (s *ServerPort) Parent() *Port { return s.parent }

// IsSignaled implements kernel.SyncObject.
func (s *ServerPort) IsSignaled() bool { return len(s.sessions) > 0 }

// Signaled reports whether a session is waiting to be accepted.
func (s *ServerPort) Signaled(cur *kernel.Thread) bool {
	k := s.parent.k
	k.Lock(cur)
	defer k.Unlock(cur)
	return s.IsSignaled()
}

// EnqueueSession queues a newly created session.
func (s *ServerPort) EnqueueSession(cur *kernel.Thread, sess *Session) error {
	k := s.parent.k
	k.Lock(cur)
	defer k.Unlock(cur)
	if s.parent.isServerClosed() {
		return result.PortClosed
	}
	wasEmpty := len(s.sessions) == 0
	s.sessions = append(s.sessions, sess)
	if wasEmpty {
		s.NotifyAvailable(cur, nil)
	}
	return nil
}

// AcceptSession removes the oldest queued session and returns its server end
// with the queue's reference. NotFound means none was queued.
func (s *ServerPort) AcceptSession(cur *kernel.Thread) (*ServerSession, error) {
	k := s.parent.k
	k.Lock(cur)
	defer k.Unlock(cur)
	if len(s.sessions) == 0 {
		return nil, result.NotFound
	}
	sess := s.sessions[0]
	s.sessions[0] = nil
	s.sessions = s.sessions[1:]
	return sess.Server(), nil
}

func (s *ServerPort) destroy() {
	p := s.parent
	cur := p.k.NewHostThread(nil, "ipc")
	p.onServerClosed(cur)

	p.k.Lock(cur)
	pending := s.sessions
	s.sessions = nil
	p.k.Unlock(cur)
	for _, sess := range pending {
		sess.Server().Close()
	}
	p.Close()
}

// ============================================================================
// Client port
// ============================================================================

// ClientPort creates sessions up to the port's limit.
type ClientPort struct {
	object.Base

	parent      *Port
	maxSessions int

	// Guarded by the critical section.
	numSessions  int
	peakSessions int
}

// Parent returns the port.
func (c *ClientPort) Parent() *Port { return c.parent }

// NumSessions returns the number of live sessions.
func (c *ClientPort) NumSessions() int {
	k := c.parent.k
	host := k.NewHostThread(nil, "ipc")
	k.Lock(host)
	defer k.Unlock(host)
	return c.numSessions
}

// PeakSessions returns the largest number of sessions open at once.
func (c *ClientPort) PeakSessions() int {
	k := c.parent.k
	host := k.NewHostThread(nil, "ipc")
	k.Lock(host)
	defer k.Unlock(host)
	return c.peakSessions
}

// CreateSession opens a session and queues its server end on the server
// port. The caller owns the returned client end.
func (c *ClientPort) CreateSession(cur *kernel.Thread) (*ClientSession, error) {
	p := c.parent
	k := p.k

	k.Lock(cur)
	if p.isServerClosed() {
		k.Unlock(cur)
		return nil, result.PortClosed
	}
	if c.numSessions >= c.maxSessions {
		k.Unlock(cur)
		k.Logger().Warn("ipc: port %q out of sessions", p.name)
		return nil, result.OutOfSessions
	}
	c.numSessions++
	if c.numSessions > c.peakSessions {
		c.peakSessions = c.numSessions
	}
	k.Unlock(cur)

	sess := newSession(k, c)
	if err := p.server.EnqueueSession(cur, sess); err != nil {
		sess.Client().Close()
		sess.Server().Close()
		return nil, err
	}
	return sess.Client(), nil
}

func (c *ClientPort) onSessionFinalized() {
	k := c.parent.k
	host := k.NewHostThread(nil, "ipc")
	k.Lock(host)
	c.numSessions--
	k.Unlock(host)
}

func (c *ClientPort) destroy() {
	p := c.parent
	p.onClientClosed(p.k.NewHostThread(nil, "ipc"))
	p.Close()
}
