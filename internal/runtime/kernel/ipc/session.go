package ipc

import (
	"sync"
	"sync/atomic"

	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/object"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/result"
)

// ============================================================================
// Sessions
// ============================================================================

// Phase is the observable state of a session.
type Phase uint8

const (
	// PhaseListening: attached, no requests.
	PhaseListening Phase = iota
	// PhaseRequestPending: requests queued, none being serviced.
	PhaseRequestPending
	// PhaseServicing: a server thread holds the current request.
	PhaseServicing
	// PhaseClosed: either end has been closed.
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseListening:
		return "listening"
	case PhaseRequestPending:
		return "request-pending"
	case PhaseServicing:
		return "servicing"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type sessionState uint8

const (
	sessionNormal sessionState = iota
	sessionClientClosed
	sessionServerClosed
)

var nextSessionID atomic.Uint64

// Session joins a client end and a server end. It holds one reference for
// each end and is destroyed once both are gone.
type Session struct {
	object.Base

	k      *kernel.Kernel
	id     uint64
	port   *ClientPort
	server ServerSession
	client ClientSession

	state sessionState // guarded by the critical section
}

func newSession(k *kernel.Kernel, port *ClientPort) *Session {
	s := &Session{k: k, id: nextSessionID.Add(1), port: port}
	s.Init("Session", s.destroy)
	s.Open()

	s.server.parent = s
	s.server.Init("ServerSession", s.server.destroy)
	s.server.InitSync(k, &s.server)
	s.client.parent = s
	s.client.Init("ClientSession", s.client.destroy)

	if port != nil {
		port.Open()
	}
	return s
}

func (s *Session) destroy() {
	if s.port != nil {
		s.port.onSessionFinalized()
		s.port.Close()
	}
	s.k.Logger().Debug("ipc: session %d finalized", s.id)
}

// ID returns the session id.
func (s *Session) ID() uint64 { return s.id }

// Server returns the server end.
func (s *Session) Server() *ServerSession { return &s.server }

// Client returns the client end.
func (s *Session) Client() *ClientSession { return &s.client }

// Phase reports the session state.
func (s *Session) Phase() Phase {
	host := s.k.NewHostThread(nil, "ipc")
	s.k.Lock(host)
	defer s.k.Unlock(host)
	return s.phaseLocked()
}

func (s *Session) phaseLocked() Phase {
	switch {
	case s.state != sessionNormal:
		return PhaseClosed
	case s.server.current != nil:
		return PhaseServicing
	case len(s.server.requests) > 0:
		return PhaseRequestPending
	default:
		return PhaseListening
	}
}

// SessionInfo describes a session for the inspector.
type SessionInfo struct {
	ID      uint64 `json:"id"`
	Phase   string `json:"phase"`
	Pending int    `json:"pending"`
	Current bool   `json:"current"`
}

func (s *Session) infoLocked() SessionInfo {
	return SessionInfo{
		ID:      s.id,
		Phase:   s.phaseLocked().String(),
		Pending: len(s.server.requests),
		Current: s.server.current != nil,
	}
}

func (s *Session) isClientClosed() bool { return s.state == sessionClientClosed }

func (s *Session) isServerClosed() bool { return s.state == sessionServerClosed }

func (s *Session) onClientClosed(cur *kernel.Thread) {
	s.k.Lock(cur)
	closing := s.state == sessionNormal
	if closing {
		s.state = sessionClientClosed
	}
	s.k.Unlock(cur)
	if closing {
		s.server.OnClientClosed(cur)
	}
}

func (s *Session) onServerClosed(cur *kernel.Thread) {
	s.k.Lock(cur)
	if s.state == sessionNormal {
		s.state = sessionServerClosed
	}
	s.k.Unlock(cur)
}

// ============================================================================
// Client end
// ============================================================================

// ClientSession is the end a client sends requests on.
type ClientSession struct {
	object.Base
	parent *Session
}

// Parent returns the session.
func (c *ClientSession) Parent() *Session { return c.parent }

func (c *ClientSession) destroy() {
	s := c.parent
	s.onClientClosed(s.k.NewHostThread(nil, "ipc"))
	s.Close()
}

// SendSyncRequest queues a request for the message at [addr, addr+size) in
// cur's address space and blocks until the server replies.
func (c *ClientSession) SendSyncRequest(cur *kernel.Thread, addr, size uint64) error {
	s := c.parent
	k := s.k
	req := newRequest(k, cur, nil, addr, size)

	k.Lock(cur)
	err := s.server.onRequest(cur, req)
	k.Unlock(cur)
	req.Close()
	if err != nil {
		return err
	}
	return cur.WaitResult()
}

// SendAsyncRequest queues a request and returns at once. event is signalled
// when the reply is in the buffer; a failed request leaves its result at
// offset 8 of the buffer.
func (c *ClientSession) SendAsyncRequest(cur *kernel.Thread, event *kernel.Event, addr, size uint64) error {
	s := c.parent
	k := s.k
	req := newRequest(k, cur, event, addr, size)

	k.Lock(cur)
	err := s.server.onRequest(cur, req)
	k.Unlock(cur)
	req.Close()
	return err
}

// ============================================================================
// Server end
// ============================================================================

// ServerSession is the end a server receives requests on. It is signaled
// when a request is waiting and none is being serviced, or once the client
// has closed.
type ServerSession struct {
	object.Base
	kernel.SyncBase

	parent *Session

	// mu serializes receive, reply and teardown. It is taken before the
	// critical section.
	mu sync.Mutex

	// Guarded by the critical section.
	requests []*Request
	current  *Request
}

// Parent returns the session.
func (s *ServerSession) Parent() *Session { return s.parent }

func (s *ServerSession) destroy() {
	p := s.parent
	cur := p.k.NewHostThread(nil, "ipc")
	p.onServerClosed(cur)
	s.CleanupRequests(cur)
	p.Close()
}

// IsSignaled implements kernel.SyncObject.
func (s *ServerSession) IsSignaled() bool {
	if s.parent.isClientClosed() {
		return true
	}
	return len(s.requests) > 0 && s.current == nil
}

// onRequest queues req. A synchronous sender starts waiting on it. The
// critical section must be held.
func (s *ServerSession) onRequest(cur *kernel.Thread, req *Request) error {
	if s.parent.isServerClosed() || s.parent.isClientClosed() {
		return result.SessionClosed
	}
	if !req.IsAsync() {
		if req.thread.IsTerminationRequested() {
			return result.TerminationRequested
		}
		req.thread.BeginWait(req.wait)
	}

	wasEmpty := len(s.requests) == 0
	req.Open()
	s.requests = append(s.requests, req)
	if wasEmpty {
		s.NotifyAvailable(cur, nil)
	}
	return nil
}

func (s *ServerSession) popLocked() *Request {
	if len(s.requests) == 0 {
		return nil
	}
	req := s.requests[0]
	s.requests[0] = nil
	s.requests = s.requests[1:]
	return req
}

// ReceiveRequest takes the oldest request and copies its message into the
// buffer at [addr, addr+size) of cur's address space. NotFound means there
// was nothing to receive or the request failed and was answered with the
// error.
func (s *ServerSession) ReceiveRequest(cur *kernel.Thread, addr, size uint64) error {
	k := s.parent.k
	s.mu.Lock()
	defer s.mu.Unlock()

	k.Lock(cur)
	if s.parent.isClientClosed() {
		k.Unlock(cur)
		return result.SessionClosed
	}
	if s.current != nil || len(s.requests) == 0 {
		k.Unlock(cur)
		return result.NotFound
	}
	req := s.popLocked()
	client := req.thread
	if client == nil || !client.Open() {
		k.Unlock(cur)
		req.Close()
		return result.SessionClosed
	}
	s.current = req
	k.Unlock(cur)
	defer client.Close()

	err := s.receiveMessage(cur, client, req, addr, size)
	if err == nil {
		return nil
	}

	k.Lock(cur)
	s.current = nil
	if len(s.requests) > 0 {
		s.NotifyAvailable(cur, nil)
	}
	event := req.event
	k.Unlock(cur)

	req.complete(k, cur, client, event, err)
	req.Close()
	k.Logger().Debug("ipc: session %d receive failed: %v", s.parent.id, err)
	return result.NotFound
}

func (s *ServerSession) receiveMessage(cur, client *kernel.Thread, req *Request, addr, size uint64) error {
	src, err := messageView(client.Process(), req.addr, req.size)
	if err != nil {
		return err
	}
	dst, err := messageView(cur.Process(), addr, size)
	if err != nil {
		return err
	}
	return copyMessage(dst, src)
}

// SendReply copies the reply in [addr, addr+size) of cur's address space to
// the sender of the current request and completes it. A failed copy is
// reported to the client, not to the server. SessionClosed means the client
// was gone.
func (s *ServerSession) SendReply(cur *kernel.Thread, addr, size uint64) error {
	k := s.parent.k
	s.mu.Lock()
	defer s.mu.Unlock()

	k.Lock(cur)
	req := s.current
	if req == nil {
		k.Unlock(cur)
		return result.InvalidState
	}
	s.current = nil
	if len(s.requests) > 0 {
		s.NotifyAvailable(cur, nil)
	}
	client, event := req.thread, req.event
	closed := client == nil || s.parent.isClientClosed()
	k.Unlock(cur)
	defer req.Close()

	var err error
	if !closed {
		err = s.sendMessage(cur, client, req, addr, size)
	}
	clientErr := err
	if closed {
		err, clientErr = result.SessionClosed, result.SessionClosed
	} else {
		err = nil
	}

	req.complete(k, cur, client, event, clientErr)
	return err
}

func (s *ServerSession) sendMessage(cur, client *kernel.Thread, req *Request, addr, size uint64) error {
	src, err := messageView(cur.Process(), addr, size)
	if err != nil {
		return err
	}
	dst, err := messageView(client.Process(), req.addr, req.size)
	if err != nil {
		return err
	}
	return copyMessage(dst, src)
}

// OnClientClosed fails every queued request with SessionClosed and wakes the
// server. The current request is left for the server to reply to, unless
// its sender is being terminated, in which case the request drops the
// sender and its event.
func (s *ServerSession) OnClientClosed(cur *kernel.Thread) {
	k := s.parent.k
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev *Request
	for {
		var (
			req       *Request
			thread    *kernel.Thread
			event     *kernel.Event
			isCurrent bool
			terminate bool
		)

		k.Lock(cur)
		switch {
		case s.current != nil && s.current != prev:
			req = s.current
			req.Open()
			isCurrent = true
			thread, event = req.thread, req.event
			if thread != nil && thread.IsTerminationRequested() {
				req.thread, req.event = nil, nil
				terminate = true
			}
			prev = req
		case len(s.requests) > 0:
			req = s.popLocked()
			thread, event = req.thread, req.event
			if event == nil {
				req.wake(result.SessionClosed)
			}
		}
		k.Unlock(cur)

		if req == nil {
			break
		}
		if terminate {
			thread.Close()
			if event != nil {
				event.Close()
			}
		}
		if event != nil && !isCurrent {
			replyAsyncError(thread.Process(), req.addr, req.size, result.SessionClosed)
			event.Signal(cur)
		}
		req.Close()
	}

	s.NotifyAvailable(cur, result.SessionClosed)
}

// CleanupRequests fails the current and every queued request with
// SessionClosed. It runs when the server end is closed.
func (s *ServerSession) CleanupRequests(cur *kernel.Thread) {
	k := s.parent.k
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		k.Lock(cur)
		req := s.current
		if req != nil {
			s.current = nil
		} else {
			req = s.popLocked()
		}
		var thread *kernel.Thread
		var event *kernel.Event
		if req != nil {
			thread, event = req.thread, req.event
		}
		k.Unlock(cur)

		if req == nil {
			return
		}
		req.complete(k, cur, thread, event, result.SessionClosed)
		req.Close()
	}
}

// Pending returns the number of queued requests.
func (s *ServerSession) Pending() int {
	k := s.parent.k
	host := k.NewHostThread(nil, "ipc")
	k.Lock(host)
	defer k.Unlock(host)
	return len(s.requests)
}
