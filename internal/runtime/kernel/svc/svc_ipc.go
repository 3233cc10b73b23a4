package svc

import (
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/handle"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/ipc"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/pagetable"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/result"
)

// ============================================================================
// Ports and sessions
// ============================================================================

// CreatePort creates a port and returns handles to its server and client
// ends.
func CreatePort(cur *kernel.Thread, name string, maxSessions int32) (server, client handle.Handle, err error) {
	port, err := ipc.NewPort(cur.Kernel(), name, int(maxSessions))
	if err != nil {
		return handle.Invalid, handle.Invalid, err
	}
	table := handles(cur)

	server, err = table.Add(port.Server())
	if err != nil {
		port.Server().Close()
		port.Client().Close()
		return handle.Invalid, handle.Invalid, err
	}
	port.Server().Close()

	client, err = table.Add(port.Client())
	port.Client().Close()
	if err != nil {
		table.Remove(server)
		return handle.Invalid, handle.Invalid, err
	}
	return server, client, nil
}

// ConnectToPort creates a session on the client port h and returns a handle
// to its client end. The handle slot is reserved before the session exists,
// so a full table fails without touching the port.
func ConnectToPort(cur *kernel.Thread, h handle.Handle) (handle.Handle, error) {
	port, err := getObject[*ipc.ClientPort](cur, h)
	if err != nil {
		return handle.Invalid, err
	}
	defer port.Close()

	table := handles(cur)
	out, err := table.Reserve()
	if err != nil {
		return handle.Invalid, err
	}
	session, err := port.CreateSession(cur)
	if err != nil {
		table.Unreserve(out)
		return handle.Invalid, err
	}
	table.Register(out, session)
	session.Close()
	return out, nil
}

// AcceptSession accepts the oldest session queued on the server port h and
// returns a handle to its server end.
func AcceptSession(cur *kernel.Thread, h handle.Handle) (handle.Handle, error) {
	port, err := getObject[*ipc.ServerPort](cur, h)
	if err != nil {
		return handle.Invalid, err
	}
	defer port.Close()

	table := handles(cur)
	out, err := table.Reserve()
	if err != nil {
		return handle.Invalid, err
	}
	session, err := port.AcceptSession(cur)
	if err != nil {
		table.Unreserve(out)
		return handle.Invalid, err
	}
	table.Register(out, session)
	session.Close()
	return out, nil
}

// checkMessageBuffer validates a user message buffer: page aligned, a
// non-zero multiple of the page size and not wrapping.
func checkMessageBuffer(addr, size uint64) error {
	if addr%pagetable.PageSize != 0 {
		return result.InvalidAddress
	}
	if size == 0 || size%pagetable.PageSize != 0 {
		return result.InvalidSize
	}
	if addr+size <= addr {
		return result.InvalidCurrentMemory
	}
	return nil
}

// SendSyncRequestWithUserBuffer sends the message at [addr, addr+size) on the
// client session h and blocks until the reply has been written back.
func SendSyncRequestWithUserBuffer(cur *kernel.Thread, addr, size uint64, h handle.Handle) error {
	if err := checkMessageBuffer(addr, size); err != nil {
		return err
	}
	session, err := getObject[*ipc.ClientSession](cur, h)
	if err != nil {
		return err
	}
	defer session.Close()
	return session.SendSyncRequest(cur, addr, size)
}

// SendAsyncRequestWithUserBuffer sends the message at [addr, addr+size) on
// the client session h and returns a handle to an event signalled once the
// reply, or an error result at offset 8, is in the buffer.
func SendAsyncRequestWithUserBuffer(cur *kernel.Thread, addr, size uint64, h handle.Handle) (handle.Handle, error) {
	if err := checkMessageBuffer(addr, size); err != nil {
		return handle.Invalid, err
	}
	session, err := getObject[*ipc.ClientSession](cur, h)
	if err != nil {
		return handle.Invalid, err
	}
	defer session.Close()

	event := cur.Kernel().NewEvent()
	defer event.Close()
	table := handles(cur)
	out, err := table.Add(event)
	if err != nil {
		return handle.Invalid, err
	}
	if err := session.SendAsyncRequest(cur, event, addr, size); err != nil {
		table.Remove(out)
		return handle.Invalid, err
	}
	return out, nil
}

// ReplyAndReceiveWithUserBuffer replies on the server session replyTarget,
// unless it is handle.Invalid, then waits on hs. When the signaled object is
// a server session its next request is received into [addr, addr+size);
// sessions whose request could not be delivered are waited on again.
//
// A failed reply returns index -1. With no handles to wait on the call
// returns TimedOut once the reply is sent.
func ReplyAndReceiveWithUserBuffer(cur *kernel.Thread, addr, size uint64, hs []handle.Handle, replyTarget handle.Handle, timeoutNs int64) (int, error) {
	if err := checkMessageBuffer(addr, size); err != nil {
		return -1, err
	}
	objs, err := syncObjects(cur, hs)
	if err != nil {
		return -1, err
	}
	defer closeAll(objs)

	if replyTarget != handle.Invalid {
		session, err := getObject[*ipc.ServerSession](cur, replyTarget)
		if err != nil {
			return -1, err
		}
		err = session.SendReply(cur, addr, size)
		session.Close()
		if err != nil {
			return -1, err
		}
	}
	if len(objs) == 0 {
		return -1, result.TimedOut
	}

	k := cur.Kernel()
	timeout := deadline(cur, timeoutNs)
	for {
		index, err := k.WaitSynchronization(cur, objs, timeout)
		if err == result.TimedOut {
			return index, err
		}
		if err == nil {
			if session, ok := objs[index].(*ipc.ServerSession); ok {
				err = session.ReceiveRequest(cur, addr, size)
				if err == result.NotFound {
					continue
				}
			}
		}
		return index, err
	}
}
