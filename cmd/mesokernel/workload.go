package main

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"

	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/handle"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/inspect"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/ipc"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/pagetable"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/result"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/svc"
)

const (
	heapBase  = 0x10000000
	echoTag   = 0x45434830
	replyFlag = 0x80000000
)

// runEchoWorkload starts an echo server thread and clients client threads
// in separate processes, each client sending requests synchronous requests,
// and waits until every request has been answered.
func runEchoWorkload(ctx context.Context, k *kernel.Kernel, in *inspect.Inspector, clients, requests int) (int64, error) {
	if clients < 1 {
		return 0, nil
	}

	serverHeap := pagetable.NewHeap(heapBase, pagetable.PageSize)
	server, err := k.CreateProcess("echo-server", serverHeap)
	if err != nil {
		return 0, err
	}
	clientHeap := pagetable.NewHeap(heapBase, uint64(clients)*pagetable.PageSize)
	client, err := k.CreateProcess("echo-client", clientHeap)
	if err != nil {
		return 0, err
	}

	boot := k.NewHostThread(server, "boot")
	portH, clientPortH, err := svc.CreatePort(boot, "echo", int32(clients))
	if err != nil {
		return 0, err
	}
	if sp, ok := handle.Get[*ipc.ServerPort](server.Handles(), portH); ok {
		in.TrackPort(sp.Parent())
		sp.Close()
	}
	cp, ok := handle.Get[*ipc.ClientPort](server.Handles(), clientPortH)
	if !ok {
		return 0, fmt.Errorf("client port handle 0x%08x did not resolve", uint32(clientPortH))
	}
	clientSide, err := client.Handles().Add(cp)
	cp.Close()
	if err != nil {
		return 0, err
	}
	svc.CloseHandle(boot, clientPortH)

	var served atomic.Int64
	errs := make(chan error, clients+1)
	done := make(chan struct{}, clients+1)

	serverThread, err := k.CreateThread(kernel.ThreadParams{
		Owner:    server,
		Name:     "echo-server",
		Priority: 28,
		Core:     0,
		Entry: func(th *kernel.Thread) {
			if err := serveEcho(th, serverHeap, portH, clients, &served); err != nil {
				errs <- err
			}
			done <- struct{}{}
		},
	})
	if err != nil {
		return 0, err
	}
	defer serverThread.Close()

	// Clients block on their first request until the server runs, so every
	// client is started before any of them can exit and finish the process.
	threads := make([]*kernel.Thread, 0, clients+1)
	for c := 0; c < clients; c++ {
		c := c
		buf := uint64(heapBase + c*pagetable.PageSize)
		th, err := k.CreateThread(kernel.ThreadParams{
			Owner:    client,
			Name:     fmt.Sprintf("echo-client-%d", c),
			Priority: 30 + int32(c%4),
			Core:     int32((c + 1) % k.NumCores()),
			Entry: func(th *kernel.Thread) {
				if err := sendEcho(th, clientHeap, clientSide, buf, c, requests); err != nil {
					errs <- err
				}
				done <- struct{}{}
			},
		})
		if err != nil {
			return 0, err
		}
		defer th.Close()
		threads = append(threads, th)
	}
	threads = append(threads, serverThread)
	for _, th := range threads {
		if err := th.Start(); err != nil {
			return 0, err
		}
	}

	for finished := 0; finished < len(threads); {
		select {
		case err := <-errs:
			return served.Load(), err
		case <-done:
			finished++
		case <-ctx.Done():
			for _, th := range threads {
				th.RequestTerminate()
			}
			return served.Load(), ctx.Err()
		}
	}
	return served.Load(), nil
}

// serveEcho accepts sessions on portH and answers every request with its
// payload reversed until clients sessions have been closed.
func serveEcho(th *kernel.Thread, heap *pagetable.Heap, portH handle.Handle, clients int, served *atomic.Int64) error {
	const buf = heapBase
	waitSet := []handle.Handle{portH}
	reply := handle.Invalid
	closed := 0

	for closed < clients {
		index, err := svc.ReplyAndReceiveWithUserBuffer(th, buf, pagetable.PageSize, waitSet, reply, 0)
		reply = handle.Invalid
		switch {
		case err == result.SessionClosed && index > 0:
			svc.CloseHandle(th, waitSet[index])
			waitSet = append(waitSet[:index], waitSet[index+1:]...)
			closed++
		case err == result.SessionClosed && index < 0:
			// The client left while we replied; its session is reported
			// again on the next wait.
		case err != nil:
			return fmt.Errorf("echo server: %w", err)
		case index == 0:
			h, err := svc.AcceptSession(th, portH)
			if err != nil && err != result.NotFound {
				return fmt.Errorf("echo server: accept: %w", err)
			}
			if err == nil {
				waitSet = append(waitSet, h)
			}
		default:
			view, err := heap.LinearView(buf, pagetable.PageSize)
			if err != nil {
				return err
			}
			m := ipc.Message(view)
			p := m.Payload()
			for i, j := 0, len(p)-1; i < j; i, j = i+1, j-1 {
				p[i], p[j] = p[j], p[i]
			}
			m.SetHeader(m.Tag()|replyFlag, m.PayloadSize())
			reply = waitSet[index]
			served.Add(1)
		}
	}
	return nil
}

// sendEcho connects to the echo port and checks requests round trips.
func sendEcho(th *kernel.Thread, heap *pagetable.Heap, portH handle.Handle, buf uint64, id, requests int) error {
	session, err := svc.ConnectToPort(th, portH)
	if err != nil {
		return fmt.Errorf("client %d: connect: %w", id, err)
	}
	defer svc.CloseHandle(th, session)

	view, err := heap.LinearView(buf, pagetable.PageSize)
	if err != nil {
		return err
	}
	m := ipc.Message(view)
	for i := 0; i < requests; i++ {
		payload := []byte(fmt.Sprintf("client %d request %d", id, i))
		m.SetHeader(echoTag, uint32(len(payload)))
		copy(m.Payload(), payload)

		if err := svc.SendSyncRequestWithUserBuffer(th, buf, pagetable.PageSize, session); err != nil {
			return fmt.Errorf("client %d: request %d: %w", id, i, err)
		}
		for l, r := 0, len(payload)-1; l < r; l, r = l+1, r-1 {
			payload[l], payload[r] = payload[r], payload[l]
		}
		if m.Tag() != echoTag|replyFlag || !bytes.Equal(m.Payload(), payload) {
			return fmt.Errorf("client %d: request %d: bad reply tag 0x%08x", id, i, m.Tag())
		}
		if i%16 == 15 {
			svc.SleepThread(th, svc.YieldWithCoreMigration)
		}
	}
	return nil
}
