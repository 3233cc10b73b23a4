package main

import (
	"context"
	"testing"
	"time"

	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/config"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/inspect"
)

func TestEchoWorkload_ServesEveryRequest(t *testing.T) {
	k, err := kernel.New(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	halted := make(chan error, 1)
	go func() { halted <- k.Run(ctx) }()

	in := inspect.New(k)
	defer in.Close()

	served, err := runEchoWorkload(ctx, k, in, 3, 20)
	if err != nil {
		t.Fatal(err)
	}
	if served != 60 {
		t.Fatalf("served %d requests, want 60", served)
	}

	r := in.Report()
	if len(r.Ports) != 1 || r.Ports[0].Name != "echo" {
		t.Fatalf("ports %+v", r.Ports)
	}
	if p := r.Ports[0]; p.PeakSessions < 1 || p.PeakSessions > 3 || p.Sessions != 0 {
		t.Fatalf("sessions %d peak %d", r.Ports[0].Sessions, r.Ports[0].PeakSessions)
	}
	if k.Stats().ContextSwitches == 0 {
		t.Fatal("no context switches recorded")
	}

	cancel()
	<-halted
}

func TestEchoWorkload_NoClients(t *testing.T) {
	k, err := kernel.New(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	served, err := runEchoWorkload(context.Background(), k, inspect.New(k), 0, 10)
	if err != nil || served != 0 {
		t.Fatalf("served %d, err %v", served, err)
	}
}
