// Package inspect exposes a read-only JSON view of a running kernel.
//
// Endpoints:
//
//	GET /kernel          -> Report (scheduler snapshot and tracked ports)
//	GET /kernel/stats    -> scheduler counters
//	GET /kernel/threads  -> threads; query params: state=<name>, core=<id>
//	GET /kernel/cores    -> cores with their ready queues; query param: id=<core>
//	GET /kernel/ports    -> tracked ports with their pending sessions
//
// Concurrent requests share one snapshot so the critical section is taken
// once per burst.
package inspect

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/ipc"
)

// Report is the full inspector document.
type Report struct {
	Time   time.Time       `json:"time"`
	Uptime string          `json:"uptime"`
	Kernel kernel.Snapshot `json:"kernel"`
	Ports  []ipc.PortInfo  `json:"ports"`
}

// Inspector collects reports from a kernel.
type Inspector struct {
	k       *kernel.Kernel
	started time.Time
	sf      singleflight.Group

	mu    sync.Mutex
	ports []*ipc.Port
}

// New returns an inspector for k.
func New(k *kernel.Kernel) *Inspector {
	return &Inspector{k: k, started: time.Now()}
}

// TrackPort adds p to the reports. The inspector holds a reference until
// Close.
func (in *Inspector) TrackPort(p *ipc.Port) {
	if !p.Open() {
		return
	}
	in.mu.Lock()
	in.ports = append(in.ports, p)
	in.mu.Unlock()
}

// Close drops the references to tracked ports.
func (in *Inspector) Close() {
	in.mu.Lock()
	ports := in.ports
	in.ports = nil
	in.mu.Unlock()
	for _, p := range ports {
		p.Close()
	}
}

// Report returns a snapshot, sharing it with concurrent callers.
func (in *Inspector) Report() Report {
	v, _, _ := in.sf.Do("report", func() (interface{}, error) {
		return in.collect(), nil
	})
	return v.(Report)
}

func (in *Inspector) collect() Report {
	in.mu.Lock()
	ports := append([]*ipc.Port(nil), in.ports...)
	in.mu.Unlock()

	r := Report{
		Time:   time.Now(),
		Uptime: time.Since(in.started).Round(time.Millisecond).String(),
		Kernel: in.k.Snapshot(),
		Ports:  make([]ipc.PortInfo, 0, len(ports)),
	}
	for _, p := range ports {
		r.Ports = append(r.Ports, p.Info())
	}
	return r
}

// Handler returns the HTTP handler serving the endpoints.
func (in *Inspector) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/kernel", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, in.Report())
	})

	mux.HandleFunc("/kernel/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, in.Report().Kernel.Stats)
	})

	mux.HandleFunc("/kernel/threads", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		core := int32(-2)
		if s := q.Get("core"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil {
				http.Error(w, "invalid core", http.StatusBadRequest)
				return
			}
			core = int32(v)
		}
		state := q.Get("state")

		threads := in.Report().Kernel.Threads
		out := make([]kernel.ThreadInfo, 0, len(threads))
		for _, t := range threads {
			if state != "" && t.State != state {
				continue
			}
			if core != -2 && t.ActiveCore != core {
				continue
			}
			out = append(out, t)
		}
		writeJSON(w, out)
	})

	mux.HandleFunc("/kernel/cores", func(w http.ResponseWriter, r *http.Request) {
		cores := in.Report().Kernel.Cores
		idStr := r.URL.Query().Get("id")
		if idStr == "" {
			writeJSON(w, cores)
			return
		}
		id, err := strconv.Atoi(idStr)
		if err != nil {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}
		if id < 0 || id >= len(cores) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, cores[id])
	})

	mux.HandleFunc("/kernel/ports", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, in.Report().Ports)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
