package link

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Info is the JSON-serializable snapshot of a link's configuration and
// connection state, combining static config with the state machine's
// current string and a live client list.
type Info struct {
	LinkID       string   `json:"link_id"`
	Name         string   `json:"name"`
	Mode         string   `json:"mode"`
	IP           string   `json:"ip"`
	Port         uint16   `json:"port"`
	ConnStatus   string   `json:"conn_status"`
	ErrorMsg     string   `json:"error_msg"`
	ClientCount  int      `json:"client_count"`
	Clients      []string `json:"clients"`
	LastActivity string   `json:"last_activity"`
}

// Runtime is the live connection state for one configured link: the
// state machine, the active connection(s), and the info snapshot handed
// out to status queries. It is owned by the Manager; I/O goroutines and
// timer closures capture the runtime directly and check isCurrent before
// acting, so a stopped or replaced runtime is ignored by them but stays
// in memory until the last closure holding it returns.
type Runtime struct {
	id string

	mu   sync.Mutex // guards fsm, info, serverConns, clientConn
	fsm  *StateMachine
	info Info

	serverConns map[string]net.Conn // server mode: peerAddr -> conn
	clientConn  net.Conn            // client mode

	listener net.Listener

	lastActivityUnix atomic.Int64 // lock-free hot path for the recv callback

	stopped atomic.Bool

	// worker is the I/O worker this link's callbacks are serialized on.
	// Set once at creation; never mutated, so it's safe to read without
	// the runtime mutex.
	worker *worker

	// retry gates whether connection loss schedules a reconnect. Cleared
	// before a deliberate Stop so the in-flight teardown doesn't race a
	// freshly scheduled reconnect timer.
	retry atomic.Bool

	// generation changes identity on every startClient dial so a reconnect
	// timer fired against a stale generation can detect it was superseded
	// without needing a cancel channel.
	generation atomic.Uint64
}

func newRuntime(id, name, mode, ip string, port uint16, w *worker) *Runtime {
	return &Runtime{
		id:          id,
		fsm:         NewStateMachine(id),
		serverConns: make(map[string]net.Conn),
		worker:      w,
		info: Info{
			LinkID: id,
			Name:   name,
			Mode:   mode,
			IP:     ip,
			Port:   port,
		},
	}
}

// ID returns the link ID this runtime belongs to.
func (r *Runtime) ID() string { return r.id }

// RecordActivity stamps the current time without taking a lock; called
// from the per-connection receive loop on every read.
func (r *Runtime) RecordActivity() {
	r.lastActivityUnix.Store(time.Now().Unix())
}

func (r *Runtime) lastActivityString() string {
	t := r.lastActivityUnix.Load()
	if t == 0 {
		return r.info.LastActivity
	}
	return time.Unix(t, 0).UTC().Format("2006-01-02 15:04:05")
}

// updateClientsLocked refreshes the info.Clients snapshot from
// serverConns. Caller must hold the runtime's owning lock (the Manager
// serializes all mutation of a Runtime's connection set and info under
// its own per-link critical sections).
func (r *Runtime) updateClientsLocked() {
	clients := make([]string, 0, len(r.serverConns))
	for addr := range r.serverConns {
		clients = append(clients, addr)
	}
	r.info.Clients = clients
	r.info.ClientCount = len(clients)
}

func (r *Runtime) snapshotLocked() Info {
	info := r.info
	info.ConnStatus = r.fsm.State().String()
	info.ErrorMsg = r.fsm.ErrorMsg()
	if activity := r.lastActivityString(); activity != "" {
		info.LastActivity = activity
	}
	clients := make([]string, len(info.Clients))
	copy(clients, info.Clients)
	info.Clients = clients
	return info
}
