package link

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyird/iot-manager-sub001/internal/gwerrors"
	"github.com/hyird/iot-manager-sub001/internal/logger"
)

const recvBufferSize = 4096

// Callbacks are the user-provided hooks the Manager fans out to. They are
// invoked without the manager or runtime lock held, on the link's assigned
// worker goroutine, so a callback that blocks only stalls its own link.
type Callbacks struct {
	OnConnect    func(linkID, peerAddr string)
	OnDisconnect func(linkID, peerAddr string)
	OnData       func(linkID, peerAddr string, data []byte)
	OnError      func(linkID string, err error)
}

// TCPStats are the process-wide hot counters maintained with relaxed
// atomics across every link.
type TCPStats struct {
	RxBytes   uint64
	TxBytes   uint64
	RxPackets uint64
	TxPackets uint64
}

// Manager owns every configured link's runtime, a fixed pool of I/O
// workers, and the round-robin assignment of links to workers. It is a
// process-wide singleton in practice; callers should prefer constructing
// one explicit instance and threading it through rather than relying on
// package-level state, so tests can create independent managers.
type Manager struct {
	mu       sync.RWMutex // guards runtimes map only
	runtimes map[string]*Runtime

	workers    []*worker
	nextWorker atomic.Uint64

	callbacks Callbacks

	initialized atomic.Bool

	rxBytes, txBytes     atomic.Uint64
	rxPackets, txPackets atomic.Uint64
}

// NewManager returns an uninitialized Manager. Call Initialize before
// starting any link.
func NewManager() *Manager {
	return &Manager{runtimes: make(map[string]*Runtime)}
}

// Initialize constructs the worker pool. threadCount <= 0 falls back to
// hardware concurrency (GOMAXPROCS, floored at 4). Idempotent only in the
// sense that it fails loudly on a second call while already running;
// callers must StopAll + a fresh Manager to reconfigure the pool size.
func (m *Manager) Initialize(threadCount int, cb Callbacks) error {
	if !m.initialized.CompareAndSwap(false, true) {
		return &gwerrors.AlreadyInitialized{}
	}
	if threadCount <= 0 {
		threadCount = hardwareWorkerCount()
	}
	m.callbacks = cb
	m.workers = make([]*worker, threadCount)
	for i := range m.workers {
		m.workers[i] = newWorker(i)
	}
	logger.Info("link manager initialized", "workers", threadCount)
	return nil
}

// IsRunning reports whether Initialize has succeeded. StopAll stops the
// links but leaves the worker pool running and this flag unchanged.
func (m *Manager) IsRunning() bool {
	return m.initialized.Load()
}

func (m *Manager) pickWorker() *worker {
	idx := m.nextWorker.Add(1) - 1
	return m.workers[int(idx)%len(m.workers)]
}

// teardownRuntime marks rt stopped and closes its listener/connections.
// It does not touch the runtime table: callers remove rt from the table
// before scheduling it, so any in-flight callback closures that later
// re-check the table simply find it gone and abort.
func (m *Manager) teardownRuntime(rt *Runtime) {
	rt.stopped.Store(true)

	rt.mu.Lock()
	rt.fsm.OnStop()
	if rt.listener != nil {
		_ = rt.listener.Close()
		rt.listener = nil
	}
	if rt.clientConn != nil {
		_ = rt.clientConn.Close()
		rt.clientConn = nil
	}
	for addr, conn := range rt.serverConns {
		_ = conn.Close()
		delete(rt.serverConns, addr)
	}
	rt.updateClientsLocked()
	rt.mu.Unlock()
}

// Stop removes linkID's runtime from the table and tears it down on its
// own worker. Returns without waiting for the worker to finish; the
// runtime stays alive only as long as the last reference a callback
// closure holds.
func (m *Manager) Stop(linkID string) {
	m.mu.Lock()
	rt, ok := m.runtimes[linkID]
	if ok {
		delete(m.runtimes, linkID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	rt.retry.Store(false)
	rt.worker.Submit(func() { m.teardownRuntime(rt) })
}

// StopAll tears down every currently registered link.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := m.runtimes
	m.runtimes = make(map[string]*Runtime)
	m.mu.Unlock()

	for _, rt := range all {
		rt.retry.Store(false)
		rt.worker.Submit(func(rt *Runtime) func() {
			return func() { m.teardownRuntime(rt) }
		}(rt))
	}
}

// replace atomically swaps linkID's runtime, tearing down whatever was
// there first. Used by StartServer/StartClient, which always supersede
// any existing runtime for the same link id.
func (m *Manager) replace(linkID string, rt *Runtime) {
	m.mu.Lock()
	old, existed := m.runtimes[linkID]
	m.runtimes[linkID] = rt
	m.mu.Unlock()
	if existed {
		old.retry.Store(false)
		old.worker.Submit(func() { m.teardownRuntime(old) })
	}
}

func (m *Manager) lookup(linkID string) (*Runtime, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.runtimes[linkID]
	return rt, ok
}

// isCurrent reports whether rt is still the table's entry for linkID:
// the identity check every reconnect-timer and accept-loop callback
// performs before touching shared state, since the runtime may have been
// replaced or stopped while the callback was scheduled.
func (m *Manager) isCurrent(linkID string, rt *Runtime) bool {
	cur, ok := m.lookup(linkID)
	return ok && cur == rt
}

// StartServer tears down any existing runtime for linkID, binds a TCP
// listener, and starts accepting connections. The accept loop and every
// per-connection read loop run on the link's assigned worker's goroutine
// pool indirectly: callback invocations are funneled through worker.Submit
// so user callbacks for one link never run concurrently with each other,
// while the blocking Accept/Read calls themselves run on their own
// dedicated goroutines (a worker only serializes callback delivery, not
// socket I/O).
func (m *Manager) StartServer(linkID, name, ip string, port uint16) error {
	if !m.initialized.Load() {
		return fmt.Errorf("link manager not initialized")
	}
	addr := fmt.Sprintf("%s:%d", ip, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("link %s: listen %s: %w", linkID, addr, err)
	}

	w := m.pickWorker()
	rt := newRuntime(linkID, name, "server", ip, port, w)
	rt.listener = ln
	m.replace(linkID, rt)

	rt.mu.Lock()
	rt.fsm.OnStartServer()
	rt.mu.Unlock()

	go m.acceptLoop(rt)
	logger.Info("link server started", logger.LinkID(linkID), logger.LinkAddr(addr))
	return nil
}

func (m *Manager) acceptLoop(rt *Runtime) {
	for {
		conn, err := rt.listener.Accept()
		if err != nil {
			if rt.stopped.Load() {
				return
			}
			if !m.isCurrent(rt.id, rt) {
				return
			}
			logger.Debug("link accept error", logger.LinkID(rt.id), logger.Err(err))
			continue
		}
		m.handleAccepted(rt, conn)
	}
}

func (m *Manager) handleAccepted(rt *Runtime, conn net.Conn) {
	peerAddr := conn.RemoteAddr().String()

	rt.mu.Lock()
	rt.serverConns[peerAddr] = conn
	rt.updateClientsLocked()
	rt.mu.Unlock()

	rt.worker.Submit(func() {
		if m.callbacks.OnConnect != nil {
			m.callbacks.OnConnect(rt.id, peerAddr)
		}
	})

	go m.serverReadLoop(rt, conn, peerAddr)
}

func (m *Manager) serverReadLoop(rt *Runtime, conn net.Conn, peerAddr string) {
	buf := make([]byte, recvBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			m.recvMessage(rt, peerAddr, buf[:n])
		}
		if err != nil {
			break
		}
	}

	rt.mu.Lock()
	delete(rt.serverConns, peerAddr)
	rt.updateClientsLocked()
	rt.mu.Unlock()
	_ = conn.Close()

	rt.worker.Submit(func() {
		if m.callbacks.OnDisconnect != nil {
			m.callbacks.OnDisconnect(rt.id, peerAddr)
		}
	})
}

// recvMessage is the hot receive path: it never takes the runtime mutex,
// touching only lock-free atomics and the per-link activity timestamp
// before handing bytes to the data callback on the link's worker.
func (m *Manager) recvMessage(rt *Runtime, peerAddr string, data []byte) {
	rt.RecordActivity()
	m.rxBytes.Add(uint64(len(data)))
	m.rxPackets.Add(1)

	cp := make([]byte, len(data))
	copy(cp, data)
	rt.worker.Submit(func() {
		if m.callbacks.OnData != nil {
			m.callbacks.OnData(rt.id, peerAddr, cp)
		}
	})
}

// StartClient tears down any existing runtime for linkID and schedules the
// initial connect attempt onto the chosen worker.
func (m *Manager) StartClient(linkID, name, ip string, port uint16) error {
	if !m.initialized.Load() {
		return fmt.Errorf("link manager not initialized")
	}
	w := m.pickWorker()
	rt := newRuntime(linkID, name, "client", ip, port, w)
	rt.retry.Store(true)
	m.replace(linkID, rt)

	rt.mu.Lock()
	rt.fsm.OnStartClient()
	rt.mu.Unlock()

	w.Submit(func() { m.dialClient(rt) })
	logger.Info("link client starting", logger.LinkID(linkID), logger.LinkAddr(fmt.Sprintf("%s:%d", ip, port)))
	return nil
}

// dialClient performs (or re-performs, after a reconnect timer) the
// outbound connect for a client-mode link. Runs on rt.worker.
func (m *Manager) dialClient(rt *Runtime) {
	if !m.isCurrent(rt.id, rt) || !rt.retry.Load() {
		return
	}
	generation := rt.generation.Add(1)

	rt.mu.Lock()
	addr := fmt.Sprintf("%s:%d", rt.info.IP, rt.info.Port)
	rt.mu.Unlock()

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		m.onClientConnectError(rt, generation, err)
		return
	}
	m.onClientConnected(rt, generation, conn)
}

func (m *Manager) onClientConnected(rt *Runtime, generation uint64, conn net.Conn) {
	if !m.isCurrent(rt.id, rt) || rt.generation.Load() != generation {
		_ = conn.Close()
		return
	}

	rt.mu.Lock()
	rt.clientConn = conn
	rt.fsm.OnConnected()
	rt.mu.Unlock()

	if m.callbacks.OnConnect != nil {
		m.callbacks.OnConnect(rt.id, conn.RemoteAddr().String())
	}
	go m.clientReadLoop(rt, conn, generation)
}

func (m *Manager) onClientConnectError(rt *Runtime, generation uint64, err error) {
	if !m.isCurrent(rt.id, rt) || rt.generation.Load() != generation {
		return
	}

	rt.mu.Lock()
	rt.fsm.OnConnectionError(err.Error())
	delay := rt.fsm.Reconnect().GetDelay()
	rt.mu.Unlock()

	if m.callbacks.OnError != nil {
		m.callbacks.OnError(rt.id, err)
	}
	m.scheduleReconnect(rt, delay)
}

func (m *Manager) clientReadLoop(rt *Runtime, conn net.Conn, generation uint64) {
	peerAddr := conn.RemoteAddr().String()
	buf := make([]byte, recvBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			m.recvMessage(rt, peerAddr, buf[:n])
		}
		if err != nil {
			break
		}
	}
	_ = conn.Close()

	if !m.isCurrent(rt.id, rt) || rt.generation.Load() != generation {
		return
	}

	rt.mu.Lock()
	rt.clientConn = nil
	rt.fsm.OnDisconnected()
	delay := rt.fsm.Reconnect().GetDelay()
	rt.mu.Unlock()

	rt.worker.Submit(func() {
		if m.callbacks.OnDisconnect != nil {
			m.callbacks.OnDisconnect(rt.id, peerAddr)
		}
	})
	m.scheduleReconnect(rt, delay)
}

// scheduleReconnect arms a one-shot timer on rt.worker. When it fires, the
// closure re-resolves the runtime by identity (isCurrent) and by state
// (still Reconnecting, not raced by a concurrent successful connect)
// before attempting the next dial.
func (m *Manager) scheduleReconnect(rt *Runtime, delay time.Duration) {
	if !rt.retry.Load() {
		return
	}
	time.AfterFunc(delay, func() {
		rt.worker.Submit(func() { m.fireReconnect(rt) })
	})
}

func (m *Manager) fireReconnect(rt *Runtime) {
	if !m.isCurrent(rt.id, rt) || !rt.retry.Load() {
		return
	}

	rt.mu.Lock()
	if rt.fsm.State() == Connected {
		rt.mu.Unlock()
		return
	}
	rt.fsm.OnReconnecting()
	rt.mu.Unlock()

	m.dialClient(rt)
}

// Reload applies a configuration change: stops the link if disabled,
// otherwise (re)starts it in its configured mode. Any endpoint change
// (ip/port/mode) is expressed by the caller simply calling Reload again,
// which always tears down the prior runtime via StartServer/StartClient's
// replace semantics.
func (m *Manager) Reload(id, name, mode, ip string, port uint16, enabled bool) error {
	if !enabled {
		m.Stop(id)
		return nil
	}
	switch mode {
	case "server":
		return m.StartServer(id, name, ip, port)
	case "client":
		return m.StartClient(id, name, ip, port)
	default:
		return fmt.Errorf("link %s: unknown mode %q", id, mode)
	}
}

// SendData sends data on linkID's client connection (client mode) or
// broadcasts it to every currently-connected peer (server mode). Returns
// false if there is nothing to send to.
func (m *Manager) SendData(linkID string, data []byte) bool {
	rt, ok := m.lookup(linkID)
	if !ok {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.clientConn != nil {
		if err := m.writeTo(rt.clientConn, data); err != nil {
			return false
		}
		return true
	}
	if len(rt.serverConns) == 0 {
		return false
	}
	sent := false
	for _, conn := range rt.serverConns {
		if m.writeTo(conn, data) == nil {
			sent = true
		}
	}
	return sent
}

// SendToClient sends data to one specific peer of a server-mode link.
func (m *Manager) SendToClient(linkID, peerAddr string, data []byte) bool {
	rt, ok := m.lookup(linkID)
	if !ok {
		return false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	conn, ok := rt.serverConns[peerAddr]
	if !ok {
		return false
	}
	return m.writeTo(conn, data) == nil
}

func (m *Manager) writeTo(conn net.Conn, data []byte) error {
	_, err := conn.Write(data)
	if err != nil {
		return err
	}
	m.txBytes.Add(uint64(len(data)))
	m.txPackets.Add(1)
	return nil
}

// DisconnectServerClients forces a shutdown of every connected peer on a
// server-mode link, used when device registration or a heartbeat template
// changes and every peer must re-register. The link's state stays
// Listening: only the peers are dropped, not the listener.
func (m *Manager) DisconnectServerClients(linkID string) {
	rt, ok := m.lookup(linkID)
	if !ok {
		return
	}
	rt.mu.Lock()
	conns := make([]net.Conn, 0, len(rt.serverConns))
	for _, c := range rt.serverConns {
		conns = append(conns, c)
	}
	rt.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// GetStatus returns a snapshot of linkID's current runtime info.
func (m *Manager) GetStatus(linkID string) (Info, bool) {
	rt, ok := m.lookup(linkID)
	if !ok {
		return Info{}, false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.snapshotLocked(), true
}

// GetAllStatus returns a snapshot of every currently registered link.
func (m *Manager) GetAllStatus() []Info {
	m.mu.RLock()
	runtimes := make([]*Runtime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		runtimes = append(runtimes, rt)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(runtimes))
	for _, rt := range runtimes {
		rt.mu.Lock()
		out = append(out, rt.snapshotLocked())
		rt.mu.Unlock()
	}
	return out
}

// GetTCPStats returns a snapshot of the process-wide rx/tx counters.
func (m *Manager) GetTCPStats() TCPStats {
	return TCPStats{
		RxBytes:   m.rxBytes.Load(),
		TxBytes:   m.txBytes.Load(),
		RxPackets: m.rxPackets.Load(),
		TxPackets: m.txPackets.Load(),
	}
}
