// Package gateway wires the link manager, the SL651 framer/parser/builder,
// the store, the transaction guard, and the event bus into one pipeline:
// inbound bytes -> framer -> parser -> persist -> downlink ack, with link/device configuration changes flowing back from the event
// bus into connection actions.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hyird/iot-manager-sub001/internal/eventbus"
	"github.com/hyird/iot-manager-sub001/internal/gwerrors"
	"github.com/hyird/iot-manager-sub001/internal/link"
	"github.com/hyird/iot-manager-sub001/internal/logger"
	"github.com/hyird/iot-manager-sub001/internal/sl651"
	"github.com/hyird/iot-manager-sub001/internal/store"
)

// deviceRoute is the current routing entry for one remote device: the
// link and peer address an uplink was last observed on, so a downlink
// command knows where to send.
type deviceRoute struct {
	linkID   string
	peerAddr string
}

// Gateway composes every core component into one runnable pipeline.
type Gateway struct {
	Store   *store.Store
	Manager *link.Manager
	Framer  *sl651.Framer
	Parser  *sl651.Parser
	Builder *sl651.Builder
	Bus     *eventbus.Bus

	routesMu sync.RWMutex
	routes   map[string]deviceRoute // remoteCode -> current route
}

// New constructs a Gateway, wires the parser's device-config lookup and
// uplink registration callbacks to st, initializes the link manager with
// the gateway's callbacks, and subscribes the domain-event handlers.
func New(st *store.Store, workerCount int) (*Gateway, error) {
	g := &Gateway{
		Store:   st,
		Manager: link.NewManager(),
		Framer:  sl651.NewFramer(),
		Builder: sl651.NewBuilder(),
		Bus:     eventbus.New(),
		routes:  make(map[string]deviceRoute),
	}
	g.Parser = sl651.NewParser(st.GetDeviceConfig, g.registerRoute)

	if err := g.Manager.Initialize(workerCount, link.Callbacks{
		OnConnect:    g.onConnect,
		OnDisconnect: g.onDisconnect,
		OnData:       g.onData,
		OnError:      g.onError,
	}); err != nil {
		return nil, err
	}
	g.subscribeEventHandlers()
	return g, nil
}

func (g *Gateway) registerRoute(remoteCode, linkID, peerAddr string) {
	g.routesMu.Lock()
	g.routes[remoteCode] = deviceRoute{linkID: linkID, peerAddr: peerAddr}
	g.routesMu.Unlock()
}

func (g *Gateway) onConnect(linkID, peerAddr string) {
	logger.Debug("peer connected", logger.LinkID(linkID), logger.ClientAddr(peerAddr))
}

func (g *Gateway) onDisconnect(linkID, peerAddr string) {
	logger.Debug("peer disconnected", logger.LinkID(linkID), logger.ClientAddr(peerAddr))
	g.Framer.Clear(linkID)
}

func (g *Gateway) onError(linkID string, err error) {
	logger.Warn("link connection error", logger.LinkID(linkID), logger.Err(err))
}

// onData is the per-link callback invoked (serialized per link on its
// worker) whenever bytes arrive. It frames, parses, acks, and persists in
// strict arrival order for that link.
func (g *Gateway) onData(linkID, peerAddr string, data []byte) {
	frames, err := g.Framer.Feed(linkID, data)
	if err != nil {
		logger.Warn("framer error", logger.LinkID(linkID), logger.Err(err))
		return
	}
	for _, raw := range frames {
		g.handleFrame(linkID, peerAddr, raw)
	}
}

func (g *Gateway) handleFrame(linkID, peerAddr string, raw []byte) {
	result, err := g.Parser.ParseFrame(linkID, peerAddr, raw)
	if err != nil {
		var notFound *gwerrors.NotFound
		if !errors.As(err, &notFound) {
			logger.Warn("parse error", logger.LinkID(linkID), logger.Err(err))
		}
		return
	}
	if result == nil {
		return // incomplete multi-packet fragment
	}

	if _, err := g.persist(result); err != nil {
		logger.Error("persist parsed record failed", logger.LinkID(linkID), logger.Err(err))
		return
	}

	g.ackFrame(linkID, peerAddr, result)
}

// persist writes result inside a transaction guard and commits before
// returning, so nothing downstream observes the record until it is
// durable. Returns the database-assigned row id.
func (g *Gateway) persist(result *sl651.ParsedFrameResult) (uint, error) {
	guard, err := g.Store.BeginGuard(context.Background())
	if err != nil {
		return 0, err
	}
	defer guard.Close()

	id, err := store.InsertParsedRecord(guard, result)
	if err != nil {
		return 0, err
	}
	if err := guard.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// ackFrame sends the protocol-level acknowledgement for a frame that
// handleFrame has persisted; every persisted frame is acked, whatever its
// ETX reply flag. Link-keep (func 0x2F) gets the link-keep ack shape;
// every other frame gets the generic ack frame.
func (g *Gateway) ackFrame(linkID, peerAddr string, result *sl651.ParsedFrameResult) {
	meta := result.Body.Frame
	var ack []byte
	var err error
	if result.FuncCode == sl651.FuncLinkKeep {
		ack, err = g.Builder.BuildLinkKeepAck(meta.CenterCode, meta.RemoteCode, meta.Password)
	} else {
		ack, err = g.Builder.BuildAckFrame(meta.CenterCode, meta.RemoteCode, meta.Password, result.FuncCode, meta.SerialNumber, time.Now())
	}
	if err != nil {
		logger.Warn("ack build failed", logger.LinkID(linkID), logger.Err(err))
		return
	}
	if peerAddr != "" {
		g.Manager.SendToClient(linkID, peerAddr, ack)
	} else {
		g.Manager.SendData(linkID, ack)
	}
}

// SendCommand resolves and sends a downlink command to remoteCode's
// currently-registered connection, routing back to whichever link/peer the
// device last spoke on.
func (g *Gateway) SendCommand(cfg *sl651.DeviceConfig, centerCode, remoteCode, password, funcCode string, reqs []sl651.SendControlRequest) error {
	frame, err := g.Builder.BuildCommand(cfg, centerCode, remoteCode, password, funcCode, reqs)
	if err != nil {
		return err
	}

	g.routesMu.RLock()
	route, ok := g.routes[remoteCode]
	g.routesMu.RUnlock()
	if !ok {
		return &gwerrors.NotFound{Kind: "device route", ID: remoteCode}
	}

	if route.peerAddr != "" && g.Manager.SendToClient(route.linkID, route.peerAddr, frame) {
		return nil
	}
	if g.Manager.SendData(route.linkID, frame) {
		return nil
	}
	return &gwerrors.NotFound{Kind: "device connection", ID: remoteCode}
}
