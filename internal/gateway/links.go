package gateway

import (
	"context"

	"github.com/hyird/iot-manager-sub001/internal/eventbus"
	"github.com/hyird/iot-manager-sub001/internal/store"
)

// subscribeEventHandlers wires the link manager's reload/disconnect actions
// to the domain events CreateLink/UpdateLink/DeleteLink/UpdateDeviceRegistration
// publish once their commits are acknowledged. Kept separate from gorm so
// the link manager never has to know a database exists.
func (g *Gateway) subscribeEventHandlers() {
	g.Bus.Subscribe(eventbus.TagLinkCreated, func(evt eventbus.Event) {
		e := evt.(eventbus.LinkCreated)
		lk, err := g.Store.GetLink(context.Background(), e.LinkID)
		if err != nil {
			return
		}
		_ = g.Manager.Reload(lk.ID, lk.Name, lk.Mode, lk.IP, lk.Port, lk.Enabled)
	})

	g.Bus.Subscribe(eventbus.TagLinkUpdated, func(evt eventbus.Event) {
		e := evt.(eventbus.LinkUpdated)
		if !e.NeedReload {
			return
		}
		lk, err := g.Store.GetLink(context.Background(), e.LinkID)
		if err != nil {
			return
		}
		_ = g.Manager.Reload(lk.ID, lk.Name, lk.Mode, lk.IP, lk.Port, lk.Enabled)
	})

	g.Bus.Subscribe(eventbus.TagLinkDeleted, func(evt eventbus.Event) {
		e := evt.(eventbus.LinkDeleted)
		g.Manager.Stop(e.LinkID)
	})

	g.Bus.Subscribe(eventbus.TagDeviceUpdated, func(evt eventbus.Event) {
		e := evt.(eventbus.DeviceUpdated)
		if e.RegistrationChanged {
			g.Manager.DisconnectServerClients(e.LinkID)
		}
	})
}

// CreateLink inserts a new link row and, once the insert commits, publishes
// LinkCreated, whose subscriber (see subscribeEventHandlers) is what
// actually binds the listener or starts the outbound dial. Nothing
// downstream observes the link before its row is durable.
func (g *Gateway) CreateLink(ctx context.Context, lk *store.Link) error {
	guard, err := g.Store.BeginGuard(ctx)
	if err != nil {
		return err
	}
	defer guard.Close()

	if _, err := guard.CreateRecord(lk); err != nil {
		return err
	}
	guard.OnCommit(func() {
		g.Bus.Publish(eventbus.LinkCreated{LinkID: lk.ID, Mode: lk.Mode, IP: lk.IP, Port: lk.Port})
	})
	return guard.Commit()
}

// UpdateLink applies edits to an existing link row and publishes
// LinkUpdated on commit. needReload should be true whenever the edit
// touches ip/port/mode/enabled, so the subscriber rebinds the connection.
func (g *Gateway) UpdateLink(ctx context.Context, lk *store.Link, needReload bool) error {
	guard, err := g.Store.BeginGuard(ctx)
	if err != nil {
		return err
	}
	defer guard.Close()

	if err := guard.Exec(
		"UPDATE links SET name=?, mode=?, ip=?, port=?, enabled=? WHERE id=?",
		lk.Name, lk.Mode, lk.IP, lk.Port, lk.Enabled, lk.ID,
	); err != nil {
		return err
	}
	guard.OnCommit(func() {
		g.Bus.Publish(eventbus.LinkUpdated{LinkID: lk.ID, NeedReload: needReload})
	})
	return guard.Commit()
}

// DeleteLink soft-deletes a link row and publishes LinkDeleted on commit,
// which stops (but does not forget the configuration history of) the link.
func (g *Gateway) DeleteLink(ctx context.Context, linkID string) error {
	guard, err := g.Store.BeginGuard(ctx)
	if err != nil {
		return err
	}
	defer guard.Close()

	if err := guard.Exec("UPDATE links SET deleted_at = CURRENT_TIMESTAMP WHERE id = ?", linkID); err != nil {
		return err
	}
	guard.OnCommit(func() {
		g.Bus.Publish(eventbus.LinkDeleted{LinkID: linkID})
	})
	return guard.Commit()
}

// UpdateDeviceRegistration persists device (insert or edit, by ID
// presence) and publishes DeviceUpdated on commit.
// registrationChanged should be true whenever the element/function-code
// list changed, so every connected peer on the link is forced to
// reconnect and re-register against the new configuration.
func (g *Gateway) UpdateDeviceRegistration(ctx context.Context, device *store.Device, registrationChanged bool) error {
	guard, err := g.Store.BeginGuard(ctx)
	if err != nil {
		return err
	}
	defer guard.Close()

	if device.ID == "" {
		if _, err := guard.CreateRecord(device); err != nil {
			return err
		}
	} else if err := guard.Exec(
		"UPDATE devices SET name=?, timezone=? WHERE id=?",
		device.Name, device.Timezone, device.ID,
	); err != nil {
		return err
	}

	guard.OnCommit(func() {
		g.Bus.Publish(eventbus.DeviceUpdated{
			DeviceID:            device.ID,
			LinkID:              device.LinkID,
			RegistrationChanged: registrationChanged,
		})
	})
	return guard.Commit()
}
