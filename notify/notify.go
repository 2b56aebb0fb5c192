// Package notify shows desktop notifications for session events through
// the org.freedesktop.Notifications D-Bus service.
package notify

import (
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/vpn-session-manager/common"
	"github.com/yllada/vpn-session-manager/vpn"
)

const (
	busName    = "org.freedesktop.Notifications"
	objectPath = "/org/freedesktop/Notifications"
	notifyCall = busName + ".Notify"
	closeCall  = busName + ".CloseNotification"
)

// Kind represents the type of notification.
type Kind int

const (
	KindInfo Kind = iota
	KindSuccess
	KindWarning
	KindError
)

// Notification represents a desktop notification.
type Notification struct {
	Title   string
	Message string
	Kind    Kind
	Icon    string
}

// icon returns the explicit icon or the default for the kind.
func (n Notification) icon() string {
	if n.Icon != "" {
		return n.Icon
	}
	switch n.Kind {
	case KindWarning:
		return "dialog-warning"
	case KindError:
		return "dialog-error"
	default:
		return "network-vpn"
	}
}

// urgency maps the kind to the freedesktop urgency hint.
func (n Notification) urgency() byte {
	switch n.Kind {
	case KindError:
		return 2
	case KindWarning:
		return 1
	default:
		return 0
	}
}

// Sender delivers a notification.
type Sender interface {
	Send(n Notification) error
}

// DBusNotifier sends notifications over the session bus. Consecutive
// notifications replace each other so only the latest session state is
// shown.
type DBusNotifier struct {
	conn *dbus.Conn
	obj  dbus.BusObject

	mu     sync.Mutex
	lastID uint32
}

var (
	_ Sender          = (*DBusNotifier)(nil)
	_ common.Notifier = (*DBusNotifier)(nil)
)

// NewDBusNotifier connects to the session bus.
func NewDBusNotifier() (*DBusNotifier, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect to session bus: %w", err)
	}
	return &DBusNotifier{
		conn: conn,
		obj:  conn.Object(busName, dbus.ObjectPath(objectPath)),
	}, nil
}

// Send implements Sender.
func (d *DBusNotifier) Send(n Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(n.urgency()),
	}
	call := d.obj.Call(notifyCall, 0,
		common.AppName, d.lastID, n.icon(), n.Title, n.Message,
		[]string{}, hints, int32(-1))
	if call.Err != nil {
		return fmt.Errorf("send notification: %w", call.Err)
	}

	var id uint32
	if err := call.Store(&id); err != nil {
		return fmt.Errorf("read notification id: %w", err)
	}
	d.lastID = id
	return nil
}

// Notify implements common.Notifier.
func (d *DBusNotifier) Notify(title, message string) error {
	return d.Send(Notification{Title: title, Message: message})
}

// NotifyWithIcon implements common.Notifier.
func (d *DBusNotifier) NotifyWithIcon(title, message, icon string) error {
	return d.Send(Notification{Title: title, Message: message, Icon: icon})
}

// Close withdraws the last notification and closes the bus connection.
func (d *DBusNotifier) Close() error {
	d.mu.Lock()
	id := d.lastID
	d.mu.Unlock()

	if id != 0 {
		d.obj.Call(closeCall, 0, id)
	}
	return d.conn.Close()
}

// ForEvent returns the notification for a session event, if any.
func ForEvent(ev vpn.Event) (Notification, bool) {
	name := "VPN"
	if ev.Profile != nil {
		name = ev.Profile.DisplayName
	}

	switch ev.New {
	case vpn.StateConnecting:
		return Notification{
			Title:   "Connecting VPN",
			Message: "Connecting to " + name + "...",
			Kind:    KindInfo,
			Icon:    "network-vpn-acquiring",
		}, true
	case vpn.StateConnected:
		return Notification{
			Title:   "VPN Connected",
			Message: "Connected to " + name,
			Kind:    KindSuccess,
			Icon:    "network-vpn",
		}, true
	case vpn.StateDisconnected:
		switch {
		case errors.Is(ev.Err, vpn.ErrTunnelLost):
			return Notification{
				Title:   "Connection Lost",
				Message: "The tunnel to " + name + " went down",
				Kind:    KindWarning,
				Icon:    "network-vpn-disconnected",
			}, true
		case errors.Is(ev.Err, vpn.ErrConnectCancelled):
			return Notification{}, false
		case ev.Err != nil:
			return Notification{
				Title:   "Connection Error",
				Message: name + ": " + ev.Err.Error(),
				Kind:    KindError,
				Icon:    "network-vpn-error",
			}, true
		}
		return Notification{
			Title:   "VPN Disconnected",
			Message: "Disconnected from " + name,
			Kind:    KindInfo,
			Icon:    "network-vpn-disconnected",
		}, true
	}
	return Notification{}, false
}

// Observer turns session events into notifications. Events are queued
// and sent from a separate goroutine so a slow bus never delays the
// session manager.
type Observer struct {
	sender Sender
	queue  *vpn.ChannelObserver
	done   chan struct{}
}

var _ vpn.Observer = (*Observer)(nil)

// NewObserver starts an Observer sending through sender.
func NewObserver(sender Sender) *Observer {
	o := &Observer{
		sender: sender,
		queue:  vpn.NewChannelObserver(),
		done:   make(chan struct{}),
	}
	go o.run()
	return o
}

// OnStateChange implements vpn.Observer.
func (o *Observer) OnStateChange(ev vpn.Event) {
	o.queue.OnStateChange(ev)
}

// NotifyHealth reports a health transition. Its signature matches
// vpn.Manager.SetOnHealthChange.
func (o *Observer) NotifyHealth(profileID string, oldState, newState vpn.HealthState) {
	if newState != vpn.HealthUnhealthy {
		return
	}
	if err := o.sender.Send(Notification{
		Title:   "Connection Unstable",
		Message: "Traffic statistics could not be read for a while",
		Kind:    KindWarning,
	}); err != nil {
		common.LogWarn("Error showing notification: %v", err)
	}
}

// Close stops the observer. Pending notifications are dropped.
func (o *Observer) Close() {
	o.queue.Close()
	<-o.done
}

func (o *Observer) run() {
	defer close(o.done)
	for ev := range o.queue.Events() {
		n, ok := ForEvent(ev)
		if !ok {
			continue
		}
		if err := o.sender.Send(n); err != nil {
			common.LogWarn("Error showing notification: %v", err)
		}
	}
}
