// Package systemd reports service state to systemd via sd_notify. Outside a
// systemd unit (NOTIFY_SOCKET unset) every call is a no-op.
package systemd

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier wraps sd_notify for one process.
type Notifier struct {
	watchdog time.Duration
}

// New reads the watchdog interval systemd granted this process, if any.
func New() *Notifier {
	n := &Notifier{}
	if d, err := daemon.SdWatchdogEnabled(false); err == nil {
		n.watchdog = d
	}
	return n
}

// WatchdogInterval returns how often Watchdog must be called (half of
// WatchdogSec), or 0 when the watchdog is disabled.
func (n *Notifier) WatchdogInterval() time.Duration {
	if n == nil || n.watchdog <= 0 {
		return 0
	}
	return n.watchdog / 2
}

func (n *Notifier) Ready() (bool, error)    { return daemon.SdNotify(false, daemon.SdNotifyReady) }
func (n *Notifier) Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }
func (n *Notifier) Reloading() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReloading)
}

// Watchdog pings the systemd watchdog. It is a no-op when the watchdog is disabled.
func (n *Notifier) Watchdog() (bool, error) {
	if n == nil || n.watchdog <= 0 {
		return false, nil
	}
	return daemon.SdNotify(false, daemon.SdNotifyWatchdog)
}

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(s string) (bool, error) {
	return daemon.SdNotify(false, "STATUS="+s)
}
