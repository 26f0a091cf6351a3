// Package systemd wraps sd_notify so service state shows up in systemctl
// when running under Type=notify. All calls are no-ops outside systemd.
package systemd

import (
	"github.com/coreos/go-systemd/v22/daemon"

	logx "stakebot/pkg/logx"
)

func NotifyReady(log logx.Logger) {
	notify(log, daemon.SdNotifyReady)
}

func NotifyStopping(log logx.Logger) {
	notify(log, daemon.SdNotifyStopping)
}

func NotifyStatus(log logx.Logger, status string) {
	notify(log, "STATUS="+status)
}

func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil && !log.IsZero() {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	_ = sent
}
