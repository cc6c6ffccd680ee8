package safety

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// KillSwitch halts order submission. It never clears itself; Reset is
// an explicit operator action.
type KillSwitch struct {
	log logrus.FieldLogger

	mu      sync.Mutex
	tripped bool
	reason  string
	at      time.Time
}

func NewKillSwitch(log logrus.FieldLogger) *KillSwitch {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &KillSwitch{log: log}
}

func (k *KillSwitch) Trip(reason string) {
	if k == nil {
		return
	}
	k.mu.Lock()
	if k.tripped {
		k.mu.Unlock()
		return
	}
	k.tripped = true
	k.reason = reason
	k.at = time.Now().UTC()
	k.mu.Unlock()
	k.log.WithField("reason", reason).Error("kill switch tripped, order submission halted")
}

func (k *KillSwitch) Tripped() bool {
	if k == nil {
		return false
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tripped
}

func (k *KillSwitch) Reason() string {
	if k == nil {
		return ""
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.reason
}

func (k *KillSwitch) TrippedAt() time.Time {
	if k == nil {
		return time.Time{}
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.at
}

// Restore reinstates a persisted trip without re-raising the original
// error log. Already-tripped switches keep their first reason.
func (k *KillSwitch) Restore(reason string, at time.Time) {
	if k == nil {
		return
	}
	k.mu.Lock()
	if k.tripped {
		k.mu.Unlock()
		return
	}
	k.tripped = true
	k.reason = reason
	if at.IsZero() {
		at = time.Now().UTC()
	}
	k.at = at
	k.mu.Unlock()
	k.log.WithField("reason", reason).Warn("kill switch restored from snapshot, order submission halted")
}

func (k *KillSwitch) Reset() {
	if k == nil {
		return
	}
	k.mu.Lock()
	wasTripped := k.tripped
	k.tripped = false
	k.reason = ""
	k.at = time.Time{}
	k.mu.Unlock()
	if wasTripped {
		k.log.Info("kill switch reset, order submission resumed")
	}
}
