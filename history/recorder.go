package history

import (
	"context"
	"time"

	"github.com/yllada/vpn-session-manager/common"
	"github.com/yllada/vpn-session-manager/vpn"
)

const recordTimeout = 2 * time.Second

// Recorder is a vpn.Observer that writes every attempt to a Store.
// Writes are local and bounded by a short timeout, so it records
// synchronously and the history is complete when Disconnect returns.
type Recorder struct {
	store *Store
}

var _ vpn.Observer = (*Recorder)(nil)

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

// OnStateChange implements vpn.Observer.
func (r *Recorder) OnStateChange(ev vpn.Event) {
	if ev.AttemptID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := r.record(ctx, ev); err != nil {
		common.LogWarn("Failed to record session history: %v", err)
	}
}

func (r *Recorder) record(ctx context.Context, ev vpn.Event) error {
	if ev.Statistics != nil {
		if err := r.store.UpdateCounters(ctx, ev.AttemptID, ev.Statistics.BytesSent, ev.Statistics.BytesReceived); err != nil {
			return err
		}
	}

	switch ev.New {
	case vpn.StateConnecting:
		e := Entry{AttemptID: ev.AttemptID, StartedAt: ev.At}
		if ev.Profile != nil {
			e.ProfileID = ev.Profile.ID
			e.ProfileName = ev.Profile.DisplayName
		}
		return r.store.Begin(ctx, e)
	case vpn.StateConnected:
		return r.store.MarkConnected(ctx, ev.AttemptID, ev.At)
	case vpn.StateDisconnected:
		errText := ""
		if ev.Err != nil {
			errText = ev.Err.Error()
		}
		return r.store.Finish(ctx, ev.AttemptID, ev.At, errText)
	}
	return nil
}
