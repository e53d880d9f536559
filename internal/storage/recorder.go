package storage

import (
	"fmt"
	"time"

	"github.com/alvmarrod/statweaver/internal/signals"
	"github.com/alvmarrod/statweaver/internal/subscriber"
	"github.com/sirupsen/logrus"
)

// Recorder persists the final stats of its session when the session closes
type Recorder struct {
	subscriber.Base
	store     *Storage
	sessionID string
	now       func() time.Time
}

// NewRecorder creates a Recorder writing to store for one session
func NewRecorder(store *Storage, sessionID string) *Recorder {
	return &Recorder{store: store, sessionID: sessionID, now: time.Now}
}

func (r *Recorder) SessionClosed(e signals.SessionClosedEvent) error {
	id, err := r.store.SaveSnapshot(SnapshotRecord{
		Spider:    e.Spider,
		SessionID: r.sessionID,
		Reason:    e.Reason,
		ClosedAt:  r.now(),
		Stats:     e.Stats,
	})
	if err != nil {
		return fmt.Errorf("failed to record stats for %s: %w", e.Spider, err)
	}
	logrus.Debugf("Stats snapshot %d stored for %s (%d values)", id, e.Spider, len(e.Stats))
	return nil
}
