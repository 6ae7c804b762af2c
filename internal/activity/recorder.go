package activity

import (
	"context"

	"github.com/sirupsen/logrus"

	"tandem/api/internal/metrics"
	"tandem/api/internal/realtime"
	"tandem/api/internal/store"
	"tandem/api/internal/util"
)

// EventNewActivity is published to the workspace room for every entry.
const EventNewActivity = "new_activity"

type Store interface {
	InsertActivity(ctx context.Context, entry store.ActivityLogEntry) (store.ActivityLogEntry, error)
}

type Publisher interface {
	Publish(ctx context.Context, room realtime.Room, event string, payload any, exclude string) error
}

// Scope places an entry. BoardID is empty for workspace-level actions.
type Scope struct {
	WorkspaceID string
	BoardID     string
	UserID      string
}

// Recorder persists entries and then announces them. It is only called after
// the underlying mutation committed, so every failure here is reported and
// swallowed.
type Recorder struct {
	store     Store
	publisher Publisher
	metrics   *metrics.Metrics
	log       logrus.FieldLogger

	// OnError, when set, receives persistence and publish failures.
	OnError func(error)
}

func NewRecorder(s Store, p Publisher, m *metrics.Metrics, logger logrus.FieldLogger) *Recorder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Recorder{
		store:     s,
		publisher: p,
		metrics:   m,
		log:       logger.WithField("component", "activity"),
	}
}

// RecordChange classifies c and records the resulting entry. It reports
// whether an entry was persisted.
func (r *Recorder) RecordChange(ctx context.Context, scope Scope, c Change) bool {
	action, description, ok := Classify(c)
	if !ok {
		return false
	}
	_, ok = r.Record(ctx, scope, action, c.Entity, description)
	return ok
}

// Record persists one entry and publishes it to the workspace room.
func (r *Recorder) Record(ctx context.Context, scope Scope, action Action, entity EntityKind, description string) (store.ActivityLogEntry, bool) {
	entry := store.ActivityLogEntry{
		ID:          util.NewID("act"),
		WorkspaceID: scope.WorkspaceID,
		UserID:      scope.UserID,
		Action:      string(action),
		EntityType:  string(entity),
		EntityTitle: description,
	}
	if scope.BoardID != "" {
		boardID := scope.BoardID
		entry.BoardID = &boardID
	}

	fields := logrus.Fields{
		"workspace_id": scope.WorkspaceID,
		"board_id":     scope.BoardID,
		"user_id":      scope.UserID,
		"action":       action,
		"entity_type":  entity,
	}

	saved, err := r.store.InsertActivity(ctx, entry)
	if err != nil {
		r.log.WithFields(fields).WithError(err).Error("activity log write failed")
		if r.metrics != nil {
			r.metrics.ActivityFailures.Inc()
		}
		r.report(err)
		return store.ActivityLogEntry{}, false
	}

	if err := r.publisher.Publish(ctx, realtime.WorkspaceRoom(scope.WorkspaceID), EventNewActivity, saved, ""); err != nil {
		r.log.WithFields(fields).WithError(err).Warn("activity broadcast failed")
		r.report(err)
	}
	return saved, true
}

func (r *Recorder) report(err error) {
	if r.OnError != nil {
		r.OnError(err)
	}
}
