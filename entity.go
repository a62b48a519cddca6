package conveyor

import (
	"context"
	"time"
)

// Entity carries the timestamp fields shared by all persisted records.
// Embed it in domain structs; stores maintain UpdatedAt on every write.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity returns an Entity stamped with the current time.
func NewEntity() Entity {
	now := time.Now().UTC()
	return Entity{CreatedAt: now, UpdatedAt: now}
}

// Touch stamps the entity. CreatedAt is set only if zero.
func (e *Entity) Touch(now time.Time) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
}

// Storer is the minimal store interface held by the engine. It covers
// lifecycle operations only; the job subsystem defines the full
// interface (job.Store) and backends implement both.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
