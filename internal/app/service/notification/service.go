// Package notification fans webhook and billing events out into in-app
// notification rows for target users and admins.
package notification

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/atelierhq/atelier/internal/models"
	"github.com/atelierhq/atelier/internal/store"
	cfgpkg "github.com/atelierhq/atelier/pkg/config"
	"github.com/atelierhq/atelier/pkg/logctx"
)

// dedupWindow is the trailing window within which an identical admin
// notification (same user, event type and entity) is coalesced.
const dedupWindow = 5 * time.Minute

type Dispatcher struct {
	store store.NotificationStore
	users store.UserStore
	log   *zap.SugaredLogger
	cfg   *cfgpkg.Config
	now   func() time.Time
}

func NewDispatcher(st store.NotificationStore, users store.UserStore, cfg *cfgpkg.Config, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{store: st, users: users, cfg: cfg, log: log, now: time.Now}
}

// Dispatch renders the event through its template and inserts notification
// rows for the target user and for admins, skipping the actor and coalescing
// admin duplicates inside the dedup window. Unknown event types are an error.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	tmpl, ok := templates[ev.Type]
	if !ok {
		return fmt.Errorf("unknown notification event type: %q", ev.Type)
	}
	r := tmpl(ev, d.cfg.PortalURL)
	log := logctx.FromCtx(ctx, d.log)

	if r.toTarget && ev.TargetUserID != "" && ev.TargetUserID != ev.ActorID {
		if err := d.insert(ctx, ev, r, ev.TargetUserID); err != nil {
			return fmt.Errorf("notify target user: %w", err)
		}
	}

	if r.toAdmins {
		admins, err := d.users.ListAdmins(ctx)
		if err != nil {
			return fmt.Errorf("list admins: %w", err)
		}
		for _, admin := range admins {
			if admin.ID == ev.ActorID {
				continue
			}
			dup, err := d.store.ExistsSince(ctx, admin.ID, string(ev.Type), ev.EntityID, d.now().Add(-dedupWindow))
			if err != nil {
				return fmt.Errorf("dedup check: %w", err)
			}
			if dup {
				log.Infow("notification_deduped", "admin_id", admin.ID, "event_type", ev.Type, "entity_id", ev.EntityID)
				continue
			}
			if err := d.insert(ctx, ev, r, admin.ID); err != nil {
				return fmt.Errorf("notify admin %s: %w", admin.ID, err)
			}
		}
	}
	return nil
}

func (d *Dispatcher) insert(ctx context.Context, ev Event, r rendered, userID string) error {
	meta := datatypes.JSONMap{}
	for k, v := range ev.Meta {
		meta[k] = v
	}
	return d.store.Create(ctx, &models.Notification{
		UserID:    userID,
		EventType: string(ev.Type),
		EntityID:  ev.EntityID,
		Title:     r.Title,
		Message:   r.Message,
		Priority:  r.Priority,
		Link:      r.Link,
		Metadata:  meta,
		CreatedAt: d.now(),
	})
}
