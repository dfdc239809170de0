// Package audit stamps creation and modification attributes on entities as
// they are flushed. Stamps are ordinary attributes, so they travel through the
// normal dirty-checking diff.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ammar0144/repo4go/pkg/entity"
)

// Entity is an embeddable base carrying all four audit attributes
type Entity struct {
	CreatedDate      time.Time `repo:"createdDate"`
	LastModifiedDate time.Time `repo:"lastModifiedDate"`
	CreatedBy        string    `repo:"createdBy"`
	LastModifiedBy   string    `repo:"lastModifiedBy"`
}

// TimeEntity is an embeddable base carrying only the timestamps
type TimeEntity struct {
	CreatedDate      time.Time `repo:"createdDate"`
	LastModifiedDate time.Time `repo:"lastModifiedDate"`
}

// ActorResolver supplies the identity recorded in createdBy/lastModifiedBy
type ActorResolver interface {
	CurrentActor(ctx context.Context) (string, error)
}

// ActorFunc adapts a function to ActorResolver
type ActorFunc func(ctx context.Context) (string, error)

func (f ActorFunc) CurrentActor(ctx context.Context) (string, error) {
	return f(ctx)
}

type actorKey struct{}

// WithActor returns a context carrying actor for ContextActor
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ContextActor resolves the actor stored by WithActor, or "" when absent
var ContextActor ActorResolver = ActorFunc(func(ctx context.Context) (string, error) {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor, nil
})

// Interceptor stamps audit attributes before the flush diff is computed
type Interceptor struct {
	actors ActorResolver
	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Interceptor
type Option func(*Interceptor)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(i *Interceptor) {
		i.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(i *Interceptor) {
		i.logger = logger
	}
}

// New creates an auditing interceptor. A nil resolver falls back to ContextActor.
func New(actors ActorResolver, opts ...Option) *Interceptor {
	if actors == nil {
		actors = ContextActor
	}
	i := &Interceptor{
		actors: actors,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// BeforeInsert stamps all four attributes on a new entity
func (i *Interceptor) BeforeInsert(ctx context.Context, meta *entity.Metadata, e any) error {
	now := i.now()
	if err := i.stamp(meta, e, entity.RoleCreatedDate, now); err != nil {
		return err
	}
	if err := i.stamp(meta, e, entity.RoleLastModifiedDate, now); err != nil {
		return err
	}
	if !hasActorAttributes(meta) {
		return nil
	}
	actor, err := i.actors.CurrentActor(ctx)
	if err != nil {
		return fmt.Errorf("resolve current actor: %w", err)
	}
	if err := i.stamp(meta, e, entity.RoleCreatedBy, actor); err != nil {
		return err
	}
	return i.stamp(meta, e, entity.RoleLastModifiedBy, actor)
}

// BeforeUpdate stamps the modification attributes on a changed entity
func (i *Interceptor) BeforeUpdate(ctx context.Context, meta *entity.Metadata, e any, dirty []*entity.Attribute) error {
	if err := i.stamp(meta, e, entity.RoleLastModifiedDate, i.now()); err != nil {
		return err
	}
	if meta.WithRole(entity.RoleLastModifiedBy) == nil {
		return nil
	}
	actor, err := i.actors.CurrentActor(ctx)
	if err != nil {
		return fmt.Errorf("resolve current actor: %w", err)
	}
	i.logger.Debug("audit update", "entity", meta.Name, "dirty", len(dirty), "actor", actor)
	return i.stamp(meta, e, entity.RoleLastModifiedBy, actor)
}

func (i *Interceptor) stamp(meta *entity.Metadata, e any, role entity.Role, value any) error {
	a := meta.WithRole(role)
	if a == nil {
		return nil
	}
	return meta.Set(e, a, value)
}

func hasActorAttributes(meta *entity.Metadata) bool {
	return meta.WithRole(entity.RoleCreatedBy) != nil || meta.WithRole(entity.RoleLastModifiedBy) != nil
}
