package main

import (
	"context"
	"fmt"
	"time"

	"qazna.org/tenancy/internal/cdc"
	"qazna.org/tenancy/internal/cleanup"
	"qazna.org/tenancy/internal/config"
	"qazna.org/tenancy/internal/entity"
	"qazna.org/tenancy/internal/events"
	"qazna.org/tenancy/internal/httpapi"
	"qazna.org/tenancy/internal/identity"
	"qazna.org/tenancy/internal/obs"
	"qazna.org/tenancy/internal/store/mem"
	"qazna.org/tenancy/internal/store/pg"
	"qazna.org/tenancy/internal/tenancy"
)

type outbox interface {
	events.Outbox
	events.Marker
}

// backend is the storage profile the process runs on.
type backend struct {
	tenancy  tenancy.Store
	entities entity.Store
	identity identity.Store
	outbox   outbox
	backfill cdc.Backfill
	ready    httpapi.Readiness
	close    func()

	tenancyDSN  string
	keycloakDSN string
}

// openBackend opens the configured stores. With memory storage, notify receives every committed
// change the way the table triggers announce them in postgres.
func openBackend(ctx context.Context, cfg *config.Config, notify mem.Notify) (*backend, error) {
	switch cfg.Storage.Driver {
	case "memory":
		s := mem.New(mem.WithNotify(notify))
		return &backend{tenancy: s, entities: s, identity: s, outbox: s, close: func() {}}, nil
	case "postgres":
		s, err := pg.Open(cfg.Storage.PostgresDSN, pg.PoolConfig{
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.Ping(pingCtx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return &backend{
			tenancy:     s,
			entities:    s,
			identity:    s,
			outbox:      s,
			backfill:    s,
			ready:       httpapi.Readiness{DB: s.DB()},
			close:       func() { _ = s.Close() },
			tenancyDSN:  cfg.Storage.PostgresDSN,
			keycloakDSN: cfg.Storage.KeycloakDSN,
		}, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

// listeners returns the change listeners for the postgres profile. A reconnect of the tenancy
// listener triggers a rescan for changes committed while it was down.
func (b *backend) listeners(rescanner *events.Rescanner) []*cdc.Listener {
	var out []*cdc.Listener
	if b.tenancyDSN != "" {
		out = append(out, cdc.NewListener(b.tenancyDSN, pg.Channels(),
			cdc.WithListenerLogger(obs.Component("cdc").WithField("source", "tenancy")),
			cdc.OnReconnect(func(ctx context.Context) {
				if _, err := rescanner.RunOnce(ctx); err != nil {
					obs.Component("cdc").WithError(err).Error("rescan after reconnect failed")
				}
			}),
		))
	}
	if b.keycloakDSN != "" {
		out = append(out, cdc.NewListener(b.keycloakDSN, identity.Tables(),
			cdc.WithListenerLogger(obs.Component("cdc").WithField("source", "keycloak")),
		))
	}
	return out
}

func openBroker(ctx context.Context, cfg *config.Config) (events.Broker, events.Locker, error) {
	if cfg.Storage.RedisURL == "" {
		obs.Component("events").Warn("no redis configured; mutation events stay in process")
		return events.NewMemoryBroker(), nil, nil
	}
	b, err := events.NewRedisBroker(ctx, cfg.Storage.RedisURL, cfg.Events.StreamMaxLen)
	if err != nil {
		return nil, nil, err
	}
	return b, events.NewRedisLocker(b.Client()), nil
}

// openCleanupQueue shares the broker's Redis connection when there is one.
func openCleanupQueue(cfg *config.Config, broker events.Broker) cleanup.Queue {
	if rb, ok := broker.(*events.RedisBroker); ok {
		return cleanup.NewRedisQueue(rb.Client(), cfg.Cleanup.QueueKey, cfg.Cleanup.Consumer)
	}
	return cleanup.NewMemoryQueue()
}

// bootstrapAdmin seeds one Admin member into an empty identity store so a memory profile can be
// driven without an identity provider.
func bootstrapAdmin(ctx context.Context, s identity.Store, realm, principal string) error {
	const group, role = "bootstrap-admin", "bootstrap-member"
	steps := []func() error{
		func() error { return s.UpsertRealm(ctx, identity.Realm{ID: realm, Name: realm}) },
		func() error { return s.UpsertRole(ctx, identity.Role{ID: role, RealmID: realm, Name: "member"}) },
		func() error {
			return s.UpsertUser(ctx, identity.User{ID: principal, RealmID: realm, Username: principal, Enabled: true})
		},
		func() error { return s.UpsertGroup(ctx, identity.Group{ID: group, RealmID: realm, Name: "Admin"}) },
		func() error { return s.UpsertGroupRole(ctx, identity.GroupRole{GroupID: group, RoleID: role}) },
		func() error { return s.UpsertMembership(ctx, identity.Membership{UserID: principal, GroupID: group}) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
	}
	return nil
}
