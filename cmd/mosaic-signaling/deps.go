package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gistacsl/mosaic-signaling/internal/config"
	"github.com/gistacsl/mosaic-signaling/internal/events"
	"github.com/gistacsl/mosaic-signaling/internal/httpserver"
	"github.com/gistacsl/mosaic-signaling/internal/keys"
	"github.com/gistacsl/mosaic-signaling/internal/store"
)

const startupTimeout = 30 * time.Second

// kmsFactory builds the KMS client used to unwrap the master key.
type kmsFactory func(ctx context.Context, region string) (keys.KMSDecrypter, error)

func newKMSDecrypter(ctx context.Context, region string) (keys.KMSDecrypter, error) {
	return keys.NewKMSClient(ctx, region)
}

// dependencies are the long-lived collaborators of the signaling server.
type dependencies struct {
	db     *store.SQLite
	redis  *store.RedisStatus
	status store.StatusStore
	events events.Publisher
	keys   *keys.Authority

	closed bool
}

func openDependencies(ctx context.Context, cfg config.Config, logger *slog.Logger, newKMS kmsFactory) (_ *dependencies, err error) {
	d := &dependencies{}
	defer func() {
		if err != nil {
			d.Close(logger)
		}
	}()

	master, err := resolveMasterKey(ctx, cfg.MasterKey, newKMS)
	if err != nil {
		return nil, err
	}

	d.db, err = store.OpenSQLite(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if cfg.SeedFile != "" {
		n, err := d.db.LoadSeedFile(ctx, cfg.SeedFile)
		if err != nil {
			return nil, err
		}
		logger.Info("robot seed loaded", "path", cfg.SeedFile, "robots", n)
	}

	d.keys, err = keys.Open(ctx, d.db, master, keys.Options{RobotTokenMaxAge: cfg.RobotTokenMaxAge})
	if err != nil {
		return nil, fmt.Errorf("open key authority: %w", err)
	}

	switch cfg.StatusBackend {
	case config.StatusBackendRedis:
		d.redis = store.NewRedisStatus(store.RedisOptions{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := d.redis.Ping(ctx); err != nil {
			return nil, err
		}
		d.status = d.redis
	default:
		d.status = d.db
	}

	var fanout events.Fanout
	if cfg.NATS.Enabled() {
		p, err := events.DialNATS(events.NATSOptions{URL: cfg.NATS.URL, Subject: cfg.NATS.Subject}, logger)
		if err != nil {
			return nil, err
		}
		fanout = append(fanout, p)
	}
	if cfg.Kafka.Enabled() {
		fanout = append(fanout, events.NewKafkaPublisher(events.KafkaOptions{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic}))
	}
	d.events = fanout
	if len(fanout) == 0 {
		d.events = events.Nop{}
	}
	return d, nil
}

// resolveMasterKey prefers an explicit key, then KMS, and otherwise returns a
// fresh ephemeral key. Config.Load already refuses the ephemeral case in prod.
func resolveMasterKey(ctx context.Context, mk config.MasterKeyConfig, newKMS kmsFactory) ([]byte, error) {
	switch {
	case mk.Raw != "":
		return keys.ParseMasterKey(mk.Raw)
	case mk.UseKMS():
		client, err := newKMS(ctx, mk.AWSRegion)
		if err != nil {
			return nil, err
		}
		return keys.MasterKeyFromKMS(ctx, client, mk.KMSKeyID, mk.KMSCiphertext)
	default:
		return keys.GenerateMasterKey()
	}
}

func masterKeySource(mk config.MasterKeyConfig) string {
	switch {
	case mk.Raw != "":
		return "env"
	case mk.UseKMS():
		return "kms"
	default:
		return "ephemeral"
	}
}

func (d *dependencies) readinessChecks() map[string]httpserver.ReadinessCheck {
	checks := map[string]httpserver.ReadinessCheck{"sqlite": d.db.Ping}
	if d.redis != nil {
		checks["redis"] = d.redis.Ping
	}
	return checks
}

// Close releases everything opened so far. It is safe to call twice.
func (d *dependencies) Close(logger *slog.Logger) {
	if d.closed {
		return
	}
	d.closed = true

	var errs []error
	if d.events != nil {
		errs = append(errs, d.events.Close())
	}
	if d.redis != nil {
		errs = append(errs, d.redis.Close())
	}
	if d.db != nil {
		errs = append(errs, d.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warn("closing dependencies", "err", err)
	}
}
