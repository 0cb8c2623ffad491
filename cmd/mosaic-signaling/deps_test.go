package main

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/gistacsl/mosaic-signaling/internal/config"
	"github.com/gistacsl/mosaic-signaling/internal/events"
	"github.com/gistacsl/mosaic-signaling/internal/keys"
	"github.com/gistacsl/mosaic-signaling/internal/robot"
	"github.com/gistacsl/mosaic-signaling/internal/store"
)

type fakeKMS struct {
	plaintext []byte
	gotKeyID  string
	gotBlob   []byte
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	if in.KeyId != nil {
		f.gotKeyID = *in.KeyId
	}
	f.gotBlob = in.CiphertextBlob
	return &kms.DecryptOutput{Plaintext: f.plaintext}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noKMS(context.Context, string) (keys.KMSDecrypter, error) {
	return nil, errors.New("kms not expected")
}

func TestResolveMasterKey_Raw(t *testing.T) {
	raw := make([]byte, keys.MasterKeySize)
	raw[0] = 7
	got, err := resolveMasterKey(context.Background(), config.MasterKeyConfig{Raw: base64.StdEncoding.EncodeToString(raw)}, noKMS)
	if err != nil {
		t.Fatalf("resolveMasterKey: %v", err)
	}
	if len(got) != keys.MasterKeySize || got[0] != 7 {
		t.Fatalf("key=%x", got)
	}
}

func TestResolveMasterKey_KMS(t *testing.T) {
	plain := make([]byte, keys.MasterKeySize)
	plain[1] = 9
	fk := &fakeKMS{plaintext: plain}
	var gotRegion string
	factory := func(_ context.Context, region string) (keys.KMSDecrypter, error) {
		gotRegion = region
		return fk, nil
	}

	mk := config.MasterKeyConfig{
		KMSCiphertext: base64.StdEncoding.EncodeToString([]byte("wrapped")),
		KMSKeyID:      "alias/mosaic",
		AWSRegion:     "eu-west-1",
	}
	got, err := resolveMasterKey(context.Background(), mk, factory)
	if err != nil {
		t.Fatalf("resolveMasterKey: %v", err)
	}
	if got[1] != 9 {
		t.Fatalf("key=%x", got)
	}
	if gotRegion != "eu-west-1" || fk.gotKeyID != "alias/mosaic" || string(fk.gotBlob) != "wrapped" {
		t.Fatalf("region=%q keyID=%q blob=%q", gotRegion, fk.gotKeyID, fk.gotBlob)
	}
}

func TestResolveMasterKey_Ephemeral(t *testing.T) {
	a, err := resolveMasterKey(context.Background(), config.MasterKeyConfig{}, noKMS)
	if err != nil {
		t.Fatalf("resolveMasterKey: %v", err)
	}
	b, err := resolveMasterKey(context.Background(), config.MasterKeyConfig{}, noKMS)
	if err != nil {
		t.Fatalf("resolveMasterKey: %v", err)
	}
	if string(a) == string(b) {
		t.Fatalf("ephemeral keys should differ")
	}
}

func TestMasterKeySource(t *testing.T) {
	cases := map[string]config.MasterKeyConfig{
		"env":       {Raw: "x"},
		"kms":       {KMSCiphertext: "x"},
		"ephemeral": {},
	}
	for want, mk := range cases {
		if got := masterKeySource(mk); got != want {
			t.Fatalf("masterKeySource(%+v)=%q, want %q", mk, got, want)
		}
	}
}

func TestOpenDependencies_DefaultsToSQLiteAndNop(t *testing.T) {
	cfg := config.Config{
		DatabasePath:     ":memory:",
		StatusBackend:    config.StatusBackendSQLite,
		RobotTokenMaxAge: config.DefaultRobotTokenMaxAge,
	}
	d, err := openDependencies(context.Background(), cfg, discardLogger(), noKMS)
	if err != nil {
		t.Fatalf("openDependencies: %v", err)
	}
	defer d.Close(discardLogger())

	if d.status != store.StatusStore(d.db) {
		t.Fatalf("status store=%T, want sqlite", d.status)
	}
	if _, ok := d.events.(events.Nop); !ok {
		t.Fatalf("events=%T, want events.Nop", d.events)
	}
	checks := d.readinessChecks()
	if len(checks) != 1 || checks["sqlite"] == nil {
		t.Fatalf("checks=%v", checks)
	}
	if err := checks["sqlite"](context.Background()); err != nil {
		t.Fatalf("sqlite readiness: %v", err)
	}
}

func TestOpenDependencies_SeedAndRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	seed := filepath.Join(t.TempDir(), "robots.yaml")
	const body = "robots:\n  - id: 0B6D1C8E-4A55-4C3E-9F0E-1D2A3B4C5D01\n    organizationId: org-a\n    name: Bot-1\n    authType: SIMPLE_TOKEN\n"
	if err := os.WriteFile(seed, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := config.Config{
		DatabasePath:     ":memory:",
		SeedFile:         seed,
		StatusBackend:    config.StatusBackendRedis,
		Redis:            config.RedisConfig{Addr: mr.Addr()},
		RobotTokenMaxAge: config.DefaultRobotTokenMaxAge,
	}
	d, err := openDependencies(context.Background(), cfg, discardLogger(), noKMS)
	if err != nil {
		t.Fatalf("openDependencies: %v", err)
	}
	defer d.Close(discardLogger())

	rec, err := d.db.LookupRobot(context.Background(), "0b6d1c8e-4a55-4c3e-9f0e-1d2a3b4c5d01")
	if err != nil {
		t.Fatalf("LookupRobot: %v", err)
	}
	if rec.OrganizationID != "org-a" || rec.AuthType != robot.AuthSimpleToken {
		t.Fatalf("rec=%+v", rec)
	}
	if d.status != store.StatusStore(d.redis) {
		t.Fatalf("status store=%T, want redis", d.status)
	}
	if checks := d.readinessChecks(); checks["redis"] == nil {
		t.Fatalf("missing redis readiness check")
	}
}

func TestOpenDependencies_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := config.Config{
		DatabasePath:     ":memory:",
		StatusBackend:    config.StatusBackendRedis,
		Redis:            config.RedisConfig{Addr: addr},
		RobotTokenMaxAge: config.DefaultRobotTokenMaxAge,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := openDependencies(ctx, cfg, discardLogger(), noKMS); err == nil {
		t.Fatalf("expected error for unreachable redis")
	}
}

func TestOpenDependencies_WrongMasterKeyIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mosaic.db")
	keyA := base64.StdEncoding.EncodeToString(make([]byte, keys.MasterKeySize))
	b := make([]byte, keys.MasterKeySize)
	b[0] = 1
	keyB := base64.StdEncoding.EncodeToString(b)

	cfg := config.Config{
		DatabasePath:     path,
		StatusBackend:    config.StatusBackendSQLite,
		MasterKey:        config.MasterKeyConfig{Raw: keyA},
		RobotTokenMaxAge: config.DefaultRobotTokenMaxAge,
	}
	d, err := openDependencies(context.Background(), cfg, discardLogger(), noKMS)
	if err != nil {
		t.Fatalf("openDependencies: %v", err)
	}
	d.Close(discardLogger())
	d.Close(discardLogger())

	cfg.MasterKey.Raw = keyB
	_, err = openDependencies(context.Background(), cfg, discardLogger(), noKMS)
	if !errors.Is(err, keys.ErrKeyDecrypt) {
		t.Fatalf("err=%v, want keys.ErrKeyDecrypt", err)
	}
}
