// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/tomtom215/threadline/internal/auth"
	"github.com/tomtom215/threadline/internal/config"
	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/websocket"
)

func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

func quietSlog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

const testSecret = "a-test-secret-that-is-long-enough-for-hs256"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func loadTestConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	path := writeConfig(t, "security:\n  jwt_secret: "+testSecret+"\n"+extra)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	return cfg
}

func TestRole(t *testing.T) {
	t.Parallel()

	tests := []struct {
		r          role
		want       string
		gateway    bool
		dispatcher bool
	}{
		{roleGateway, "gateway", true, false},
		{roleDispatcher, "dispatcher", false, true},
		{roleAll, "gateway+dispatcher", true, true},
		{0, "none", false, false},
	}
	for _, tt := range tests {
		if got := tt.r.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
		if tt.r.has(roleGateway) != tt.gateway || tt.r.has(roleDispatcher) != tt.dispatcher {
			t.Errorf("%s: has() mismatch", tt.want)
		}
	}
}

func TestCheckRoles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		driver  string
		emitter string
		roles   role
		wantErr error
	}{
		{"all on memory", "memory", "local", roleAll, nil},
		{"gateway on memory", "memory", "local", roleGateway, errMemoryStore},
		{"dispatcher with local emitter", "postgres", "local", roleDispatcher, errLocalEmitter},
		{"dispatcher with nats emitter", "postgres", "nats", roleDispatcher, nil},
		{"gateway with local emitter", "postgres", "local", roleGateway, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{
				Database: config.DatabaseConfig{Driver: tt.driver},
				Realtime: config.RealtimeConfig{Emitter: tt.emitter},
			}
			if err := checkRoles(cfg, tt.roles); !errors.Is(err, tt.wantErr) {
				t.Errorf("checkRoles() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestOriginChecker(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origins []string
		origin  string
		want    bool
	}{
		{"wildcard", []string{"*"}, "https://evil.example", true},
		{"listed", []string{"https://app.example"}, "https://app.example", true},
		{"unlisted", []string{"https://app.example"}, "https://evil.example", false},
		{"no origin header", []string{"https://app.example"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := originChecker(tt.origins)(r); got != tt.want {
				t.Errorf("originChecker() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPrincipalIdentity(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "/ws", nil)
	if _, ok := principalIdentity(r); ok {
		t.Error("identity without principal")
	}
	ctx := auth.ContextWithPrincipal(r.Context(), &auth.AuthenticatedPrincipal{UserID: 9, Username: "zoe"})
	id, ok := principalIdentity(r.WithContext(ctx))
	if !ok || id != (websocket.Identity{UserID: 9, Username: "zoe"}) {
		t.Errorf("principalIdentity() = %+v, %v", id, ok)
	}
}

func TestApp_StoreRedisAndAuthz(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	cfg := loadTestConfig(t, "database:\n  driver: memory\nrealtime:\n  emitter: redis\nredis:\n  addr: "+mr.Addr()+"\n")

	a := &app{cfg: cfg, roles: roleAll}
	t.Cleanup(a.close)
	ctx := context.Background()
	if err := a.openStore(ctx); err != nil {
		t.Fatalf("openStore() error = %v", err)
	}
	if err := a.openRedis(ctx); err != nil {
		t.Fatalf("openRedis() error = %v", err)
	}
	if err := a.openAuthz(); err != nil {
		t.Fatalf("openAuthz() error = %v", err)
	}

	emitter, err := a.emitter(nil)
	if err != nil {
		t.Fatalf("emitter() error = %v", err)
	}
	if _, ok := emitter.(*websocket.RedisEmitter); !ok {
		t.Errorf("emitter = %T, want *websocket.RedisEmitter", emitter)
	}
	if a.sweepLocker() == nil {
		t.Error("sweepLocker() = nil with redis configured")
	}
	if a.authorizer == nil {
		t.Error("authorizer not set")
	}

	for _, c := range a.checks() {
		if c.Name == "nats" {
			if err := c.Run(ctx); err == nil {
				t.Error("nats check passed without a connection")
			}
			continue
		}
		if err := c.Run(ctx); err != nil {
			t.Errorf("%s check error = %v", c.Name, err)
		}
	}
}

func TestApp_OpenRedisFailure(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	a := &app{cfg: &config.Config{Redis: config.RedisConfig{Addr: addr}}}
	if err := a.openRedis(context.Background()); err == nil {
		t.Fatal("openRedis() succeeded against a closed server")
	}
	if a.redis != nil || len(a.closers) != 0 {
		t.Error("failed redis connection was kept")
	}
}

func TestApp_Emitter(t *testing.T) {
	t.Parallel()

	a := &app{cfg: &config.Config{Realtime: config.RealtimeConfig{Emitter: "local"}}}
	if _, err := a.emitter(nil); !errors.Is(err, errLocalEmitter) {
		t.Errorf("local emitter without hub: %v", err)
	}
	emitter, err := a.emitter(websocket.NewHub())
	if err != nil {
		t.Fatalf("emitter() error = %v", err)
	}
	if _, ok := emitter.(*websocket.LocalEmitter); !ok {
		t.Errorf("emitter = %T, want *websocket.LocalEmitter", emitter)
	}

	for _, kind := range []string{"redis", "nats"} {
		a := &app{cfg: &config.Config{Realtime: config.RealtimeConfig{Emitter: kind}}}
		if _, err := a.emitter(nil); err == nil {
			t.Errorf("%s emitter without a connection succeeded", kind)
		}
	}
}

func TestApp_SweepLocker(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"duckdb", "memory"} {
		a := &app{cfg: &config.Config{Database: config.DatabaseConfig{Driver: driver}}}
		if a.sweepLocker() != nil {
			t.Errorf("%s: sweepLocker() != nil", driver)
		}
	}
}

func TestApp_CloseReverseOrder(t *testing.T) {
	t.Parallel()

	var order []string
	a := &app{}
	for _, name := range []string{"store", "nats-conn", "publisher"} {
		a.onClose(name, func() error {
			order = append(order, name)
			return nil
		})
	}
	a.onClose("wal", func() error { return errors.New("already closed") })
	a.close()
	a.close()

	if got := strings.Join(order, ","); got != "publisher,nats-conn,store" {
		t.Errorf("close order = %s", got)
	}
}

// The command tests share rootCmd and run sequentially.

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		cfgFile = ""
	})
	err := rootCmd.Execute()
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.HasPrefix(out, "threadline "+version) {
		t.Errorf("version output = %q", out)
	}
}

func TestTokenCommand(t *testing.T) {
	path := writeConfig(t, "security:\n  jwt_secret: "+testSecret+"\n  jwt_issuer: threadline-test\n")
	out, err := execute(t, "--config", path, "token", "--user", "7", "--username", "alice")
	if err != nil {
		t.Fatalf("token error = %v", err)
	}

	verifier, err := auth.NewJWTVerifier(&config.SecurityConfig{JWTSecret: testSecret, JWTIssuer: "threadline-test"})
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	p, err := verifier.Verify(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if p.UserID != 7 || p.Username != "alice" {
		t.Errorf("principal = %+v", p)
	}

	if _, err := execute(t, "--config", path, "token", "--user", "0"); err == nil {
		t.Error("token accepted a zero user id")
	}
}

func TestMigrateCommand_Memory(t *testing.T) {
	path := writeConfig(t, "security:\n  jwt_secret: "+testSecret+"\ndatabase:\n  driver: memory\n")
	out, err := execute(t, "--config", path, "migrate")
	if err != nil {
		t.Fatalf("migrate error = %v", err)
	}
	if !strings.Contains(out, "no schema") {
		t.Errorf("migrate output = %q", out)
	}
}

func TestServeCommand_RejectsMemoryStore(t *testing.T) {
	path := writeConfig(t, "security:\n  jwt_secret: "+testSecret+"\ndatabase:\n  driver: memory\n")
	if _, err := execute(t, "--config", path, "serve"); !errors.Is(err, errMemoryStore) {
		t.Errorf("serve error = %v, want %v", err, errMemoryStore)
	}
}
