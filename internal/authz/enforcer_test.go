// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package authz

import (
	"os"
	"path/filepath"
	"testing"
)

// setupEnforcer creates an enforcer with default config and registers cleanup.
func setupEnforcer(t *testing.T) *Enforcer {
	t.Helper()
	enforcer, err := NewEnforcer(nil)
	if err != nil {
		t.Fatalf("NewEnforcer() error = %v", err)
	}
	t.Cleanup(enforcer.Close)
	return enforcer
}

func TestEnforcer_EmbeddedPolicy(t *testing.T) {
	t.Parallel()
	enforcer := setupEnforcer(t)

	tests := []struct {
		role string
		obj  Object
		act  Action
		want bool
	}{
		{"member", ObjectMessage, ActionCreate, true},
		{"member", ObjectMessage, ActionDelete, true},
		{"member", ObjectReaction, ActionAdd, true},
		{"member", ObjectAttachment, ActionRemove, true},
		{"member", ObjectOffset, ActionUpdate, true},
		{"member", ObjectParticipant, ActionAdd, false},
		{"member", ObjectParticipant, ActionRemove, false},
		{"member", ObjectConversation, ActionUpdate, false},
		{"member", ObjectConversation, ActionDelete, false},
		{"admin", ObjectParticipant, ActionAdd, true},
		{"admin", ObjectParticipant, ActionRemove, true},
		{"admin", ObjectConversation, ActionUpdate, true},
		{"admin", ObjectConversation, ActionDelete, true},
		{"admin", ObjectMessage, ActionCreate, true}, // inherited
		{"guest", ObjectMessage, ActionRead, false},
		{"", ObjectMessage, ActionRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.role+"/"+string(tt.obj)+"/"+string(tt.act), func(t *testing.T) {
			t.Parallel()
			got, err := enforcer.Enforce(tt.role, tt.obj, tt.act)
			if err != nil {
				t.Fatalf("Enforce() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Enforce(%s, %s, %s) = %v, want %v", tt.role, tt.obj, tt.act, got, tt.want)
			}
		})
	}
}

func TestEnforcer_CachedDecisionStable(t *testing.T) {
	t.Parallel()
	enforcer := setupEnforcer(t)

	for i := 0; i < 3; i++ {
		got, err := enforcer.Enforce("member", ObjectParticipant, ActionAdd)
		if err != nil || got {
			t.Fatalf("Enforce() = %v, %v on call %d", got, err, i)
		}
	}
}

func TestEnforcer_PolicyFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "policy.csv")
	content := "p, member, message, create\np, admin, participant, add\ng, admin, member\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	enforcer, err := NewEnforcer(&EnforcerConfig{PolicyPath: path})
	if err != nil {
		t.Fatalf("NewEnforcer() error = %v", err)
	}
	defer enforcer.Close()

	if ok, _ := enforcer.Enforce("member", ObjectReaction, ActionAdd); ok {
		t.Error("file policy should not grant reactions")
	}
	if ok, _ := enforcer.Enforce("admin", ObjectMessage, ActionCreate); !ok {
		t.Error("admin should inherit member message create")
	}
	if n := len(enforcer.GetPolicy()); n != 2 {
		t.Errorf("GetPolicy() has %d rules, want 2", n)
	}
}

func TestEnforcer_MissingPolicyFile(t *testing.T) {
	t.Parallel()

	_, err := NewEnforcer(&EnforcerConfig{PolicyPath: filepath.Join(t.TempDir(), "missing.csv")})
	if err == nil {
		t.Fatal("NewEnforcer() succeeded with a missing policy file")
	}
}

func TestLoadEmbeddedPolicy_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		policy string
	}{
		{"short p line", "p, member, message"},
		{"short g line", "g, admin"},
		{"unknown type", "x, a, b, c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := setupEnforcer(t)
			if err := loadEmbeddedPolicy(e.enforcer, tt.policy); err == nil {
				t.Errorf("loadEmbeddedPolicy(%q) succeeded", tt.policy)
			}
		})
	}
}
