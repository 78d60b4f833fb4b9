package utils

import (
	"strings"
	"testing"
)

func TestNewSnowID_Unique(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 1000; i++ {
		id := NewSnowID()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate snow id %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestSetSnowflakeNode_RejectsOutOfRange(t *testing.T) {
	if err := SetSnowflakeNode(5000); err == nil {
		t.Fatalf("expected error for node out of range")
	}
}

func TestNewTypeID_Prefix(t *testing.T) {
	id := NewTypeID("cred")
	if !strings.HasPrefix(id, "cred_") {
		t.Fatalf("expected cred_ prefix, got %q", id)
	}
}
