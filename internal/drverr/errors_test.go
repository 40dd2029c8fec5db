package drverr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, None},
		{"typed", E(BrokenPackage, "validate", errors.New("bad ar header")), BrokenPackage},
		{"wrapped", fmt.Errorf("pipeline: %w", E(MissingSignature, "", nil)), MissingSignature},
		{"canceled", fmt.Errorf("read: %w", context.Canceled), Canceled},
		{"plain", errors.New("boom"), Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("submit: %w", E(AlreadyInProgress, "update", errors.New("record gpu0 busy")))
	if !errors.Is(err, E(AlreadyInProgress, "", nil)) {
		t.Fatal("expected errors.Is to match on kind")
	}
	if errors.Is(err, E(DeviceVanished, "", nil)) {
		t.Fatal("different kind should not match")
	}
}

func TestParseKindRoundTrip(t *testing.T) {
	for k := range kindNames {
		if got := ParseKind(k.String()); got != k {
			t.Fatalf("ParseKind(%q) = %v, want %v", k.String(), got, k)
		}
	}
	if got := ParseKind("no_such_kind"); got != Internal {
		t.Fatalf("unknown kind should parse as internal, got %v", got)
	}
}

func TestOnlyNetworkUnavailableRetryable(t *testing.T) {
	for k := range kindNames {
		if k.Retryable() != (k == NetworkUnavailable) {
			t.Fatalf("%v.Retryable() = %v", k, k.Retryable())
		}
	}
}

func TestErrorMessage(t *testing.T) {
	err := E(ModuleNotFound, "install", errors.New("modprobe: FATAL: Module foo not found"))
	want := "install: module_not_found: modprobe: FATAL: Module foo not found"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
	if Detail(err) != "modprobe: FATAL: Module foo not found" {
		t.Fatalf("Detail() = %q", Detail(err))
	}
}
