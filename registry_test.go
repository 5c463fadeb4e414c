package orca_hand

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
)

// TestRegistryCreation tests basic registry creation and initialization
func TestRegistryCreation(t *testing.T) {
	registry := NewPortRegistry()

	if registry == nil {
		t.Fatal("NewPortRegistry returned nil")
	}

	if registry.entries == nil {
		t.Fatal("Registry entries map not initialized")
	}

	if registry.Len() != 0 {
		t.Fatal("Registry should start empty")
	}
}

// TestExclusiveClaim tests that a port can only be owned once
func TestExclusiveClaim(t *testing.T) {
	registry := NewPortRegistry()

	release, err := registry.Claim("/dev/ttyUSB0", "hand-left")
	if err != nil {
		t.Fatalf("Failed to claim port: %v", err)
	}

	_, err = registry.Claim("/dev/ttyUSB0", "hand-right")
	if !errors.Is(err, ErrPortInUse) {
		t.Fatalf("Expected ErrPortInUse, got %v", err)
	}

	owner, ok := registry.Owner("/dev/ttyUSB0")
	if !ok || owner != "hand-left" {
		t.Fatalf("Expected owner hand-left, got %q (%v)", owner, ok)
	}

	release()
	release()

	if registry.Len() != 0 {
		t.Fatalf("Expected 0 entries after release, got %d", registry.Len())
	}

	if _, err := registry.Claim("/dev/ttyUSB0", "hand-right"); err != nil {
		t.Fatalf("Expected port to be claimable after release: %v", err)
	}
}

// TestForceRelease tests that a stale release does not drop a newer claim
func TestForceRelease(t *testing.T) {
	registry := NewPortRegistry()

	staleRelease, err := registry.Claim("/dev/ttyACM0", "first")
	if err != nil {
		t.Fatalf("Failed to claim port: %v", err)
	}

	if !registry.ForceRelease("/dev/ttyACM0") {
		t.Fatal("ForceRelease should report an existing entry")
	}
	if registry.ForceRelease("/dev/ttyACM0") {
		t.Fatal("ForceRelease on a free port should report false")
	}

	if _, err := registry.Claim("/dev/ttyACM0", "second"); err != nil {
		t.Fatalf("Failed to reclaim port: %v", err)
	}

	staleRelease()

	owner, ok := registry.Owner("/dev/ttyACM0")
	if !ok || owner != "second" {
		t.Fatalf("Stale release dropped the new owner, got %q (%v)", owner, ok)
	}
}

// TestConcurrentClaims tests that exactly one goroutine wins a contested port
func TestConcurrentClaims(t *testing.T) {
	registry := NewPortRegistry()

	const numGoroutines = 16
	var wg sync.WaitGroup
	var wins int64

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := registry.Claim("/dev/ttyUSB0", fmt.Sprintf("caller-%d", n)); err == nil {
				atomic.AddInt64(&wins, 1)
			}
		}(i)
	}

	wg.Wait()

	if wins != 1 {
		t.Fatalf("Expected exactly one successful claim, got %d", wins)
	}
}

// TestMultiplePorts tests that different ports are independent
func TestMultiplePorts(t *testing.T) {
	registry := NewPortRegistry()

	ports := []string{"/dev/ttyUSB0", "/dev/ttyUSB1", "/dev/ttyUSB2"}
	for _, port := range ports {
		if _, err := registry.Claim(port, "hand"); err != nil {
			t.Fatalf("Failed to claim %s: %v", port, err)
		}
	}

	if registry.Len() != len(ports) {
		t.Fatalf("Expected %d entries, got %d", len(ports), registry.Len())
	}
}
