package circuit

import (
	"sync"
	"testing"
	"time"
)

func TestRegistryGetSameBreakerPerKey(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 2, ResetTimeout: time.Second})

	a := r.Get("job-a")
	if a != r.Get("job-a") {
		t.Error("Get should return the same breaker for the same key")
	}
	if a == r.Get("job-b") {
		t.Error("Get should return distinct breakers for distinct keys")
	}
}

func TestRegistryKeysIndependent(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, ResetTimeout: time.Hour})

	r.Get("job-a").RecordFailure()

	if r.Get("job-a").Phase() != PhaseOpen {
		t.Error("job-a breaker should be open")
	}
	if r.Get("job-b").Phase() != PhaseClosed {
		t.Error("job-b breaker should be unaffected")
	}
}

func TestRegistryResetAll(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, ResetTimeout: time.Hour})

	r.Get("job-a").RecordFailure()
	r.Get("job-b").RecordFailure()
	r.ResetAll()

	snaps := r.Snapshots()
	for key, snap := range snaps {
		if snap.Phase != PhaseClosed {
			t.Errorf("breaker %s phase = %s, want closed", key, snap.Phase)
		}
	}
}

func TestRegistryConcurrentGet(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 3, ResetTimeout: time.Second})

	var wg sync.WaitGroup
	breakers := make([]*Breaker, 16)
	for i := range breakers {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			breakers[n] = r.Get("shared")
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(breakers); i++ {
		if breakers[i] != breakers[0] {
			t.Fatal("concurrent Get returned different breakers for one key")
		}
	}
}
