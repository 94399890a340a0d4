package alert

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestShouldAlertWindow(t *testing.T) {
	s := NewSuppressor(30 * time.Second)
	base := time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)

	if !s.ShouldAlert("jita", base) {
		t.Error("First alert should fire")
	}
	if s.ShouldAlert("jita", base.Add(29*time.Second)) {
		t.Error("Alert inside the window should be suppressed")
	}
	if !s.ShouldAlert("jita", base.Add(30*time.Second)) {
		t.Error("Alert once the window has elapsed should fire")
	}
}

func TestSuppressedCallDoesNotExtendWindow(t *testing.T) {
	s := NewSuppressor(10 * time.Second)
	base := time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)

	s.ShouldAlert("k", base)
	s.ShouldAlert("k", base.Add(9*time.Second))

	last, _ := s.LastAlert("k")
	if !last.Equal(base) {
		t.Errorf("Expected last alert %v, got %v", base, last)
	}
	if !s.ShouldAlert("k", base.Add(10*time.Second)) {
		t.Error("Expected alert after the original window")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	s := NewSuppressor(time.Minute)
	now := time.Now()

	if !s.ShouldAlert("jita", now) || !s.ShouldAlert("perimeter", now) {
		t.Error("Different keys must not suppress each other")
	}
	if s.Len() != 2 {
		t.Errorf("Expected 2 tracked keys, got %d", s.Len())
	}
}

func TestConcurrentShouldAlertFiresOnce(t *testing.T) {
	s := NewSuppressor(time.Minute)
	now := time.Now()

	var fired int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.ShouldAlert("jita", now) {
				atomic.AddInt32(&fired, 1)
			}
		}()
	}
	wg.Wait()

	if fired != 1 {
		t.Errorf("Expected exactly one alert, got %d", fired)
	}
}

func TestDeduplicatorDomainsAreSeparate(t *testing.T) {
	d := NewDeduplicator(Config{SystemWindow: time.Minute, SoundWindow: 5 * time.Second})
	base := time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)

	if !d.ShouldAlertSystem("Jita", base) {
		t.Error("First system alert should fire")
	}
	if !d.ShouldPlaySound("sounds/alarm.wav", base) {
		t.Error("First sound should play even though the system domain just recorded")
	}

	later := base.Add(10 * time.Second)
	if d.ShouldAlertSystem("jita ", later) {
		t.Error("System alert inside its window should be suppressed")
	}
	if !d.ShouldPlaySound("sounds/./alarm.wav", later) {
		t.Error("Sound should play again after its shorter window")
	}
}

func TestEmptySoundNeverPlays(t *testing.T) {
	d := NewDeduplicator(Config{SystemWindow: time.Minute, SoundWindow: time.Second})
	if d.ShouldPlaySound("", time.Now()) {
		t.Error("Empty sound should never play")
	}
	if d.Sounds().Len() != 0 {
		t.Error("Empty sound should not be tracked")
	}
}

func TestZeroWindowNeverSuppresses(t *testing.T) {
	s := NewSuppressor(0)
	now := time.Now()
	if !s.ShouldAlert("k", now) || !s.ShouldAlert("k", now) {
		t.Error("Zero window should never suppress")
	}
}
