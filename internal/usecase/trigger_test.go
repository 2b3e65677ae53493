package usecase

import (
	"sync"
	"testing"
)

func TestTriggerSignal(t *testing.T) {
	s := NewTriggerSignal()

	if s.Armed() {
		t.Fatal("new signal should be idle")
	}
	if s.Consume() {
		t.Fatal("consumed an idle signal")
	}
	if !s.Arm() {
		t.Fatal("failed to arm an idle signal")
	}
	if s.Arm() {
		t.Fatal("double arm succeeded")
	}
	if !s.Armed() {
		t.Fatal("signal should be armed")
	}
	if !s.Consume() {
		t.Fatal("failed to consume an armed signal")
	}
	if s.Consume() {
		t.Fatal("double consume succeeded")
	}
}

func TestTriggerSignal_ConcurrentConsume(t *testing.T) {
	s := NewTriggerSignal()
	s.Arm()

	const goroutines = 32
	var wg sync.WaitGroup
	results := make(chan bool, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.Consume()
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}
