package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestScheduler_Fires(t *testing.T) {
	var fired atomic.Int32
	s := NewScheduler("* * * * * *", func(context.Context) error {
		fired.Add(1)
		return nil
	}, zerolog.Nop())

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	<-s.Stop().Done()

	if fired.Load() == 0 {
		t.Fatal("trigger never fired")
	}
}

func TestScheduler_InvalidSpec(t *testing.T) {
	s := NewScheduler("every now and then", func(context.Context) error { return nil }, zerolog.Nop())
	if err := s.Start(); err == nil {
		t.Fatal("expected error for invalid spec")
	}
}

func TestScheduler_EmptySpecDisabled(t *testing.T) {
	s := NewScheduler("", func(context.Context) error { return nil }, zerolog.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-s.Stop().Done()
}
