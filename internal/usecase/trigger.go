package usecase

import "sync/atomic"

// TriggerSignal is the two-state arm/fire gate in front of trade
// registration. Arming expresses external readiness; firing consumes it
// exactly once. Both transitions are single compare-and-swap operations so
// concurrent webhooks cannot double-fire.
type TriggerSignal struct {
	armed atomic.Bool
}

func NewTriggerSignal() *TriggerSignal { return &TriggerSignal{} }

// Arm moves Idle -> Armed; false when already armed.
func (s *TriggerSignal) Arm() bool { return s.armed.CompareAndSwap(false, true) }

// Consume moves Armed -> Idle; false when not armed.
func (s *TriggerSignal) Consume() bool { return s.armed.CompareAndSwap(true, false) }

// Armed reports the current state without consuming it.
func (s *TriggerSignal) Armed() bool { return s.armed.Load() }
