// Package bus implements the in-process publish/subscribe broker that
// connects the signal manager, the options executor and the position
// manager. Events carry typed payloads; one payload struct per event
// kind, wrapped in a common envelope.
package bus

import (
	"time"

	"github.com/rmehra/optionflow/internal/models"
)

// EventType enumerates the event kinds carried by the bus.
type EventType string

const (
	// EventSignalGenerated is published when a signal passes dedup.
	EventSignalGenerated EventType = "SIGNAL_GENERATED"
	// EventSignalActivated is published once an entry order exists.
	EventSignalActivated EventType = "SIGNAL_ACTIVATED"
	// EventSignalCompleted is published when a signal exits profitably.
	EventSignalCompleted EventType = "SIGNAL_COMPLETED"
	// EventSignalStopped is published when a signal exits at a loss.
	EventSignalStopped EventType = "SIGNAL_STOPPED"
	// EventPositionOpened is published when a position is registered.
	EventPositionOpened EventType = "POSITION_OPENED"
	// EventPositionClosed is published when remaining quantity hits zero.
	EventPositionClosed EventType = "POSITION_CLOSED"
)

// Priority tags an event. It is metadata only: the dispatch queue stays
// strict FIFO regardless of priority. Subscription priority, not event
// priority, controls handler spawn order.
type Priority int

const (
	// PriorityLow marks informational events.
	PriorityLow Priority = iota
	// PriorityNormal is the default.
	PriorityNormal
	// PriorityHigh marks trade-affecting events.
	PriorityHigh
	// PriorityCritical marks events that demand operator attention.
	PriorityCritical
)

// Payload is the tagged-union interface implemented by every concrete
// event payload. Kind reports the event type the payload belongs to.
type Payload interface {
	Kind() EventType
}

// Event is the immutable envelope delivered to subscribers.
type Event struct {
	ID            string
	Type          EventType
	Payload       Payload
	Timestamp     time.Time
	Priority      Priority
	Source        string
	CorrelationID string
}

// SignalGeneratedPayload carries the full signal at generation time.
type SignalGeneratedPayload struct {
	SignalID        string
	Symbol          string
	Strategy        string
	Action          models.SignalAction
	EntryPrice      float64
	StopLoss        float64
	Target          float64
	SignalStrength  float64
	ExpectedMovePct float64
	Timeframe       string
	Metadata        map[string]string
}

// Kind implements Payload.
func (SignalGeneratedPayload) Kind() EventType { return EventSignalGenerated }

// SignalActivatedPayload reports that an entry order exists for a signal.
type SignalActivatedPayload struct {
	SignalID string
	OrderID  string
	Symbol   string
	Action   models.SignalAction
	Price    float64
	Quantity int
}

// Kind implements Payload.
func (SignalActivatedPayload) Kind() EventType { return EventSignalActivated }

// SignalCompletedPayload closes out a signal whose position exited
// profitably or at target.
type SignalCompletedPayload struct {
	SignalID      string
	ExitPrice     float64
	ProfitLoss    float64
	ProfitLossPct float64
	ExitReason    string
}

// Kind implements Payload.
func (SignalCompletedPayload) Kind() EventType { return EventSignalCompleted }

// SignalStoppedPayload closes out a signal whose position exited at a
// loss or stop.
type SignalStoppedPayload struct {
	SignalID      string
	ExitPrice     float64
	ProfitLoss    float64
	ProfitLossPct float64
	ExitReason    string
}

// Kind implements Payload.
func (SignalStoppedPayload) Kind() EventType { return EventSignalStopped }

// PositionOpenedPayload announces a newly registered position.
type PositionOpenedPayload struct {
	PositionID      string
	SignalID        string
	Symbol          string
	OptionSymbol    string
	Strike          float64
	OptionType      models.OptionType
	Quantity        int
	EntryPremium    float64
	StopLossPremium float64
	TargetPremium   float64
}

// Kind implements Payload.
func (PositionOpenedPayload) Kind() EventType { return EventPositionOpened }

// PositionClosedPayload announces a fully closed position.
type PositionClosedPayload struct {
	PositionID             string
	ExitPremium            float64
	ExitReason             models.ExitReason
	RealizedPnL            float64
	RealizedPnLPct         float64
	HoldingDurationSeconds float64
}

// Kind implements Payload.
func (PositionClosedPayload) Kind() EventType { return EventPositionClosed }
