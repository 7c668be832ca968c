// Package events fans settlement results out to interested consumers.
package events

import (
	"context"
	"errors"
	"time"
)

// Event types
const (
	TypeSettlementPass = "settlement.pass"
	TypeMarketTrade    = "trade.market"
)

// Event is a JSON-serialisable notification
type Event struct {
	Type    string    `json:"type"`
	Key     string    `json:"key,omitempty"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// New stamps an event with the current time
func New(eventType, key string, payload any) Event {
	return Event{Type: eventType, Key: key, Time: time.Now().UTC(), Payload: payload}
}

// Publisher delivers events
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi publishes to every publisher and joins their errors
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
