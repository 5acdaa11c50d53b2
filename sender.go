package relay

import (
	"context"
	"time"

	"github.com/mailchannels/relay/backends"
	"github.com/mailchannels/relay/log"
)

// Sender is the outbound delivery loop. Each cycle drains the queued items,
// groups them by message and hands each message to the Deliverer; the
// per-recipient verdicts decide the queue state transitions.
type Sender struct {
	store     backends.Store
	deliverer MailSender
	interval  time.Duration
	log       log.Logger
	// nudge shortcuts the inter-cycle sleep when new mail is queued
	nudge chan struct{}
}

// MailSender is the delivery entry point the sender loop drives. *Deliverer
// implements it.
type MailSender interface {
	SendMail(ctx context.Context, reversePath string, forwardPaths []string, data []byte) []error
}

func NewSender(store backends.Store, deliverer MailSender, interval time.Duration, logger log.Logger) *Sender {
	return &Sender{
		store:     store,
		deliverer: deliverer,
		interval:  interval,
		log:       logger,
		nudge:     make(chan struct{}, 1),
	}
}

// Nudge asks the sender to start its next cycle early. Safe to call from any
// goroutine; a pending nudge is coalesced.
func (s *Sender) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Run executes cycles until the context is cancelled. Cycles never overlap.
func (s *Sender) Run(ctx context.Context) {
	for {
		s.cycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.interval):
		case <-s.nudge:
		}
	}
}

// cycle processes every queued outbound item once
func (s *Sender) cycle(ctx context.Context) {
	items, err := s.store.ListQueued()
	if err != nil {
		s.log.WithError(err).Error("Error listing outbound queue")
		return
	}
	if len(items) == 0 {
		return
	}

	// group queue items by the message they belong to, preserving the order
	// in which messages were first seen
	groups := make(map[string][]*backends.OutboundItem)
	var order []string
	for _, item := range items {
		if _, seen := groups[item.MessageID]; !seen {
			order = append(order, item.MessageID)
		}
		groups[item.MessageID] = append(groups[item.MessageID], item)
	}

	for _, messageID := range order {
		if ctx.Err() != nil {
			return
		}
		group := groups[messageID]
		msg, err := s.store.FetchMessage(messageID)
		if err != nil {
			s.log.WithError(err).Errorf("Error loading outbound message %s", messageID)
			continue
		}

		forwardPaths := make([]string, 0, len(group))
		for _, item := range group {
			forwardPaths = append(forwardPaths, item.ForwardPath)
			s.transition(item, backends.StateSending)
		}

		results := s.deliverer.SendMail(ctx, msg.ReturnPath, forwardPaths, msg.Data)

		for i, item := range group {
			s.transition(item, stateForResult(results[i]))
			if results[i] != nil {
				s.log.Warnf("Delivery of %s to %s: %s", messageID, item.ForwardPath, results[i])
			}
		}
	}
}

func (s *Sender) transition(item *backends.OutboundItem, state backends.State) {
	if err := s.store.UpdateItemState(item.ID, state); err != nil {
		s.log.WithError(err).Errorf("Error updating queue item %s", item.ID)
	}
}

// stateForResult maps a delivery verdict to the item's next queue state.
// Transient and connection faults leave the item queued for another cycle;
// everything else is final.
func stateForResult(result error) backends.State {
	if result == nil {
		return backends.StateSent
	}
	if de, ok := result.(*DeliverError); ok {
		switch de.Kind {
		case TransientError, ConnectionError:
			return backends.StateQueued
		}
	}
	return backends.StateFailed
}
