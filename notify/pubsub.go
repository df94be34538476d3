/*
Package notify forwards billing events to Google Cloud Pub/Sub.

PURPOSE:
  Subscribes to the engine's EventBus and publishes each event as a JSON
  message. Publishing happens off the caller's goroutine; failures are
  logged and never reach the engine.

MESSAGE FORMAT:
  Data:       JSON envelope {id, type, at, firmName, job|tally|firm|periods}
  Attributes: event_type, firm_name (when set)

SEE ALSO:
  - billing/events.go: Event types
*/
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"github.com/warp/claims-billing/billing"
	"google.golang.org/api/option"
)

const DefaultPublishTimeout = 10 * time.Second

// Publisher sends one message. TopicPublisher is the Pub/Sub implementation.
type Publisher interface {
	Publish(ctx context.Context, data []byte, attrs map[string]string) error
}

// =============================================================================
// PUB/SUB CLIENT
// =============================================================================

// NewClient opens a Pub/Sub client using ADC unless credentialsJSON is set.
func NewClient(ctx context.Context, projectID, credentialsJSON string) (*pubsub.Client, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, errors.New("pubsub project id is required")
	}
	var opts []option.ClientOption
	if strings.TrimSpace(credentialsJSON) != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	return client, nil
}

// TopicPublisher publishes to a single topic and waits for the server ack.
type TopicPublisher struct {
	topic *pubsub.Topic
}

func NewTopicPublisher(client *pubsub.Client, topicID string) *TopicPublisher {
	return &TopicPublisher{topic: client.Topic(topicID)}
}

func (p *TopicPublisher) Publish(ctx context.Context, data []byte, attrs map[string]string) error {
	res := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	_, err := res.Get(ctx)
	return err
}

// Stop flushes buffered messages.
func (p *TopicPublisher) Stop() {
	p.topic.Stop()
}

// =============================================================================
// NOTIFIER - EventBus subscriber
// =============================================================================

type Notifier struct {
	pub     Publisher
	log     logrus.FieldLogger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewNotifier(pub Publisher, log logrus.FieldLogger) *Notifier {
	return &Notifier{
		pub:     pub,
		log:     log.WithField("module", "notify"),
		timeout: DefaultPublishTimeout,
	}
}

// Attach subscribes the notifier to bus and returns the unsubscribe func.
func (n *Notifier) Attach(bus *billing.EventBus) func() {
	return bus.Subscribe(n.Handle)
}

// Handle publishes ev in the background.
func (n *Notifier) Handle(ev billing.Event) {
	data, attrs, err := encodeEvent(ev)
	if err != nil {
		n.log.WithError(err).WithField("event", ev.ID).Error("failed to encode event")
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()

		log := n.log.WithFields(logrus.Fields{"event": ev.ID, "type": ev.Type})
		if err := n.pub.Publish(ctx, data, attrs); err != nil {
			log.WithError(err).Warn("event publish failed")
			return
		}
		log.Debug("event published")
	}()
}

// Wait blocks until in-flight publishes finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

type envelope struct {
	ID       string                  `json:"id"`
	Type     billing.EventType       `json:"type"`
	At       time.Time               `json:"at"`
	FirmName string                  `json:"firmName,omitempty"`
	Job      *billing.Job            `json:"job,omitempty"`
	Tally    *billing.DailyTally     `json:"tally,omitempty"`
	Firm     *billing.FirmConfig     `json:"firm,omitempty"`
	Periods  []billing.BillingPeriod `json:"periods,omitempty"`
}

func encodeEvent(ev billing.Event) ([]byte, map[string]string, error) {
	data, err := json.Marshal(envelope{
		ID:       ev.ID,
		Type:     ev.Type,
		At:       ev.At,
		FirmName: ev.FirmName,
		Job:      ev.Job,
		Tally:    ev.Tally,
		Firm:     ev.Firm,
		Periods:  ev.Periods,
	})
	if err != nil {
		return nil, nil, err
	}

	attrs := map[string]string{"event_type": string(ev.Type)}
	if ev.FirmName != "" {
		attrs["firm_name"] = ev.FirmName
	}
	return data, attrs, nil
}
