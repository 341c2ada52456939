// Package publisher forwards cycle results to NATS subjects.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nyct-live/tracker/internal/model"
)

// SubscriberID is the id the publisher registers under in the broadcast hub
const SubscriberID = "nats"

// replayTimeout bounds a replay triggered by a get_latest request
const replayTimeout = 10 * time.Second

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	NATSSetConnected(connected bool)
}

// Replayer re-delivers the latest cycle without polling
type Replayer interface {
	Replay(ctx context.Context, recipient string) (model.CycleResult, []error, error)
}

// conn is the part of *nats.Conn the publisher uses
type conn interface {
	Publish(subject string, data []byte) error
}

type NATSPublisher struct {
	nc      *nats.Conn
	pub     conn
	prefix  string
	metrics PublisherMetrics
	sub     *nats.Subscription
}

// ReplayRequest is the body of a get_latest message. An empty User replays to every subscriber.
type ReplayRequest struct {
	User string `json:"user"`
}

func NewNATSPublisher(url, prefix string, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("nyct-tracker"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("Publisher: nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("Publisher: nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("Publisher: nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return newPublisher(nc, nc, prefix, m), nil
}

func newPublisher(nc *nats.Conn, pub conn, prefix string, m PublisherMetrics) *NATSPublisher {
	return &NATSPublisher{nc: nc, pub: pub, prefix: subjectToken(prefix), metrics: m}
}

func (p *NATSPublisher) Close() {
	if p.sub != nil {
		p.sub.Unsubscribe()
	}
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// Subject returns the subject a payload type is published on, e.g. "nyct.train_status"
func (p *NATSPublisher) Subject(kind string) string {
	return fmt.Sprintf("%s.%s", p.prefix, subjectToken(kind))
}

// HandleCycle publishes the raw trip payload and the train status payload of r
func (p *NATSPublisher) HandleCycle(_ context.Context, r model.CycleResult) error {
	var errs []error
	for _, payload := range model.Payloads(r) {
		if err := p.publish(payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *NATSPublisher) publish(payload model.Payload) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", payload.Type, err)
	}
	err = p.pub.Publish(p.Subject(payload.Type), b)
	if p.metrics != nil {
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", payload.Type, err)
	}
	return nil
}

// ListenReplay answers get_latest requests by replaying the cached cycle through r
func (p *NATSPublisher) ListenReplay(ctx context.Context, r Replayer) error {
	sub, err := p.nc.Subscribe(p.Subject("get_latest"), func(msg *nats.Msg) {
		p.handleReplay(ctx, r, msg.Data, func(data []byte) {
			if msg.Reply != "" {
				msg.Respond(data)
			}
		})
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to replay requests: %w", err)
	}
	p.sub = sub
	log.Printf("Publisher: listening for replay requests on %s", sub.Subject)
	return nil
}

type replayResponse struct {
	OK        bool   `json:"ok"`
	Retrieval int64  `json:"retrieval,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (p *NATSPublisher) handleReplay(ctx context.Context, r Replayer, data []byte, respond func([]byte)) {
	var recipient string
	if len(data) > 0 {
		var req ReplayRequest
		if err := json.Unmarshal(data, &req); err != nil {
			log.Printf("Publisher: ignoring malformed replay request: %v", err)
			respond(mustJSON(replayResponse{Error: "malformed request"}))
			return
		}
		recipient = req.User
	}

	ctx, cancel := context.WithTimeout(ctx, replayTimeout)
	defer cancel()

	result, _, err := r.Replay(ctx, recipient)
	if err != nil {
		log.Printf("Publisher: replay to %q failed: %v", recipient, err)
		respond(mustJSON(replayResponse{Error: err.Error()}))
		return
	}
	respond(mustJSON(replayResponse{OK: true, Retrieval: result.Retrieval()}))
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
