package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/trading-core/internal/constant"
	"github.com/krobus00/trading-core/internal/entity"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const defaultBufferSize = 1024

// JetstreamSink publishes audit events to a JetStream stream. Emit never
// blocks: events buffer in a channel, and when the buffer is full the
// event is dropped and counted rather than stalling the caller.
type JetstreamSink struct {
	js      nats.JetStreamContext
	events  chan entity.AuditEvent
	dropped atomic.Uint64
	wg      sync.WaitGroup
	once    sync.Once
}

func NewJetstreamSink(js nats.JetStreamContext) *JetstreamSink {
	return &JetstreamSink{
		js:     js,
		events: make(chan entity.AuditEvent, defaultBufferSize),
	}
}

func (s *JetstreamSink) JetstreamEventInit(ctx context.Context) error {
	streamConfig := &nats.StreamConfig{
		Name:      constant.AuditStreamName,
		Subjects:  []string{constant.AuditStreamSubjectAll},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  1,
	}

	stream, err := s.js.StreamInfo(constant.AuditStreamName, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		logrus.Error(err)
		return err
	}

	if stream == nil {
		logrus.Infof("creating stream: %s", constant.AuditStreamName)
		_, err = s.js.AddStream(streamConfig, nats.Context(ctx))
		return err
	}

	logrus.Infof("updating stream: %s", constant.AuditStreamName)
	_, err = s.js.UpdateStream(streamConfig, nats.Context(ctx))
	if err != nil {
		logrus.Error(err)
		return err
	}

	return nil
}

// Start launches the background publisher. It returns immediately; the
// publisher drains until ctx is done.
func (s *JetstreamSink) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-s.events:
				s.publish(event)
			}
		}
	}()
}

func (s *JetstreamSink) Emit(event entity.AuditEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	select {
	case s.events <- event:
	default:
		dropped := s.dropped.Add(1)
		if dropped%100 == 1 {
			logrus.WithField("dropped_total", dropped).Warn("audit sink buffer full, dropping events")
		}
	}
}

// Dropped returns how many events were discarded due to a full buffer.
func (s *JetstreamSink) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *JetstreamSink) publish(event entity.AuditEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		logrus.Errorf("failed to marshal audit event: %v", err)
		return
	}

	// async publish keeps the sink off the hot path even under slow nats
	_, err = s.js.PublishAsync(subjectFor(event.Type), payload)
	if err != nil {
		logrus.Errorf("failed to publish audit event: %v", err)
	}
}

func subjectFor(eventType entity.AuditEventType) string {
	switch eventType {
	case entity.AuditRiskRejected, entity.AuditRiskClamped:
		return constant.AuditSubjectRisk
	case entity.AuditBotStarted, entity.AuditBotStopped, entity.AuditBotErrored:
		return constant.AuditSubjectBot
	case entity.AuditSignalEmitted, entity.AuditSignalExpired:
		return constant.AuditSubjectSignal
	default:
		return constant.AuditSubjectOrder
	}
}
