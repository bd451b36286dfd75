package source

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	kafka "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/evsnow/ingest/internal/model"
)

// KafkaConfig configures a KafkaProtocolSource against Event Hubs' Kafka-
// compatible endpoint (port 9093, SASL/PLAIN with user "$ConnectionString"
// and the event hub's connection string as the password). Reuses the
// teacher's own segmentio/kafka-go dependency (kernel/internal/audit.
// KafkaProducer) as an alternate consume-side transport.
type KafkaConfig struct {
	Brokers       []string // host:port, typically "<namespace>.servicebus.windows.net:9093"
	Topic         string   // event hub name
	ConsumerGroup string
	SASLUser      string // "$ConnectionString" for Event Hubs' Kafka endpoint
	SASLPassword  string // the Event Hub connection string
	ReceiveBatch  int
}

// KafkaProtocolSource consumes an Event Hub through its Kafka-compatible
// endpoint instead of the native AMQP protocol, using segmentio/kafka-go's
// low-level Reader with an explicit partition assignment (the Reader's
// consumer-group rebalancing is bypassed since partition assignment is
// driven by this pipeline's own mapping configuration, mirroring
// EventHubSource's direct-partition-client approach).
type KafkaProtocolSource struct {
	cfg KafkaConfig

	mu      sync.Mutex
	readers map[string]*kafka.Reader
	stopFns map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewKafkaProtocolSource constructs a KafkaProtocolSource. Call Start
// before Assign (Start is a no-op here since kafka.Reader connects lazily,
// kept for interface symmetry with EventHubSource).
func NewKafkaProtocolSource(cfg KafkaConfig) *KafkaProtocolSource {
	if cfg.ReceiveBatch <= 0 {
		cfg.ReceiveBatch = 100
	}
	return &KafkaProtocolSource{
		cfg:     cfg,
		readers: make(map[string]*kafka.Reader),
		stopFns: make(map[string]context.CancelFunc),
	}
}

func (s *KafkaProtocolSource) Start(ctx context.Context) error {
	if len(s.cfg.Brokers) == 0 {
		return fmt.Errorf("source: at least one broker required")
	}
	if s.cfg.Topic == "" {
		return fmt.Errorf("source: topic required")
	}
	return nil
}

func (s *KafkaProtocolSource) dialer() *kafka.Dialer {
	return &kafka.Dialer{
		SASLMechanism: plain.Mechanism{Username: s.cfg.SASLUser, Password: s.cfg.SASLPassword},
		TLS:           &tls.Config{},
	}
}

func (s *KafkaProtocolSource) PartitionIDs(ctx context.Context) ([]string, error) {
	conn, err := s.dialer().DialContext(ctx, "tcp", s.cfg.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("source: dial kafka broker: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(s.cfg.Topic)
	if err != nil {
		return nil, fmt.Errorf("source: read partitions: %w", err)
	}
	ids := make([]string, 0, len(partitions))
	for _, p := range partitions {
		ids = append(ids, fmt.Sprintf("%d", p.ID))
	}
	return ids, nil
}

func (s *KafkaProtocolSource) Assign(ctx context.Context, partitionID string, resumeAfterSequence int64, cb EventCallback) error {
	var partition int
	if _, err := fmt.Sscanf(partitionID, "%d", &partition); err != nil {
		return fmt.Errorf("source: invalid kafka partition id %q: %w", partitionID, err)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   s.cfg.Brokers,
		Topic:     s.cfg.Topic,
		Partition: partition,
		Dialer:    s.dialer(),
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	if resumeAfterSequence >= 0 {
		if err := reader.SetOffset(resumeAfterSequence + 1); err != nil {
			reader.Close()
			return fmt.Errorf("source: set offset: %w", err)
		}
	} else {
		if err := reader.SetOffset(kafka.FirstOffset); err != nil {
			reader.Close()
			return fmt.Errorf("source: set offset: %w", err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.readers[partitionID] = reader
	s.stopFns[partitionID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer reader.Close()
		s.receiveLoop(loopCtx, partitionID, reader, cb)
	}()
	return nil
}

func (s *KafkaProtocolSource) receiveLoop(ctx context.Context, partitionID string, reader *kafka.Reader, cb EventCallback) {
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		ev := model.Event{
			Body:           msg.Value,
			PartitionID:    partitionID,
			SequenceNumber: msg.Offset,
			EnqueuedAt:     msg.Time,
		}
		if len(msg.Headers) > 0 {
			props := make(map[string]any, len(msg.Headers))
			for _, h := range msg.Headers {
				props[h.Key] = string(h.Value)
			}
			ev.Properties = props
		}
		if err := cb(ctx, ev); err != nil {
			return
		}
	}
}

func (s *KafkaProtocolSource) Acknowledge(ctx context.Context, partitionID string, upTo int64) error {
	// The Kafka-protocol reader is used in explicit-offset mode, not
	// consumer-group mode, so there is no broker-side commit to perform;
	// resume points live entirely in this pipeline's own Checkpoint Store.
	return nil
}

func (s *KafkaProtocolSource) Stop(ctx context.Context) error {
	s.mu.Lock()
	for id, cancel := range s.stopFns {
		cancel()
		delete(s.stopFns, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}
