package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azeventhubs/v2"

	"github.com/evsnow/ingest/internal/model"
)

const receiveTimeout = 30 * time.Second

// EventHubConfig configures a native Azure Event Hubs source. Grounded on
// other_examples' azure.EventHubSource (felixnotka/audicia operator): same
// ConsumerClient construction (connection string or azidentity default
// credential), generalized from the Processor's load-balanced ownership
// model to direct per-partition clients, since partition assignment and
// resume points in this pipeline are owned by our own Checkpoint Store
// rather than an Event-Hubs-side blob checkpoint store.
type EventHubConfig struct {
	Namespace     string // fully qualified, e.g. "myns.servicebus.windows.net"
	EventHub      string
	ConsumerGroup string
	ConnectionStr string // if set, used instead of azidentity.DefaultAzureCredential
	ReceiveBatch  int    // events per ReceiveEvents call, default 100
}

// EventHubSource consumes an Event Hub's partitions directly over
// azeventhubs, opening one PartitionClient per assigned partition rather
// than the load-balanced Processor pattern (this pipeline assigns
// partitions itself, driven by its own Checkpoint Store).
type EventHubSource struct {
	cfg EventHubConfig

	mu      sync.Mutex
	client  *azeventhubs.ConsumerClient
	stopFns map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewEventHubSource constructs an EventHubSource. Call Start before Assign.
func NewEventHubSource(cfg EventHubConfig) *EventHubSource {
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = azeventhubs.DefaultConsumerGroup
	}
	if cfg.ReceiveBatch <= 0 {
		cfg.ReceiveBatch = 100
	}
	return &EventHubSource{cfg: cfg, stopFns: make(map[string]context.CancelFunc)}
}

func (s *EventHubSource) Start(ctx context.Context) error {
	var (
		client *azeventhubs.ConsumerClient
		err    error
	)
	if s.cfg.ConnectionStr != "" {
		client, err = azeventhubs.NewConsumerClientFromConnectionString(
			s.cfg.ConnectionStr, s.cfg.EventHub, s.cfg.ConsumerGroup, nil)
	} else {
		cred, credErr := azidentity.NewDefaultAzureCredential(nil)
		if credErr != nil {
			return fmt.Errorf("source: creating azure credential: %w", credErr)
		}
		client, err = azeventhubs.NewConsumerClient(
			s.cfg.Namespace, s.cfg.EventHub, s.cfg.ConsumerGroup, cred, nil)
	}
	if err != nil {
		return fmt.Errorf("source: creating event hub consumer client: %w", err)
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	return nil
}

func (s *EventHubSource) PartitionIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("source: not started")
	}
	props, err := client.GetEventHubProperties(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("source: get event hub properties: %w", err)
	}
	return props.PartitionIDs, nil
}

func (s *EventHubSource) Assign(ctx context.Context, partitionID string, resumeAfterSequence int64, cb EventCallback) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return fmt.Errorf("source: not started")
	}

	startPos := azeventhubs.StartPosition{Earliest: boolPtr(true)}
	if resumeAfterSequence >= 0 {
		seq := resumeAfterSequence
		startPos = azeventhubs.StartPosition{
			SequenceNumber: &seq,
			Inclusive:      false,
		}
	}

	pc, err := client.NewPartitionClient(partitionID, &azeventhubs.PartitionClientOptions{
		StartPosition: startPos,
	})
	if err != nil {
		return fmt.Errorf("source: open partition client %s: %w", partitionID, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.stopFns[partitionID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer pc.Close(context.Background())
		s.receiveLoop(loopCtx, pc, cb)
	}()
	return nil
}

func (s *EventHubSource) receiveLoop(ctx context.Context, pc *azeventhubs.PartitionClient, cb EventCallback) {
	for {
		if ctx.Err() != nil {
			return
		}
		receiveCtx, cancel := context.WithTimeout(ctx, receiveTimeout)
		events, err := pc.ReceiveEvents(receiveCtx, s.cfg.ReceiveBatch, nil)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Timeouts are expected when the partition is idle; keep polling.
			continue
		}
		for _, e := range events {
			ev := model.Event{
				Body:             e.Body,
				Properties:       e.ApplicationProperties,
				SystemProperties: e.SystemProperties,
				PartitionID:      pc.PartitionID(),
				SequenceNumber:   e.SequenceNumber,
				EnqueuedAt:       e.EnqueuedTime,
			}
			if err := cb(ctx, ev); err != nil {
				return
			}
		}
	}
}

func (s *EventHubSource) Acknowledge(ctx context.Context, partitionID string, upTo int64) error {
	// Resume points are owned by this pipeline's own Checkpoint Store
	// (internal/checkpoint), not by an Event-Hubs-side blob checkpoint
	// store, so there is nothing additional to persist here.
	return nil
}

func (s *EventHubSource) Stop(ctx context.Context) error {
	s.mu.Lock()
	for id, cancel := range s.stopFns {
		cancel()
		delete(s.stopFns, id)
	}
	client := s.client
	s.mu.Unlock()

	s.wg.Wait()
	if client != nil {
		return client.Close(ctx)
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }
