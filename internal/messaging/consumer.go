package messaging

import (
	"context"
	"encoding/json"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/YSAWORK/events-api/config"
	"github.com/YSAWORK/events-api/internal/services"
)

const receiveBatchSize = 10

// Pipeline is the ingestion contract the consumer feeds
type Pipeline interface {
	IngestBatch(ctx context.Context, records []services.EventRecord) (*services.IngestResult, error)
}

// Consumer receives event batches from an Azure Service Bus queue and drives
// them through the ingestion pipeline. A message body is a JSON array of
// event objects, or a single object. Because the upsert is idempotent, an
// abandoned and redelivered message can only produce duplicates, never
// double-inserted rows.
type Consumer struct {
	client    *azservicebus.Client
	queueName string
	pipeline  Pipeline
}

// NewConsumer creates a new Service Bus consumer
func NewConsumer(cfg config.ServiceBusConfig, pipeline Pipeline) (*Consumer, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	return &Consumer{
		client:    client,
		queueName: cfg.QueueName,
		pipeline:  pipeline,
	}, nil
}

// Run receives and processes messages until the context is cancelled
func (c *Consumer) Run(ctx context.Context) error {
	receiver, err := c.client.NewReceiverForQueue(c.queueName, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create Service Bus receiver")
	}
	defer func() {
		if err := receiver.Close(context.Background()); err != nil {
			log.Error().Err(err).Msg("Error closing Service Bus receiver")
		}
	}()

	log.Info().Str("queue", c.queueName).Msg("Starting Service Bus consumer")

	for {
		messages, err := receiver.ReceiveMessages(ctx, receiveBatchSize, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "failed to receive messages")
		}

		for _, message := range messages {
			if err := c.processMessage(ctx, message); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to process message")
				if err := receiver.AbandonMessage(ctx, message, nil); err != nil {
					log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to abandon message")
				}
				continue
			}

			if err := receiver.CompleteMessage(ctx, message, nil); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to complete message")
			}
		}
	}
}

// processMessage decodes a message body and ingests its records
func (c *Consumer) processMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error {
	records, err := DecodeBatch(message.Body)
	if err != nil {
		return err
	}

	result, err := c.pipeline.IngestBatch(ctx, records)
	if err != nil {
		return err
	}

	log.Info().
		Str("message_id", message.MessageID).
		Int("inserted", len(result.Inserted)).
		Int("duplicates", len(result.Duplicates)).
		Int("invalid", len(result.Invalid)).
		Msg("Processed event batch message")
	return nil
}

// DecodeBatch parses a message body holding either a JSON array of event
// objects or a single event object.
func DecodeBatch(body []byte) ([]services.EventRecord, error) {
	var records []services.EventRecord
	if err := json.Unmarshal(body, &records); err == nil {
		return records, nil
	}

	var single services.EventRecord
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, errors.New("message body is not an event object or array")
	}
	return []services.EventRecord{single}, nil
}
