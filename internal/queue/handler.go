package queue

import (
	"context"
	"encoding/json"

	"github.com/rabbitmq/amqp091-go"

	"github.com/loomgraph/loom/internal/ingest"
	"github.com/loomgraph/loom/pkg/logger"
)

// IngestJob is the payload of ingest_queue messages.
type IngestJob struct {
	VectorStoreID string `json:"vector_store_id"`
	DocumentID    string `json:"document_id"`
	Text          string `json:"text"`
}

// DeleteJob is the payload of delete_queue messages.
type DeleteJob struct {
	VectorStoreID string `json:"vector_store_id"`
	DocumentID    string `json:"document_id"`
}

// Consume starts consuming both work queues and dispatches jobs to the
// ingest service. Failed jobs go to the retry queue; undecodable
// payloads go straight to the dead-letter queue. Blocks until ctx is
// done.
func Consume(ctx context.Context, ch *amqp091.Channel, svc *ingest.Service) error {
	ingestMsgs, err := ch.Consume(IngestQueue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	deleteMsgs, err := ch.Consume(DeleteQueue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ingestMsgs:
			if !ok {
				return nil
			}
			handleIngest(ctx, ch, svc, msg)
		case msg, ok := <-deleteMsgs:
			if !ok {
				return nil
			}
			handleDelete(ctx, ch, svc, msg)
		}
	}
}

func handleIngest(ctx context.Context, ch *amqp091.Channel, svc *ingest.Service, msg amqp091.Delivery) {
	var job IngestJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		logger.Error("[Queue] Undecodable ingest job, dead-lettering", "err", err)
		deadLetter(ch, IngestQueue, msg)
		return
	}

	if err := svc.Ingest(ctx, job.VectorStoreID, job.DocumentID, job.Text); err != nil {
		logger.Error("[Queue] Ingest job failed, scheduling retry",
			"document", job.DocumentID, "err", err)
		retry(ch, IngestQueue, msg)
		return
	}
	if err := msg.Ack(false); err != nil {
		logger.Warn("[Queue] Failed to ack ingest job", "err", err)
	}
}

func handleDelete(ctx context.Context, ch *amqp091.Channel, svc *ingest.Service, msg amqp091.Delivery) {
	var job DeleteJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		logger.Error("[Queue] Undecodable delete job, dead-lettering", "err", err)
		deadLetter(ch, DeleteQueue, msg)
		return
	}

	if err := svc.DeleteDocument(ctx, job.VectorStoreID, job.DocumentID); err != nil {
		logger.Error("[Queue] Delete job failed, scheduling retry",
			"document", job.DocumentID, "err", err)
		retry(ch, DeleteQueue, msg)
		return
	}
	if err := msg.Ack(false); err != nil {
		logger.Warn("[Queue] Failed to ack delete job", "err", err)
	}
}

func retry(ch *amqp091.Channel, queueName string, msg amqp091.Delivery) {
	if err := PublishFIFO(ch, queueName+"_retry", msg.Body); err != nil {
		logger.Error("[Queue] Failed to publish to retry queue", "queue", queueName, "err", err)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}

func deadLetter(ch *amqp091.Channel, queueName string, msg amqp091.Delivery) {
	if err := PublishFIFO(ch, queueName+"_dlq", msg.Body); err != nil {
		logger.Error("[Queue] Failed to publish to dead-letter queue", "queue", queueName, "err", err)
	}
	_ = msg.Ack(false)
}
