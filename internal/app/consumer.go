package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/eksporyuk/affiliate-service/internal/domain"
)

// PurchaseEventConsumer ingests confirmed purchase events from the message
// broker. This is the asynchronous twin of the internal POST /conversions
// call; both paths converge on Service.RecordConversion, which is idempotent
// on the transaction id, so double ingestion is harmless.
type PurchaseEventConsumer struct {
	service *Service
}

func NewPurchaseEventConsumer(service *Service) *PurchaseEventConsumer {
	return &PurchaseEventConsumer{service: service}
}

// HandleMessage processes one broker delivery. Returning true acknowledges
// the message; false requeues it. Malformed payloads are acknowledged and
// dropped since redelivery cannot fix them.
func (c *PurchaseEventConsumer) HandleMessage(body []byte) bool {
	var event domain.PurchaseEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("purchase-consumer: failed to unmarshal payload: %v", err)
		return true
	}

	if event.TransactionID == "" {
		log.Printf("purchase-consumer: missing transaction id in event %+v", event)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := c.service.RecordConversion(ctx, event); err != nil {
		log.Printf("purchase-consumer: processing error for transaction %s: %v", event.TransactionID, err)
		return false
	}

	return true
}
