package domain

import (
	outboxDomain "github.com/davicafu/ledgerrelay/internal/outbox/domain"
)

// DefaultQueue es la cola donde se publican los TransactionCreatedEvent.
const DefaultQueue = "transaction.created.queue"

func NewEventRegistry(queue string) outboxDomain.EventRegistry {
	if queue == "" {
		queue = DefaultQueue
	}
	route := outboxDomain.EventRoute{Queue: queue, CorrelationID: PeekCorrelationID}
	return outboxDomain.EventRegistry{
		TransactionCreatedEventType:      route,
		TransactionCreatedEventShortType: route,
	}
}
