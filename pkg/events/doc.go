/*
Package events provides an in-memory event broker for Catalyst's pub/sub
messaging.

The events package implements a lightweight event bus for broadcasting fleet
events to interested subscribers. It supports asynchronous delivery over
buffered channels, enabling loose coupling between the gateway, scheduler,
and alert engine for state changes, notifications, and monitoring.

# Architecture

The broker is a single fan-out loop with non-blocking delivery:

	┌──────────────────── EVENT BROKER ───────────────────────┐
	│                                                          │
	│  Publisher ──▶ Event Channel (buffer: 100)               │
	│                     │                                    │
	│                     ▼                                    │
	│               Broadcast Loop                             │
	│                     │                                    │
	│        ┌────────────┼────────────┐                       │
	│        ▼            ▼            ▼                       │
	│   Subscriber   Subscriber   Subscriber                   │
	│   (buffer 50)  (buffer 50)  (buffer 50)                  │
	│                                                          │
	│  Full subscriber buffers are skipped, never awaited.     │
	└──────────────────────────────────────────────────────────┘

A slow subscriber loses events rather than stalling the publisher; the
store remains the durable record, events are advisory.

# Event Types

The EventType constants define the fleet event vocabulary:

Server lifecycle:
  - server.state_changed: Status moved (metadata: server_id, from, to)
  - server.crashed: CRASHED applied (metadata: server_id, crash_count)
  - server.suspended: Suspension imposed on a server

Node liveness:
  - node.online: Agent admitted for the node
  - node.offline: Heartbeat timeout expired the agent

Operations:
  - task.run: Scheduled task dispatched
  - backup.completed: Backup archive recorded

Alerting:
  - alert.created: Rule triggered a new alert
  - alert.resolved: Alert closed by a user

# Usage

Creating and starting the broker:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

Publishing (timestamp is stamped when zero):

	broker.Publish(&events.Event{
		ID:      uuid.New().String(),
		Type:    events.EventNodeOnline,
		Message: "Node game-host-7 connected",
		Metadata: map[string]string{"node_id": node.ID},
	})

Subscribing:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for event := range sub {
		fmt.Println(event.Type, event.Message)
	}

Unsubscribe closes the channel, ending the range loop.

# Delivery Guarantees

  - At-most-once: A full subscriber buffer drops the event for that
    subscriber only.
  - Ordered per publisher: Events from one goroutine arrive in publish
    order.
  - Not durable: Events are in-memory; restart loses anything unread.

Consumers that need completeness (the alert engine, the metrics
collector) read the store on a timer instead of relying on events.

# Integration Points

This package integrates with:

  - pkg/gateway: Publishes node online/offline, server state, and
    backup completion events
  - pkg/alert: Publishes alert created/resolved events
  - cmd/catalyst: Owns broker lifecycle around all components
*/
package events
