// Package events distributes domain events to interested consumers.
//
// Services never publish directly: they append events to the store's
// transactional outbox, and the OutboxRelay forwards committed events
// to a Publisher. The in-process Broker is the default Publisher,
// fanning events out to channel subscribers.
package events
