package model

import "context"

// Emitter hands a record to the queue. It blocks while the queue is full
// and returns an error only when ctx is done or the record could not be
// journaled.
type Emitter func(ctx context.Context, rec Record) error

// Producer turns some input (files, stdin, a socket) into ordered records.
// Run blocks for the producer's lifetime and returns when ctx is done or
// the input is exhausted for good.
type Producer interface {
	Name() string
	Run(ctx context.Context, emit Emitter) error
}

// Controller is what control surfaces may do with the current consumer.
type Controller interface {
	Status() ConsumerStatus
	Pause()
	Resume()
	// Reconnect asks the consumer to invalidate its transport so the next
	// send reconnects.
	Reconnect()
}
