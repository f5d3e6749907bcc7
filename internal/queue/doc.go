// Package queue holds delivery records while the collector is unreachable.
//
// The queue is a bounded FIFO: when full, the oldest record is evicted to
// make room, so memory stays bounded during long outages at the cost of the
// stalest data. Replay happens in concurrent batches with an inter-batch
// delay, and stops the moment the guarding breaker reopens.
package queue
