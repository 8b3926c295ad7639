// Package broker publishes relationship change events (Cites, IsIdenticalTo) to Kafka.
//
// Events are JSON encoded and keyed by "source|target". Delivery is best effort;
// a failed write is returned to the caller so the unit of work can be redelivered.
package broker
