package broker

import "time"

// Config holds Kafka producer configuration.
type Config struct {
	// Enabled turns on event emission. When false events are only written to the event log.
	Enabled bool `mapstructure:"enabled" default:"false"`
	// Brokers is the comma separated list of bootstrap brokers.
	Brokers []string `mapstructure:"brokers" default:"localhost:9092"`
	// Topic receives the relationship events.
	Topic string `mapstructure:"topic" default:"citation-relationships"`
	// BatchSize is the maximum number of messages per batch.
	BatchSize int `mapstructure:"batch_size" default:"1"`
	// BatchTimeout flushes incomplete batches.
	BatchTimeout time.Duration `mapstructure:"batch_timeout" default:"10ms"`
	// RequiredAcks is -1 (all), 0 (none) or 1 (leader).
	RequiredAcks int `mapstructure:"required_acks" default:"-1"`
	// Compression is one of snappy, gzip, lz4, zstd, none.
	Compression string `mapstructure:"compression" default:"snappy"`
}
