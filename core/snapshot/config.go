package snapshot

// Config holds configuration for the ingestion cycle.
type Config struct {
	// ChunkSize is the number of changes read per dispatch step. The cursor is
	// committed once a whole chunk is processed, so this also bounds how many
	// changes run in parallel. An iterator opened without a size reads one.
	ChunkSize int `mapstructure:"chunk_size" default:"200"`
	// Retain is how many namespaces are kept for continuity checks.
	Retain int `mapstructure:"retain" default:"3"`
	// BatchSize is the insert batch size for import and expansion.
	BatchSize int `mapstructure:"batch_size" default:"1000"`
	// RetryUnprocessed appends changes for rows the registry never reflected.
	RetryUnprocessed bool `mapstructure:"retry_unprocessed" default:"true"`
	// Archive uploads the compressed input file to object storage after a cycle.
	Archive bool `mapstructure:"archive" default:"false"`
	// WatchPath is the snapshot file checked by the schedule command.
	WatchPath string `mapstructure:"watch_path" default:""`
	// Schedule is the cron expression of the schedule command.
	Schedule string `mapstructure:"schedule" default:"@every 1h"`
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1
	}
	if c.Retain <= 0 {
		c.Retain = 3
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	return c
}
