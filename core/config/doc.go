// Package config provides configuration management for the citation capture service.
//
// It utilizes Viper for loading configuration from environment variables and an
// optional .env file. Defaults are declared next to each field with a `default` tag.
//
// # Configuration Structure
//
// The Config struct is divided into subsections:
//   - Server: HTTP API port and API key
//   - Database: registry database driver and connection details
//   - Storage: S3/MinIO credentials and bucket for sink records and snapshot archives
//   - Broker: Kafka brokers and topic for relationship events
//   - Cache: optional redis cache for canonical-code lookups
//   - Snapshot: ingestion cycle settings (chunk size, retention, schedule)
//   - Worker: task pool size and retry policy
//   - Resolver: external metadata endpoints and HTTP timeout
//   - Log: Logging level and format
//
// # Usage
//
//	cfg, err := config.LoadConfig(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Snapshot.ChunkSize)
package config
