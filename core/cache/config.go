package cache

import "time"

// Config holds Redis connection configuration.
type Config struct {
	// Enabled turns the cache on. When false lookups always miss.
	Enabled bool `mapstructure:"enabled" default:"false"`
	// Host is the redis host.
	Host string `mapstructure:"host" default:"localhost"`
	// Port is the redis port.
	Port int `mapstructure:"port" default:"6379"`
	// Password is the redis password.
	Password string `mapstructure:"password" default:""`
	// DB is the redis logical database.
	DB int `mapstructure:"db" default:"0"`
	// TTL is how long cached values live.
	TTL time.Duration `mapstructure:"ttl" default:"24h"`
	// Prefix namespaces every key.
	Prefix string `mapstructure:"prefix" default:"citation-capture"`
}
