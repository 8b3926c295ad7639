package config

import (
	"reflect"
	"strings"

	"citation-capture/core/broker"
	"citation-capture/core/cache"
	"citation-capture/core/database"
	"citation-capture/core/logger"
	"citation-capture/core/reconcile"
	"citation-capture/core/resolver"
	"citation-capture/core/server"
	"citation-capture/core/snapshot"
	"citation-capture/core/storage"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
// It is divided into partial configurations for better modularity.
type Config struct {
	// Server holds configuration for the HTTP API.
	Server server.Config `mapstructure:"server"`
	// Storage holds configuration for the object storage used by the record sink and snapshot archive.
	Storage storage.Config `mapstructure:"storage"`
	// Log holds configuration for the logger.
	Log logger.Config `mapstructure:"log"`
	// Database holds configuration for the registry database.
	Database database.Config `mapstructure:"database"`
	// Broker holds configuration for the relationship event producer.
	Broker broker.Config `mapstructure:"broker"`
	// Cache holds configuration for the optional redis cache.
	Cache cache.Config `mapstructure:"cache"`
	// Snapshot holds configuration for the ingestion cycle.
	Snapshot snapshot.Config `mapstructure:"snapshot"`
	// Worker holds configuration for the task pool.
	Worker reconcile.Config `mapstructure:"worker"`
	// Resolver holds the endpoints of the external metadata collaborators.
	Resolver resolver.Config `mapstructure:"resolver"`
}

// LoadConfig loads configuration from environment variables and .env file.
func LoadConfig(path string) (*Config, error) {
	envPath := path + "/.env"
	if path == "." {
		envPath = ".env"
	}

	// Ignore error if file doesn't exist (e.g. production)
	_ = godotenv.Overload(envPath)

	v := viper.New()

	bindValues(v, Config{}, "")

	// Map environment variables to nested keys (e.g. DATABASE_HOST -> database.host)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// bindValues uses reflection to iterate over the struct and set default values in Viper
// based on the 'default' and 'mapstructure' tags.
func bindValues(v *viper.Viper, iface any, prefix string) {
	t := reflect.TypeOf(iface)

	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		if field.Type.Kind() == reflect.Struct {
			bindValues(v, reflect.New(field.Type).Elem().Interface(), key)
			continue
		}

		// Always set default (even if empty) to register the key for AutomaticEnv
		v.SetDefault(key, field.Tag.Get("default"))
	}
}
