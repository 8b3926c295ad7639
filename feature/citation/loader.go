package citation

import (
	"citation-capture/core/snapshot"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Feature implements the loader.Feature interface.
type Feature struct {
	processor *Processor
	handler   *Handler
}

// NewFeature creates the citation registry feature.
func NewFeature(processor *Processor, namespaces *snapshot.Store, logger *zap.Logger) *Feature {
	return &Feature{processor: processor, handler: NewHandler(processor, namespaces, logger)}
}

// Name returns the name of the feature.
func (f *Feature) Name() string {
	return "citation"
}

// IsEnabled checks if the feature is enabled.
func (f *Feature) IsEnabled() bool {
	return f.processor != nil
}

// Load registers the feature's routes.
func (f *Feature) Load(app fiber.Router) error {
	f.handler.RegisterRoutes(app)
	return nil
}
