package plugins

import (
	"sort"

	"github.com/gofiber/fiber/v2"
)

// Plugin is a unit of functionality main.go mounts on the fiber app
type Plugin interface {
	// Name returns the plugin identifier used in config.yaml
	Name() string

	// RegisterRoutes adds the plugin's HTTP routes to the app
	RegisterRoutes(app *fiber.App)

	// Shutdown stops background work and releases hardware
	Shutdown() error
}

// PluginFactory builds a plugin from its config section. config may be nil
// when the section is missing.
type PluginFactory func(config interface{}) (Plugin, error)

var registry = make(map[string]PluginFactory)

// Register adds a plugin factory to the registry
func Register(name string, factory PluginFactory) {
	registry[name] = factory
}

// Get retrieves a plugin factory by name
func Get(name string) (PluginFactory, bool) {
	factory, exists := registry[name]
	return factory, exists
}

// Names lists the registered plugins in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
