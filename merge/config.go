package merge

import (
	"fmt"
	"strings"

	"github.com/cantart/racemerge/dataset"
)

// Layer is a storage tier of the lake.
type Layer string

const (
	LayerRaw          Layer = "raw"
	LayerProcessed    Layer = "processed"
	LayerPresentation Layer = "presentation"
)

// Config is the process-wide storage configuration handed to a Coordinator.
type Config struct {
	// Catalog qualifies table names in logs and outcomes, e.g. "hive_metastore".
	Catalog string
	// Roots maps each layer to the storage root its tables live under.
	Roots map[Layer]string
}

// Location returns the storage path of a table in the given layer.
func (c Config) Location(layer Layer, table string) (string, error) {
	root, ok := c.Roots[layer]
	if !ok || root == "" {
		return "", fmt.Errorf("no storage root configured for layer %q", layer)
	}
	if table == "" {
		return "", fmt.Errorf("table name is required")
	}
	return strings.TrimRight(root, "/") + "/" + table, nil
}

// Target resolves the target of a table in the given layer.
func (c Config) Target(layer Layer, namespace, name string) (Target, error) {
	loc, err := c.Location(layer, name)
	if err != nil {
		return Target{}, err
	}
	return Target{Ident: dataset.Ident{Namespace: namespace, Name: name}, Location: loc}, nil
}

// Qualified returns catalog.namespace.name, or namespace.name without a catalog.
func (c Config) Qualified(id dataset.Ident) string {
	if c.Catalog == "" {
		return id.String()
	}
	return c.Catalog + "." + id.String()
}
