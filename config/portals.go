package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/hosterizer/portal-gateway/guard"
)

// portalFile is the on-disk shape of PORTALS_FILE
type portalFile struct {
	Portals []guard.PortalDescriptor `yaml:"portals" validate:"required,min=1,dive"`
}

var portalValidator = validator.New()

// LoadPortalTable builds the portal table. An empty path yields the default table.
func (c *GuardConfig) LoadPortalTable() (*guard.PortalTable, error) {
	if c.PortalsFile == "" {
		return guard.NewPortalTable(guard.DefaultPortals()...)
	}

	data, err := os.ReadFile(c.PortalsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read portals file: %w", err)
	}
	return ParsePortals(data)
}

// ParsePortals decodes and validates a YAML portal table
func ParsePortals(data []byte) (*guard.PortalTable, error) {
	var file portalFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse portals file: %w", err)
	}

	if err := portalValidator.Struct(file); err != nil {
		return nil, fmt.Errorf("invalid portals file: %w", err)
	}

	return guard.NewPortalTable(file.Portals...)
}
