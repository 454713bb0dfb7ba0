package domain

// Program is a protocol ready for local execution: its source plus the
// resolved parameter and asset bindings.
type Program struct {
	ProtocolID string         `json:"protocolId" yaml:"protocol_id"`
	Name       string         `json:"name" yaml:"name"`
	Language   string         `json:"language" yaml:"language"`
	Source     string         `json:"source" yaml:"-"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters"`
	Assets     map[string]any `json:"assets,omitempty" yaml:"assets"`
}

// CatalogEntry describes an available protocol. It is read-only data owned by
// the catalog service.
type CatalogEntry struct {
	ProtocolID  string   `json:"protocolId" yaml:"protocol_id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description"`
	Modes       []string `json:"modes,omitempty" yaml:"modes"`
}
