package extension

// Record pairs a stored extension configuration with whether it is
// currently enabled.
type Record struct {
	Enabled bool
	Config  Config
}

// ConfigManager is the external collaborator the extension manager
// queries to discover configured-but-not-loaded extensions, used by
// search_available_extensions.
type ConfigManager interface {
	GetAll() ([]Record, error)
	GetConfigByName(name string) (*Config, error)
}

// StaticConfigManager is an in-memory ConfigManager: sufficient for tests
// and for callers that load their extension list once at startup rather
// than from a live store (e.g. a database or file watcher).
type StaticConfigManager struct {
	records []Record
}

func NewStaticConfigManager(records []Record) *StaticConfigManager {
	return &StaticConfigManager{records: records}
}

func (m *StaticConfigManager) GetAll() ([]Record, error) {
	return m.records, nil
}

func (m *StaticConfigManager) GetConfigByName(name string) (*Config, error) {
	normalized := Normalize(name)
	for _, r := range m.records {
		if Normalize(r.Config.Key) == normalized {
			cfg := r.Config
			return &cfg, nil
		}
	}
	return nil, errNotFound
}
