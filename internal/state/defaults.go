package state

// DefaultSettings is the user-settings document materialized when
// settings.json is absent.
func DefaultSettings() map[string]any {
	return map[string]any{
		"general": map[string]any{
			"theme":      "light",
			"language":   "en",
			"dateFormat": "2006-01-02",
		},
		"export": map[string]any{
			"defaultFormat": "pdf",
			"outputDir":     "",
			"overwrite":     false,
		},
		"vat": map[string]any{
			"defaultRate": 20.0,
			"rounding":    "half-up",
		},
	}
}

// DefaultModules is the modules document materialized when modules.json is
// absent. Paths are empty by default: a worker with no path stays disabled
// until the installation fills it in.
func DefaultModules() map[string]any {
	return map[string]any{
		"python": map[string]any{
			"enabled":       false,
			"path":          "",
			"maxConcurrent": 4,
		},
		"network": map[string]any{
			"enabled": false,
			"path":    "",
			"port":    0,
		},
		"native": map[string]any{
			"enabled": false,
			"path":    "",
		},
	}
}

// WorkerConfig is the typed view of one modules.json section the
// supervisor consumes.
type WorkerConfig struct {
	Name          string
	Enabled       bool
	Path          string
	MaxConcurrent int
	Port          int
}

// WorkerNames lists the workers the kernel knows how to route to, in
// stable order.
var WorkerNames = []string{"python", "network", "native"}

// Workers returns the typed per-worker configuration from the flat map.
func (s *State) Workers() []WorkerConfig {
	out := make([]WorkerConfig, 0, len(WorkerNames))
	for _, name := range WorkerNames {
		prefix := modulesPrefix + name + "."
		out = append(out, WorkerConfig{
			Name:          name,
			Enabled:       s.GetBool(prefix+"enabled", false),
			Path:          s.GetString(prefix+"path", ""),
			MaxConcurrent: s.GetInt(prefix+"maxConcurrent", 1),
			Port:          s.GetInt(prefix+"port", 0),
		})
	}
	return out
}
