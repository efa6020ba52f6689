package internal

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

type MemoryConfig struct {
	Dedupe          bool   `yaml:"dedupe"`
	DedupeMethod    string `yaml:"dedupe_method"`
	DedupeThreshold int    `yaml:"dedupe_threshold"`
}

type IndexConfig struct {
	Parallel          bool     `yaml:"parallel"`
	ParallelWorkers   int      `yaml:"parallel_workers"`
	ParallelThreshold int      `yaml:"parallel_threshold"`
	MaxFileSize       string   `yaml:"max_file_size"`
	Extensions        []string `yaml:"extensions"`
	SkipDirs          []string `yaml:"skip_dirs"`
}

type RetrievalConfig struct {
	Adaptive      bool    `yaml:"adaptive"`
	TopK          int     `yaml:"top_k"`
	MinRelevancy  float64 `yaml:"min_relevancy"`
	SemanticIndex bool    `yaml:"semantic_index"`
	// ContextTokens is the default budget of `twin-mind context`.
	ContextTokens int `yaml:"context_tokens"`
}

const DefaultContextTokens = 4000

type PruneConfig struct {
	TagMode string `yaml:"tag_mode"`
	// Match combines --tag and --before: "any" removes an entry matching
	// either filter, "all" only one matching both.
	Match string `yaml:"match"`
}

type MaintenanceConfig struct {
	CodeMaxSize        string `yaml:"code_max_size"`
	MemoryMaxSize      string `yaml:"memory_max_size"`
	DecisionsMaxSize   string `yaml:"decisions_max_size"`
	BloatBytesPerFrame int64  `yaml:"bloat_bytes_per_frame"`
	SizeWarnings       bool   `yaml:"size_warnings"`
}

type EntitiesConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LockConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type Config struct {
	ShareMemories bool              `yaml:"share_memories"`
	LogLevel      string            `yaml:"log_level"`
	Memory        MemoryConfig      `yaml:"memory"`
	Index         IndexConfig       `yaml:"index"`
	Retrieval     RetrievalConfig   `yaml:"retrieval"`
	Prune         PruneConfig       `yaml:"prune"`
	Maintenance   MaintenanceConfig `yaml:"maintenance"`
	Entities      EntitiesConfig    `yaml:"entities"`
	Lock          LockConfig        `yaml:"lock"`
}

var DefaultExtensions = []string{
	".py", ".js", ".ts", ".tsx", ".jsx", ".go", ".rs", ".java",
	".c", ".cpp", ".h", ".hpp", ".cs", ".rb", ".php", ".swift",
	".kt", ".scala", ".vue", ".svelte", ".md", ".json", ".yaml",
	".yml", ".toml", ".sql", ".sh", ".bash", ".zsh", ".html",
	".css", ".scss", ".less", ".mdx", ".astro",
}

var DefaultSkipDirs = []string{
	"node_modules", ".git", "venv", ".venv", "__pycache__", "dist",
	"build", ".next", "target", ".cache", "coverage", ".turbo",
	"vendor", ".pytest_cache", ".mypy_cache", ".tox", "eggs",
	".eggs", BrainDirName,
}

func DefaultConfig() *Config {
	return &Config{
		ShareMemories: false,
		LogLevel:      "info",
		Memory: MemoryConfig{
			Dedupe:          true,
			DedupeMethod:    DedupeSimHash,
			DedupeThreshold: 3,
		},
		Index: IndexConfig{
			Parallel:          true,
			ParallelWorkers:   4,
			ParallelThreshold: 10,
			MaxFileSize:       "500KB",
			Extensions:        append([]string(nil), DefaultExtensions...),
			SkipDirs:          append([]string(nil), DefaultSkipDirs...),
		},
		Retrieval: RetrievalConfig{
			Adaptive:      true,
			TopK:          10,
			MinRelevancy:  0.5,
			SemanticIndex: true,
			ContextTokens: DefaultContextTokens,
		},
		Prune: PruneConfig{TagMode: TagModeAuto, Match: PruneMatchAny},
		Maintenance: MaintenanceConfig{
			CodeMaxSize:        "50MB",
			MemoryMaxSize:      "15MB",
			DecisionsMaxSize:   "5MB",
			BloatBytesPerFrame: 50000,
			SizeWarnings:       true,
		},
		Entities: EntitiesConfig{Enabled: true},
		Lock:     LockConfig{Timeout: 5 * time.Second},
	}
}

// LoadConfig overlays the scope's config file on top of the defaults.
func LoadConfig(scope Scope) (*Config, error) {
	path := scope.ConfigPath()

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(scope Scope, cfg *Config) error {
	path := scope.ConfigPath()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"index.max_file_size":            c.Index.MaxFileSize,
		"maintenance.code_max_size":      c.Maintenance.CodeMaxSize,
		"maintenance.memory_max_size":    c.Maintenance.MemoryMaxSize,
		"maintenance.decisions_max_size": c.Maintenance.DecisionsMaxSize,
	} {
		if _, err := humanize.ParseBytes(v); err != nil {
			return fmt.Errorf("parse config: %s: %w", name, err)
		}
	}
	switch c.Memory.DedupeMethod {
	case DedupeSimHash, DedupeEditDistance:
	default:
		return fmt.Errorf("parse config: unknown dedupe_method %q", c.Memory.DedupeMethod)
	}
	switch c.Prune.TagMode {
	case TagModeAuto, TagModeStructured, TagModeLegacy:
	default:
		return fmt.Errorf("parse config: unknown prune.tag_mode %q", c.Prune.TagMode)
	}
	if c.Retrieval.ContextTokens < 0 {
		return fmt.Errorf("parse config: retrieval.context_tokens must not be negative, got %d", c.Retrieval.ContextTokens)
	}
	switch c.Prune.Match {
	case "", PruneMatchAny, PruneMatchAll:
	default:
		return fmt.Errorf("parse config: unknown prune.match %q (want any or all)", c.Prune.Match)
	}
	return nil
}

// Workers returns the reader pool size, never below one.
func (c *Config) Workers() int {
	if c.Index.ParallelWorkers < 1 {
		return 1
	}
	return c.Index.ParallelWorkers
}

func (c *Config) MaxFileBytes() int64 {
	return parseSize(c.Index.MaxFileSize, 500*1000)
}

func (c *Config) LockTimeout() time.Duration {
	if c.Lock.Timeout <= 0 {
		return 5 * time.Second
	}
	return c.Lock.Timeout
}

// StoreLimits maps store names to their byte thresholds.
func (c *Config) StoreLimits() map[string]int64 {
	return map[string]int64{
		StoreCode:      parseSize(c.Maintenance.CodeMaxSize, 50*1000*1000),
		StoreMemory:    parseSize(c.Maintenance.MemoryMaxSize, 15*1000*1000),
		StoreDecisions: parseSize(c.Maintenance.DecisionsMaxSize, 5*1000*1000),
	}
}

func parseSize(s string, fallback int64) int64 {
	n, err := humanize.ParseBytes(s)
	if err != nil || n == 0 {
		return fallback
	}
	return int64(n)
}
