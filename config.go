package docdigest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/docdigest/llm"
	"github.com/brunobiangulo/docdigest/retry"
	"github.com/brunobiangulo/docdigest/summarize"
)

// Config holds all configuration for the docdigest engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.docdigest/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set: "home" (default) uses ~/.docdigest/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// Model generates every summary. Image bundles need a provider that
	// accepts images.
	Model llm.Config `json:"model" yaml:"model"`

	// Embedding is optional; when set, stored summaries are embedded for
	// vector search.
	Embedding llm.Config `json:"embedding" yaml:"embedding"`

	Personas summarize.Personas `json:"personas" yaml:"personas"`

	// MaxPages drops text and table elements past this page. Values <= 0
	// disable the limit.
	MaxPages int `json:"max_pages" yaml:"max_pages"`

	// Backoff for rate-limited model calls.
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay    Duration `json:"max_delay" yaml:"max_delay"`
	Jitter      float64  `json:"jitter" yaml:"jitter"`

	// RequestsPerMinute paces model attempts across all batches. 0 disables
	// pacing.
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`

	// Generation settings shared by all content classes.
	Temperature     float64 `json:"temperature" yaml:"temperature"`
	MaxOutputTokens int     `json:"max_output_tokens" yaml:"max_output_tokens"`

	// ParallelStages runs the text, table and image batches concurrently.
	ParallelStages bool `json:"parallel_stages" yaml:"parallel_stages"`

	// SkipStore disables persistence; Process only returns results.
	SkipStore bool `json:"skip_store" yaml:"skip_store"`

	// Embedding dimensions (must match the embedding model)
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`
}

// DefaultConfig returns a Config matching the hosted Gemini setup.
// Database is stored in ~/.docdigest/docdigest.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:     "docdigest",
		StorageDir: "home",
		Model: llm.Config{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
		},
		Personas:        summarize.DefaultPersonas(),
		MaxPages:        100,
		MaxAttempts:     5,
		BaseDelay:       Duration(time.Second),
		Temperature:     1,
		MaxOutputTokens: 8192,
		EmbeddingDim:    768,
	}
}

// LoadConfig reads a JSON or YAML file over DefaultConfig. The format
// follows the file extension.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".json":
		err = json.Unmarshal(data, &cfg)
	default:
		return cfg, fmt.Errorf("%w: unknown config format %q", ErrInvalidConfig, filepath.Ext(path))
	}
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files (default ".env")
// without overriding ones already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from DOCDIGEST_* environment variables, then
// falls back to the well-known provider API key variables.
func (c *Config) ApplyEnv() error {
	str := map[string]*string{
		"DOCDIGEST_DB_PATH":        &c.DBPath,
		"DOCDIGEST_MODEL_PROVIDER": &c.Model.Provider,
		"DOCDIGEST_MODEL":          &c.Model.Model,
		"DOCDIGEST_MODEL_BASE_URL": &c.Model.BaseURL,
		"DOCDIGEST_MODEL_API_KEY":  &c.Model.APIKey,
		"DOCDIGEST_EMBED_PROVIDER": &c.Embedding.Provider,
		"DOCDIGEST_EMBED_MODEL":    &c.Embedding.Model,
		"DOCDIGEST_EMBED_BASE_URL": &c.Embedding.BaseURL,
		"DOCDIGEST_EMBED_API_KEY":  &c.Embedding.APIKey,
		"DOCDIGEST_TEXT_PERSONA":   &c.Personas.Text,
		"DOCDIGEST_TABLE_PERSONA":  &c.Personas.Table,
		"DOCDIGEST_IMAGE_PERSONA":  &c.Personas.Image,
	}
	for k, dst := range str {
		if v := os.Getenv(k); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"DOCDIGEST_MAX_PAGES":           &c.MaxPages,
		"DOCDIGEST_MAX_ATTEMPTS":        &c.MaxAttempts,
		"DOCDIGEST_REQUESTS_PER_MINUTE": &c.RequestsPerMinute,
		"DOCDIGEST_MAX_OUTPUT_TOKENS":   &c.MaxOutputTokens,
		"DOCDIGEST_EMBEDDING_DIM":       &c.EmbeddingDim,
	}
	for k, dst := range ints {
		if v := os.Getenv(k); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, k, v, err)
			}
			*dst = n
		}
	}

	durations := map[string]*Duration{
		"DOCDIGEST_BASE_DELAY": &c.BaseDelay,
		"DOCDIGEST_MAX_DELAY":  &c.MaxDelay,
	}
	for k, dst := range durations {
		if v := os.Getenv(k); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, k, v, err)
			}
			*dst = Duration(d)
		}
	}

	if v := os.Getenv("DOCDIGEST_PARALLEL_STAGES"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: DOCDIGEST_PARALLEL_STAGES=%q: %v", ErrInvalidConfig, v, err)
		}
		c.ParallelStages = b
	}

	// Fallback: check well-known provider env vars for API keys.
	c.Model.APIKey = providerKey(c.Model)
	c.Embedding.APIKey = providerKey(c.Embedding)
	return nil
}

func providerKey(cfg llm.Config) string {
	if cfg.APIKey != "" {
		return cfg.APIKey
	}
	switch cfg.Provider {
	case "gemini":
		return os.Getenv("GEMINI_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "groq":
		return os.Getenv("GROQ_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "xai":
		return os.Getenv("XAI_API_KEY")
	}
	return ""
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Model.Provider == "":
		return fmt.Errorf("%w: model provider is required", ErrInvalidConfig)
	case c.MaxAttempts < 0:
		return fmt.Errorf("%w: max_attempts must be >= 0", ErrInvalidConfig)
	case c.BaseDelay < 0 || c.MaxDelay < 0:
		return fmt.Errorf("%w: delays must be >= 0", ErrInvalidConfig)
	case c.Jitter < 0 || c.Jitter >= 1:
		return fmt.Errorf("%w: jitter must be in [0, 1)", ErrInvalidConfig)
	case c.RequestsPerMinute < 0:
		return fmt.Errorf("%w: requests_per_minute must be >= 0", ErrInvalidConfig)
	case !c.SkipStore && c.Embedding.Provider != "" && c.EmbeddingDim <= 0:
		return fmt.Errorf("%w: embedding_dim must be > 0", ErrInvalidConfig)
	}
	return nil
}

// retryPolicy builds the backoff policy from the config.
func (c *Config) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   time.Duration(c.BaseDelay),
		MaxDelay:    time.Duration(c.MaxDelay),
		Jitter:      c.Jitter,
	}
}

// personas fills empty personas with the defaults.
func (c *Config) personas() summarize.Personas {
	p := c.Personas
	d := summarize.DefaultPersonas()
	if p.Text == "" {
		p.Text = d.Text
	}
	if p.Table == "" {
		p.Table = d.Table
	}
	if p.Image == "" {
		p.Image = d.Image
	}
	return p
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "docdigest"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		return filepath.Join(home, ".docdigest", name+".db")
	}
}

// Duration is a time.Duration written as "1.5s" in JSON and YAML.
// Plain numbers are read as seconds.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(x * float64(time.Second))
	case int:
		*d = Duration(time.Duration(x) * time.Second)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}
