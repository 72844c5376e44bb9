package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	goyaml "gopkg.in/yaml.v3"
)

// envPrefix namespaces environment overrides: STRAND_GATEWAY_PORT
// becomes gateway.port.
const envPrefix = "STRAND_"

var envVarPatterns = struct {
	withDefault *regexp.Regexp
	braced      *regexp.Regexp
}{
	withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
	braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
}

// expandEnvVars substitutes ${VAR} and ${VAR:-default} references.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})
	return envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		return os.Getenv(parts[1])
	})
}

// LoaderOptions configures config loading.
type LoaderOptions struct {
	// Path to the YAML config file. Empty loads defaults plus
	// environment overrides only.
	Path string
	// EnvFile is folded into the process environment before expansion.
	// Defaults to .env; a missing file is not an error.
	EnvFile string
	// OnChange is invoked with the re-parsed config when the watched
	// file changes. A reload that fails validation is dropped.
	OnChange func(*Config)
}

// Loader reads, layers, and watches the configuration.
type Loader struct {
	options LoaderOptions

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// NewLoader creates a loader.
func NewLoader(opts LoaderOptions) *Loader {
	if opts.EnvFile == "" {
		opts.EnvFile = ".env"
	}
	return &Loader{options: opts, stop: make(chan struct{})}
}

// Load produces a validated config: defaults, then the file, then
// STRAND_* environment overrides.
func (l *Loader) Load() (*Config, error) {
	if err := godotenv.Load(l.options.EnvFile); err == nil {
		slog.Debug("Loaded environment file", "path", l.options.EnvFile)
	}

	k := koanf.New(".")

	defaults := &Config{}
	defaults.SetDefaults()
	defaultsMap, err := toMap(defaults)
	if err != nil {
		return nil, fmt.Errorf("failed to build config defaults: %w", err)
	}
	if err := k.Load(confmap.Provider(defaultsMap, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load config defaults: %w", err)
	}

	if l.options.Path != "" {
		if err := k.Load(file.Provider(l.options.Path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", l.options.Path, err)
		}
		// Expand ${VAR} references in loaded string values.
		expanded := make(map[string]any)
		for key, value := range k.All() {
			if s, ok := value.(string); ok {
				if e := expandEnvVars(s); e != s {
					expanded[key] = e
				}
			}
		}
		if len(expanded) > 0 {
			if err := k.Load(confmap.Provider(expanded, "."), nil); err != nil {
				return nil, fmt.Errorf("failed to apply environment expansion: %w", err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyToPath), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Watch re-loads the config file on change and hands the result to
// OnChange. No-op when no path or no handler is configured.
func (l *Loader) Watch() error {
	if l.options.Path == "" || l.options.OnChange == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		return fmt.Errorf("config watcher already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	// Watch the directory; editors replace files rather than writing
	// in place, which drops a direct file watch.
	dir := filepath.Dir(l.options.Path)
	base := filepath.Base(l.options.Path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	l.watcher = watcher

	go l.watchLoop(watcher, base)
	slog.Info("Watching config file", "path", l.options.Path)
	return nil
}

func (l *Loader) watchLoop(watcher *fsnotify.Watcher, base string) {
	// Debounce bursts of events from editors that write in several
	// steps.
	var timer *time.Timer
	for {
		select {
		case <-l.stop:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(250*time.Millisecond, l.reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Config watcher error", "error", err)
		}
	}
}

func (l *Loader) reload() {
	cfg, err := l.Load()
	if err != nil {
		slog.Error("Config reload failed, keeping previous configuration", "error", err)
		return
	}
	slog.Info("Configuration reloaded", "path", l.options.Path)
	l.options.OnChange(cfg)
}

// Close stops the watcher.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	close(l.stop)
	err := l.watcher.Close()
	l.watcher = nil
	return err
}

// Dump renders the effective configuration as YAML.
func Dump(cfg *Config) ([]byte, error) {
	return goyaml.Marshal(cfg)
}

// toMap flattens a config struct through YAML so the defaults layer
// uses the same key names as the file.
func toMap(cfg *Config) (map[string]any, error) {
	raw, err := goyaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := goyaml.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return flattenMap("", m)
}

func flattenMap(prefix string, in map[string]any) (map[string]any, error) {
	out := make(map[string]any)
	for key, value := range in {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			flat, err := flattenMap(path, nested)
			if err != nil {
				return nil, err
			}
			for k, v := range flat {
				out[k] = v
			}
			continue
		}
		out[path] = value
	}
	return out, nil
}

// envKeyToPath maps STRAND_GATEWAY_PORT to gateway.port.
func envKeyToPath(key string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, envPrefix)), "_", ".")
}
