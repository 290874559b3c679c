package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
	envPrefix         = "SATTO_"
)

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// Path is an explicit config file; it must exist when set.
	Path string
	// WorkDir is where the upward search for satto.yaml and .env starts.
	WorkDir string
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// Load builds the configuration.
//
// Precedence (highest to lowest):
//  1. SATTO_* environment variables, "__" separating nested keys
//     (SATTO_AUTO_APPROVAL__MAX_REQUESTS -> auto_approval.max_requests)
//  2. SATTO_* entries of <workdir>/.env
//  3. The YAML file
//  4. Defaults
//
// Provider API keys left empty are then taken from ANTHROPIC_API_KEY,
// OPENAI_API_KEY and friends, again from the environment or .env.
//
// It returns the path of the file that was loaded, or "" when none was found.
func Load(opts LoadOptions) (*Config, string, error) {
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, "", fmt.Errorf("failed to get current directory: %w", err)
		}
		opts.WorkDir = wd
	}

	path := opts.Path
	if path == "" {
		found, err := FindConfigFile(opts.WorkDir, opts.Getenv)
		if err != nil {
			return nil, "", err
		}
		path = found
	}

	k := koanf.New(".")
	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, "", err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, "", fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	dotenv, err := readDotEnv(filepath.Join(opts.WorkDir, ".env"))
	if err != nil {
		return nil, "", err
	}
	for key, value := range dotenv {
		if !strings.HasPrefix(key, envPrefix) || opts.Getenv(key) != "" {
			continue
		}
		if err := k.Set(envKey(key), value); err != nil {
			return nil, "", fmt.Errorf("failed to apply %s from .env: %w", key, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, "", fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := GenerateDefault()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(cfg)
	applyKeyFallbacks(cfg, func(name string) string {
		if v := opts.Getenv(name); v != "" {
			return v
		}
		return dotenv[name]
	})

	return cfg, path, nil
}

// envKey maps SATTO_AUTO_APPROVAL__MAX_REQUESTS to auto_approval.max_requests.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// FindConfigFile searches up from dir for satto.yaml, then falls back to the
// user config directory. It returns "" when no file exists.
func FindConfigFile(dir string, getenv func(string) string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", dir, err)
	}

	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	if userDir := userConfigDir(getenv); userDir != "" {
		candidate := filepath.Join(userDir, "satto", "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

func userConfigDir(getenv func(string) string) string {
	if xdg := getenv("XDG_CONFIG_HOME"); xdg != "" {
		return xdg
	}
	if home := getenv("HOME"); home != "" {
		return filepath.Join(home, ".config")
	}
	return ""
}

// readConfigFile opens the file once and checks size and permissions on the
// open descriptor before reading it.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file %s rejected: %w", path, err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("is a directory")
	}
	// Skip on Windows (different permission model)
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0o022 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (must not be group or world writable)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

func readDotEnv(path string) (map[string]string, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return values, nil
}
