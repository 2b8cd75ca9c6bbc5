package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var secretsExtensions = []string{".yaml", ".yml", ".json", ".toml"}

// LoadWithSecrets is Load plus a secrets file layered between the config file and the
// environment, so broker connection strings and database URLs can live apart from config.yaml.
//
// The file is <prefix>_SECRETS_FILE when set, else secrets.<ext> beside the config file,
// else secrets.{yaml,yml,json,toml} in the working directory. The second return value holds
// only what the secrets file set and is meant for Redacted.
func (l *ViperLoader) LoadWithSecrets() (*Config, *Config, error) {
	return l.load(true)
}

func (l *ViperLoader) mergeSecrets(v *viper.Viper) (*Config, error) {
	path, err := l.secretsFilePath()
	if err != nil || path == "" {
		return nil, err
	}

	sv := viper.New()
	sv.SetConfigFile(path)
	if err := sv.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read secrets file %s: %w", path, err)
	}
	var only Config
	if err := sv.Unmarshal(&only); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secrets file %s: %w", path, err)
	}
	if err := v.MergeConfigMap(sv.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to merge secrets: %w", err)
	}
	return &only, nil
}

func (l *ViperLoader) secretsFilePath() (string, error) {
	envName := l.prefixedEnv("SECRETS_FILE")
	if raw, ok := os.LookupEnv(envName); ok {
		return explicitSecretsFile(envName, raw)
	}

	var candidates []string
	if l.configFile != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(l.configFile), "secrets"+filepath.Ext(l.configFile)))
	}
	for _, ext := range secretsExtensions {
		candidates = append(candidates, "secrets"+ext)
	}
	for _, candidate := range candidates {
		if isRegularFile(candidate) {
			return candidate, nil
		}
	}
	return "", nil
}

// explicitSecretsFile fails loudly: a secrets file named in the environment must exist.
func explicitSecretsFile(envName, raw string) (string, error) {
	path := strings.TrimSpace(raw)
	if path == "" {
		return "", fmt.Errorf("%s is set but empty", envName)
	}
	info, err := os.Stat(path)
	switch {
	case err != nil:
		return "", fmt.Errorf("%s points to an inaccessible file %s: %w", envName, path, err)
	case info.IsDir():
		return "", fmt.Errorf("%s must point to a file, got directory %s", envName, path)
	}
	return path, nil
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
