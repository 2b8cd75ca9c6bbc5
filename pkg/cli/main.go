// Package cli builds the dlq-replayer command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	yaml "go.yaml.in/yaml/v3"

	climigrate "github.com/nimburion/dlqreplay/pkg/cli/migrate"
	"github.com/nimburion/dlqreplay/pkg/config"
	"github.com/nimburion/dlqreplay/pkg/observability/logger"
	"github.com/nimburion/dlqreplay/pkg/version"
)

const (
	policiesAnnotationPrefix = "policies."
	defaultPolicyContext     = "run"
	defaultEnvPrefix         = "APP"
	logLevelFlag             = "log-level"
)

// CommandPolicy tells deployment tooling when a command is meant to run.
type CommandPolicy string

const (
	PolicyAlways    CommandPolicy = "always"
	PolicyRun       CommandPolicy = "run"
	PolicyOnce      CommandPolicy = "once"
	PolicyMigration CommandPolicy = "migration"
	PolicyScheduled CommandPolicy = "scheduled"
	PolicyOnDemand  CommandPolicy = "on_demand"
)

// CommandOptions configures the root command.
type CommandOptions struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string

	// Out receives command output. Defaults to os.Stdout.
	Out io.Writer

	// Dependencies overrides the adapters built from configuration. Zero fields use the defaults.
	Dependencies Dependencies
}

type globalFlags struct {
	configFile string
	envFile    string
	secretFile string
}

// NewRootCommand creates the CLI: serve (default), replay, scheduler, migrate, healthcheck,
// version and config.
func NewRootCommand(opts CommandOptions) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "dlq-replayer"
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = defaultEnvPrefix
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	opts.Dependencies = opts.Dependencies.withDefaults()

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(opts.Out)
	SetCommandPolicies(rootCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})

	flags := &globalFlags{}
	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config-file", "c", opts.ConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "dotenv file loaded before environment variables are read")
	rootCmd.PersistentFlags().StringVar(&flags.secretFile, "secret-file", "", "path to secrets file (sets <PREFIX>_SECRETS_FILE)")
	rootCmd.PersistentFlags().String(logLevelFlag, "", "log level override (debug, info, warn, error)")

	load := func(cmd *cobra.Command) (*config.Config, logger.Logger, error) {
		cfg, _, err := LoadConfig(LoadOptions{
			ConfigFile: flags.configFile,
			EnvFile:    flags.envFile,
			SecretFile: flags.secretFile,
			EnvPrefix:  opts.EnvPrefix,
			Flags:      cmd.Flags(),
		})
		if err != nil {
			return nil, nil, err
		}
		log, err := NewLogger(cfg)
		if err != nil {
			return nil, nil, err
		}
		logConfigIfDebug(log, cfg)
		return cfg, log, nil
	}

	rootCmd.AddCommand(newVersionCommand(opts))

	serveCmd := newServeCommand(opts, load)
	rootCmd.AddCommand(serveCmd)
	rootCmd.RunE = serveCmd.RunE

	rootCmd.AddCommand(newReplayCommand(opts, load))
	rootCmd.AddCommand(newSchedulerCommand(opts, load))
	rootCmd.AddCommand(newHealthcheckCommand(opts, load))

	migrateCmd := climigrate.NewCommand(opts.Name, func(cmd *cobra.Command) (*config.Config, logger.Logger, error) {
		return load(cmd)
	})
	SetCommandPolicies(migrateCmd, map[string]CommandPolicy{"migration": PolicyMigration})
	for _, sub := range migrateCmd.Commands() {
		policy := PolicyRun
		if sub.Name() == "down" {
			policy = PolicyOnce
		}
		SetCommandPolicies(sub, map[string]CommandPolicy{"migration": policy})
	}
	rootCmd.AddCommand(migrateCmd)

	rootCmd.AddCommand(newConfigCommand(opts, flags))

	rootCmd.CompletionOptions.DisableDefaultCmd = false
	rootCmd.InitDefaultCompletionCmd()
	for _, subCmd := range rootCmd.Commands() {
		ensureDefaultPolicy(subCmd)
	}
	return rootCmd
}

func newVersionCommand(opts CommandOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Current(opts.Name)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
		},
	}
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	return cmd
}

func newConfigCommand(opts CommandOptions, flags *globalFlags) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	SetCommandPolicies(configCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := LoadConfig(LoadOptions{
				ConfigFile: flags.configFile,
				EnvFile:    flags.envFile,
				SecretFile: flags.secretFile,
				EnvPrefix:  opts.EnvPrefix,
				Flags:      cmd.Flags(),
			}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}
	configCmd.AddCommand(validateCmd)

	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, secrets, err := LoadConfig(LoadOptions{
				ConfigFile: flags.configFile,
				EnvFile:    flags.envFile,
				SecretFile: flags.secretFile,
				EnvPrefix:  opts.EnvPrefix,
				Flags:      cmd.Flags(),
			})
			if err != nil {
				return err
			}
			settings := cfg.Redacted(secrets)
			if showSecrets {
				settings = cfg.Settings()
			}
			data, err := yaml.Marshal(settings)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show secret values")
	configCmd.AddCommand(showCmd)
	return configCmd
}

// LoadOptions locates the configuration sources.
type LoadOptions struct {
	ConfigFile string
	EnvFile    string
	SecretFile string
	EnvPrefix  string
	// Flags may carry --log-level.
	Flags *pflag.FlagSet
}

// LoadConfig loads and validates the configuration. The second value holds what the secrets
// file set, for redaction.
func LoadConfig(opts LoadOptions) (*config.Config, *config.Config, error) {
	envPrefix := resolveEnvPrefix(opts.EnvPrefix)
	if err := applySecretFileFlag(envPrefix, opts.SecretFile); err != nil {
		return nil, nil, err
	}

	loader := config.NewViperLoader(opts.ConfigFile, envPrefix).WithEnvFile(opts.EnvFile)
	if opts.Flags != nil && opts.Flags.Lookup(logLevelFlag) != nil {
		loader = loader.WithFlag(opts.Flags, logLevelFlag, "observability.log_level")
	}
	cfg, secrets, err := loader.LoadWithSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, secrets, nil
}

// NewLogger creates the zap logger described by the observability config.
func NewLogger(cfg *config.Config) (logger.Logger, error) {
	log, err := logger.NewZapLogger(logger.Config{
		Level:  logger.LogLevel(cfg.Observability.LogLevel),
		Format: logger.LogFormat(cfg.Observability.LogFormat),
	})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return log, nil
}

// SetCommandPolicies stores policies on the command annotations under the "policies." prefix.
func SetCommandPolicies(cmd *cobra.Command, policies map[string]CommandPolicy) {
	if cmd == nil {
		return
	}
	if cmd.Annotations == nil {
		cmd.Annotations = make(map[string]string)
	}
	for _, key := range policyAnnotationKeys(cmd.Annotations) {
		delete(cmd.Annotations, key)
	}
	for context, policy := range policies {
		trimmedContext := strings.TrimSpace(context)
		if trimmedContext == "" {
			continue
		}
		cmd.Annotations[policiesAnnotationPrefix+trimmedContext] = string(policy)
	}
}

// GetCommandPolicies returns command policies from annotations.
func GetCommandPolicies(cmd *cobra.Command) map[string]string {
	out := map[string]string{}
	if cmd == nil {
		return out
	}
	for key, value := range cmd.Annotations {
		if !strings.HasPrefix(key, policiesAnnotationPrefix) {
			continue
		}
		context := strings.TrimPrefix(key, policiesAnnotationPrefix)
		if strings.TrimSpace(context) == "" {
			continue
		}
		out[context] = value
	}
	return out
}

func ensureDefaultPolicy(cmd *cobra.Command) {
	if cmd == nil {
		return
	}
	if len(GetCommandPolicies(cmd)) == 0 {
		SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	}
}

func policyAnnotationKeys(annotations map[string]string) []string {
	keys := make([]string, 0, len(annotations))
	for key := range annotations {
		if strings.HasPrefix(key, policiesAnnotationPrefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(resolveEnvPrefix(envPrefix)+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return defaultEnvPrefix
	}
	return strings.ToUpper(trimmed)
}

func logConfigIfDebug(log logger.Logger, cfg *config.Config) {
	if log == nil || cfg == nil {
		return
	}
	if !strings.EqualFold(cfg.Observability.LogLevel, string(logger.DebugLevel)) {
		return
	}
	log.Debug("effective configuration", "config", cfg.Redacted(nil))
}

// Execute runs the command until SIGINT/SIGTERM cancel it and exits non-zero on error.
func Execute(cmd *cobra.Command) {
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

// ExitError carries a specific process exit code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }
