package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimburion/dlqreplay/pkg/config"
	"github.com/nimburion/dlqreplay/pkg/eventbus"
	"github.com/nimburion/dlqreplay/pkg/eventbus/memory"
	"github.com/nimburion/dlqreplay/pkg/history"
	"github.com/nimburion/dlqreplay/pkg/observability/logger"
	"github.com/nimburion/dlqreplay/pkg/replay"
)

const testEnvPrefix = "DLQCLITEST"

func setTestEnv(t *testing.T, values map[string]string) {
	t.Helper()
	t.Setenv(testEnvPrefix+"_REPLAY_DESTINATION", "orders")
	t.Setenv(testEnvPrefix+"_REPLAY_SUBSCRIPTION", "billing")
	t.Setenv(testEnvPrefix+"_BROKER_TYPE", "memory")
	t.Setenv(testEnvPrefix+"_LOG_LEVEL", "error")
	for k, v := range values {
		t.Setenv(testEnvPrefix+"_"+k, v)
	}
}

type testHarness struct {
	broker  *memory.Broker
	history *history.MemoryStore
	out     *bytes.Buffer
	root    *cobra.Command
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		broker:  memory.NewBroker(),
		history: history.NewMemoryStore(10),
		out:     &bytes.Buffer{},
	}
	h.root = NewRootCommand(CommandOptions{
		Name:      "dlq-replayer",
		EnvPrefix: testEnvPrefix,
		Out:       h.out,
		Dependencies: Dependencies{
			NewBroker: func(context.Context, *config.Config, logger.Logger) (eventbus.Broker, error) {
				return h.broker, nil
			},
			NewHistoryStore: func(context.Context, *config.Config, logger.Logger) (history.Store, error) {
				return h.history, nil
			},
		},
	})
	return h
}

func (h *testHarness) run(args ...string) error {
	h.root.SetArgs(args)
	return h.root.ExecuteContext(context.Background())
}

func TestNewRootCommand_Tree(t *testing.T) {
	root := NewRootCommand(CommandOptions{})
	want := []string{"serve", "replay", "scheduler", "healthcheck", "migrate", "config", "version", "completion"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd == nil || cmd.Name() != name {
			t.Errorf("expected %q subcommand, got %v (err=%v)", name, cmd, err)
		}
	}
	for _, path := range [][]string{{"scheduler", "run"}, {"scheduler", "trigger"}, {"scheduler", "list"}, {"migrate", "up"}, {"migrate", "down"}, {"migrate", "status"}, {"config", "show"}, {"config", "validate"}} {
		if cmd, _, err := root.Find(path); err != nil || cmd.Name() != path[1] {
			t.Errorf("expected %v, got %v (err=%v)", path, cmd, err)
		}
	}
	if root.RunE == nil {
		t.Error("root command should default to serve")
	}
}

func TestNewRootCommand_Policies(t *testing.T) {
	root := NewRootCommand(CommandOptions{})

	tests := []struct {
		path    []string
		context string
		want    CommandPolicy
	}{
		{path: []string{"serve"}, context: "run", want: PolicyRun},
		{path: []string{"replay"}, context: "run", want: PolicyOnDemand},
		{path: []string{"scheduler", "run"}, context: "run", want: PolicyScheduled},
		{path: []string{"migrate"}, context: "migration", want: PolicyMigration},
		{path: []string{"migrate", "down"}, context: "migration", want: PolicyOnce},
		{path: []string{"migrate", "up"}, context: "migration", want: PolicyRun},
		{path: []string{"version"}, context: "run", want: PolicyAlways},
		{path: []string{"completion"}, context: "run", want: PolicyAlways},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.path, " "), func(t *testing.T) {
			cmd, _, err := root.Find(tt.path)
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if got := GetCommandPolicies(cmd)[tt.context]; got != string(tt.want) {
				t.Fatalf("policy %s = %q, want %q", tt.context, got, tt.want)
			}
		})
	}
}

func TestSetCommandPolicies_ReplacesPrevious(t *testing.T) {
	cmd := &cobra.Command{Use: "x", Annotations: map[string]string{"owner": "ops"}}
	SetCommandPolicies(cmd, map[string]CommandPolicy{"run": PolicyRun, " ": PolicyAlways})
	SetCommandPolicies(cmd, map[string]CommandPolicy{"migration": PolicyOnce})

	got := GetCommandPolicies(cmd)
	if len(got) != 1 || got["migration"] != string(PolicyOnce) {
		t.Fatalf("unexpected policies %v", got)
	}
	if cmd.Annotations["owner"] != "ops" {
		t.Fatal("non-policy annotations must be kept")
	}
}

func TestVersionCommand(t *testing.T) {
	h := newHarness(t)
	if err := h.run("version"); err != nil {
		t.Fatalf("version: %v", err)
	}
	for _, want := range []string{"Service:    dlq-replayer", "Version:", "Commit:", "Go:"} {
		if !strings.Contains(h.out.String(), want) {
			t.Errorf("expected %q in output:\n%s", want, h.out.String())
		}
	}
}

func TestReplayCommand_JSON(t *testing.T) {
	setTestEnv(t, nil)
	h := newHarness(t)

	now := time.Now().UTC()
	h.broker.DeadLetter("orders", "billing", eventbus.DeadLetteredMessage{
		Message:      eventbus.Message{ID: "recent", Body: []byte(`{"n":1}`)},
		EnqueuedTime: now.Add(-time.Hour),
	})
	h.broker.DeadLetter("orders", "billing", eventbus.DeadLetteredMessage{
		Message:      eventbus.Message{ID: "old", Body: []byte(`{"n":2}`)},
		EnqueuedTime: now.Add(-48 * time.Hour),
	})

	if err := h.run("replay", "--hours", "24", "--output", "json"); err != nil {
		t.Fatalf("replay: %v", err)
	}

	var summary replay.Summary
	if err := json.Unmarshal(h.out.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary %q: %v", h.out.String(), err)
	}
	if summary.Fetched != 2 || summary.Replayed != 1 || summary.Skipped != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	published := h.broker.Published("orders")
	if len(published) != 1 || published[0].ID != "recent" {
		t.Fatalf("expected only the recent message to be replayed, got %+v", published)
	}
	if published[0].Properties["x-retried-automatically"] != "true" {
		t.Errorf("expected retry marker, got %v", published[0].Properties)
	}

	runs, _ := h.history.List(context.Background(), 10)
	if len(runs) != 1 || runs[0].ID != summary.RunID {
		t.Errorf("expected the run to be recorded, got %+v", runs)
	}
}

func TestReplayCommand_Text(t *testing.T) {
	setTestEnv(t, nil)
	h := newHarness(t)

	if err := h.run("replay", "--hours", "1"); err != nil {
		t.Fatalf("replay: %v", err)
	}
	for _, want := range []string{"destination", "orders", "replayed", "fetched"} {
		if !strings.Contains(h.out.String(), want) {
			t.Errorf("expected %q in output:\n%s", want, h.out.String())
		}
	}
}

func TestReplayCommand_InvalidHours(t *testing.T) {
	setTestEnv(t, nil)
	h := newHarness(t)

	err := h.run("replay", "--hours", "0")
	var exitErr *ExitError
	if err == nil || !errors.As(err, &exitErr) || exitErr.Code != 2 {
		t.Fatalf("expected exit code 2, got %v", err)
	}
	if calls := h.broker.Calls(); calls != (memory.Calls{}) {
		t.Fatalf("expected no broker calls, got %+v", calls)
	}
}

func TestReplayCommand_RejectsOutput(t *testing.T) {
	setTestEnv(t, nil)
	h := newHarness(t)
	if err := h.run("replay", "--hours", "1", "--output", "xml"); err == nil || !strings.Contains(err.Error(), "unsupported --output") {
		t.Fatalf("expected output error, got %v", err)
	}
}

func TestHealthcheckCommand(t *testing.T) {
	setTestEnv(t, nil)
	h := newHarness(t)

	if err := h.run("healthcheck"); err != nil {
		t.Fatalf("healthcheck: %v\n%s", err, h.out.String())
	}
	if !strings.Contains(h.out.String(), `"name": "broker"`) {
		t.Errorf("expected broker check in output:\n%s", h.out.String())
	}
}

func TestHealthcheckCommand_BrokerDown(t *testing.T) {
	setTestEnv(t, nil)
	h := newHarness(t)
	_ = h.broker.Close()

	if err := h.run("healthcheck"); err == nil {
		t.Fatal("expected healthcheck to fail when the broker is closed")
	}
}

func TestSchedulerListCommand(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgFile, `
scheduler:
  tasks:
    - name: nightly
      schedule: "0 2 * * *"
      timezone: Europe/Rome
      hours_back: 24
`)
	setTestEnv(t, nil)
	h := newHarness(t)

	if err := h.run("scheduler", "list", "--config-file", cfgFile); err != nil {
		t.Fatalf("scheduler list: %v", err)
	}
	if !strings.Contains(h.out.String(), "nightly") || !strings.Contains(h.out.String(), "Europe/Rome") {
		t.Fatalf("unexpected output:\n%s", h.out.String())
	}
}

func TestSchedulerTriggerCommand(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgFile, `
scheduler:
  lock_provider: memory
  tasks:
    - name: hourly
      schedule: "@every 1h"
      hours_back: 2
`)
	setTestEnv(t, nil)
	h := newHarness(t)
	h.broker.DeadLetter("orders", "billing", eventbus.DeadLetteredMessage{
		Message:      eventbus.Message{ID: "m1", Body: []byte("x")},
		EnqueuedTime: time.Now().UTC().Add(-time.Hour),
	})

	if err := h.run("scheduler", "trigger", "hourly", "--config-file", cfgFile); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if got := len(h.broker.Published("orders")); got != 1 {
		t.Fatalf("expected 1 replayed message, got %d", got)
	}

	h.out.Reset()
	if err := h.run("scheduler", "trigger", "missing", "--config-file", cfgFile); err == nil {
		t.Fatal("expected unknown task to fail")
	}
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	setTestEnv(t, map[string]string{"BROKER_CONNECTION_STRING": "Endpoint=sb://example/;SharedAccessKey=abc"})
	h := newHarness(t)

	if err := h.run("config", "show"); err != nil {
		t.Fatalf("config show: %v", err)
	}
	out := h.out.String()
	if strings.Contains(out, "SharedAccessKey=abc") {
		t.Fatalf("secret leaked:\n%s", out)
	}
	if !strings.Contains(out, "connection_string: '***'") && !strings.Contains(out, `connection_string: "***"`) {
		t.Fatalf("expected masked connection string:\n%s", out)
	}

	h.out.Reset()
	if err := h.run("config", "show", "--show-secrets"); err != nil {
		t.Fatalf("config show --show-secrets: %v", err)
	}
	if !strings.Contains(h.out.String(), "SharedAccessKey=abc") {
		t.Fatalf("expected secret with --show-secrets:\n%s", h.out.String())
	}
}

func TestConfigValidate(t *testing.T) {
	setTestEnv(t, nil)
	h := newHarness(t)
	if err := h.run("config", "validate"); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(h.out.String(), "configuration is valid") {
		t.Fatalf("unexpected output %q", h.out.String())
	}

	t.Setenv(testEnvPrefix+"_REPLAY_DESTINATION", "")
	if err := h.run("config", "validate"); err == nil {
		t.Fatal("expected validation error without a destination")
	}
}

func TestLoadConfig_EnvFileAndLogLevelFlag(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	writeFile(t, envFile, testEnvPrefix+"_REPLAY_DESTINATION=from-dotenv\n"+testEnvPrefix+"_BROKER_TYPE=memory\n")

	root := NewRootCommand(CommandOptions{EnvPrefix: testEnvPrefix})
	if err := root.PersistentFlags().Parse([]string{"--log-level", "debug"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv(testEnvPrefix + "_REPLAY_DESTINATION"); os.Unsetenv(testEnvPrefix + "_BROKER_TYPE") })

	cfg, _, err := LoadConfig(LoadOptions{EnvFile: envFile, EnvPrefix: testEnvPrefix, Flags: root.PersistentFlags()})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Replay.Destination != "from-dotenv" {
		t.Errorf("expected destination from dotenv, got %q", cfg.Replay.Destination)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("expected log level flag to win, got %q", cfg.Observability.LogLevel)
	}
}

func TestApplySecretFileFlag(t *testing.T) {
	t.Setenv("DLQSECRET_SECRETS_FILE", "")
	if err := applySecretFileFlag("dlqsecret", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if err := applySecretFileFlag("dlqsecret", t.TempDir()); err == nil {
		t.Fatal("expected error for directory")
	}

	file := filepath.Join(t.TempDir(), "secrets.yaml")
	writeFile(t, file, "broker: {}\n")
	if err := applySecretFileFlag("dlqsecret", file); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := os.Getenv("DLQSECRET_SECRETS_FILE"); got != file {
		t.Fatalf("expected env to point to %s, got %s", file, got)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
