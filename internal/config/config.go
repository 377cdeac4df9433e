package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the typed view of the engine configuration. All values are
// resolved from viper after Load has been called.
type Config struct {
	// Sandbox backend selection: "container" (local Docker) or "remote"
	// (Kubernetes pods acting as a remote sandbox provider).
	SandboxBackend    string
	SandboxTemplateID string
	RemoteNamespace   string

	// Container backend settings.
	WorkspaceBasePath  string
	ContainerImage     string
	ContainerUID       int
	ContainerGID       int
	ContainerMemLimit  int64
	ContainerCPUShares int64

	// Fleet settings.
	WorkerConcurrency   int
	PerUserConcurrency  int
	QueueDepth          int
	OrphanSweepInterval time.Duration
	OrphanAgeThreshold  time.Duration
	DrainTimeout        time.Duration

	// Timeouts.
	TimeoutClone   time.Duration
	TimeoutAgent   time.Duration
	TimeoutCommand time.Duration
	TimeoutSandbox time.Duration

	// Store settings.
	StoreType string
	StoreDSN  string

	// Git identity used for commits made on behalf of agents.
	GitUserName  string
	GitUserEmail string

	MetricsPort int

	// Slack notifications (optional; disabled when the token is empty).
	SlackToken   string
	SlackChannel string
}

// Load initializes viper from an optional config file, .env, and the
// environment. Environment variables use the AICODE_ prefix, e.g.
// AICODE_WORKER_CONCURRENCY. Bare spec names such as SANDBOX_BACKEND are
// also honored through explicit binds.
func Load(cfgFile string) {
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("AICODE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Recognized bare environment variables (no prefix).
	for key, env := range map[string]string{
		"sandbox_backend":       "SANDBOX_BACKEND",
		"sandbox_template_id":   "SANDBOX_TEMPLATE_ID",
		"workspace_base_path":   "WORKSPACE_BASE_PATH",
		"container_uid":         "CONTAINER_UID",
		"container_gid":         "CONTAINER_GID",
		"container_mem_limit":   "CONTAINER_MEM_LIMIT",
		"container_cpu_shares":  "CONTAINER_CPU_SHARES",
		"worker_concurrency":    "WORKER_CONCURRENCY",
		"per_user_concurrency":  "PER_USER_CONCURRENCY",
		"orphan_sweep_interval": "ORPHAN_SWEEP_INTERVAL",
		"orphan_age_threshold":  "ORPHAN_AGE_THRESHOLD",
		"timeout_clone":         "TIMEOUT_CLONE",
		"timeout_agent":         "TIMEOUT_AGENT",
		"timeout_command":       "TIMEOUT_COMMAND",
		"timeout_sandbox":       "TIMEOUT_SANDBOX",
	} {
		_ = viper.BindEnv(key, "AICODE_"+env, env)
	}

	viper.SetDefault("sandbox_backend", "container")
	viper.SetDefault("sandbox_template_id", "")
	viper.SetDefault("remote_namespace", "default")
	viper.SetDefault("workspace_base_path", "/var/lib/aicode/workspaces")
	viper.SetDefault("container_image", "ghcr.io/aicode/sandbox:latest")
	viper.SetDefault("container_uid", 1000)
	viper.SetDefault("container_gid", 1000)
	viper.SetDefault("container_mem_limit", int64(2)<<30)
	viper.SetDefault("container_cpu_shares", 512)
	viper.SetDefault("worker_concurrency", 4)
	viper.SetDefault("per_user_concurrency", 2)
	viper.SetDefault("queue_depth", 100)
	viper.SetDefault("orphan_sweep_interval", "5m")
	viper.SetDefault("orphan_age_threshold", "2h")
	viper.SetDefault("drain_timeout", "30s")
	viper.SetDefault("timeout_clone", "60s")
	viper.SetDefault("timeout_agent", "5m")
	viper.SetDefault("timeout_command", "30s")
	viper.SetDefault("timeout_sandbox", "10m")
	viper.SetDefault("store_type", "sqlite")
	viper.SetDefault("store_dsn", ".aicode.db")
	viper.SetDefault("git_user_name", "AI Code Agent")
	viper.SetDefault("git_user_email", "agent@aicode.local")
	viper.SetDefault("metrics_port", 2112)
	viper.SetDefault("slack_token", "")
	viper.SetDefault("slack_channel", "#ai-code-tasks")

	_ = viper.ReadInConfig()
}

// FromViper builds the typed Config from the current viper state.
func FromViper() Config {
	return Config{
		SandboxBackend:      viper.GetString("sandbox_backend"),
		SandboxTemplateID:   viper.GetString("sandbox_template_id"),
		RemoteNamespace:     viper.GetString("remote_namespace"),
		WorkspaceBasePath:   viper.GetString("workspace_base_path"),
		ContainerImage:      viper.GetString("container_image"),
		ContainerUID:        viper.GetInt("container_uid"),
		ContainerGID:        viper.GetInt("container_gid"),
		ContainerMemLimit:   viper.GetInt64("container_mem_limit"),
		ContainerCPUShares:  viper.GetInt64("container_cpu_shares"),
		WorkerConcurrency:   viper.GetInt("worker_concurrency"),
		PerUserConcurrency:  viper.GetInt("per_user_concurrency"),
		QueueDepth:          viper.GetInt("queue_depth"),
		OrphanSweepInterval: viper.GetDuration("orphan_sweep_interval"),
		OrphanAgeThreshold:  viper.GetDuration("orphan_age_threshold"),
		DrainTimeout:        viper.GetDuration("drain_timeout"),
		TimeoutClone:        viper.GetDuration("timeout_clone"),
		TimeoutAgent:        viper.GetDuration("timeout_agent"),
		TimeoutCommand:      viper.GetDuration("timeout_command"),
		TimeoutSandbox:      viper.GetDuration("timeout_sandbox"),
		StoreType:           viper.GetString("store_type"),
		StoreDSN:            viper.GetString("store_dsn"),
		GitUserName:         viper.GetString("git_user_name"),
		GitUserEmail:        viper.GetString("git_user_email"),
		MetricsPort:         viper.GetInt("metrics_port"),
		SlackToken:          viper.GetString("slack_token"),
		SlackChannel:        viper.GetString("slack_channel"),
	}
}
