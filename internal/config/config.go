package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

var singleConfig *Config = nil

type Config struct {
	Service      *svcConfig
	Database     *DatabaseConfig
	Kubernetes   *KubernetesConfig
	Verification *VerificationConfig
	Events       *EventsConfig
}

// svcConfig.DrainTimeout bounds how long shutdown waits for running provisioning runs
// before aborting them into their rollback.
type svcConfig struct {
	Address      string        `envconfig:"PROVISIONER_ADDRESS" default:":8082"`
	LogLevel     string        `envconfig:"PROVISIONER_LOG_LEVEL" default:"info"`
	DrainTimeout time.Duration `envconfig:"PROVISIONER_DRAIN_TIMEOUT" default:"2m"`
}

// DatabaseConfig selects the inventory backend. Type is "pgsql" or "sqlite".
type DatabaseConfig struct {
	Type       string `envconfig:"DB_TYPE" default:"pgsql"`
	Hostname   string `envconfig:"DB_HOST" default:"localhost"`
	Port       string `envconfig:"DB_PORT" default:"5432"`
	Name       string `envconfig:"DB_NAME" default:"chutes"`
	User       string `envconfig:"DB_USER" default:"admin"`
	Password   string `envconfig:"DB_PASS" default:"adminpass"`
	SQLitePath string `envconfig:"DB_SQLITE_PATH" default:"provisioner.db"`
}

type KubernetesConfig struct {
	Kubeconfig   string        `envconfig:"KUBECONFIG"`
	Namespace    string        `envconfig:"KUBERNETES_NAMESPACE" default:"chutes"`
	Timeout      time.Duration `envconfig:"KUBERNETES_TIMEOUT" default:"30s"`
	ResyncPeriod time.Duration `envconfig:"KUBERNETES_RESYNC_PERIOD" default:"10m"`
}

// VerificationConfig controls the verification workload deployed onto every new node.
type VerificationConfig struct {
	Image             string        `envconfig:"VERIFICATION_IMAGE" default:"parachutes/graval-bootstrap:latest"`
	Port              int32         `envconfig:"VERIFICATION_PORT" default:"8000"`
	CPUPerGPU         int           `envconfig:"VERIFICATION_CPU_PER_GPU" default:"1"`
	MemoryPerGPU      int           `envconfig:"VERIFICATION_MEMORY_PER_GPU" default:"8"`
	PollInterval      time.Duration `envconfig:"VERIFICATION_POLL_INTERVAL" default:"5s"`
	ReadinessTimeout  time.Duration `envconfig:"VERIFICATION_READINESS_TIMEOUT" default:"15m"`
	DeviceInfoTimeout time.Duration `envconfig:"VERIFICATION_DEVICE_INFO_TIMEOUT" default:"30s"`
	ExternalAccess    bool          `envconfig:"VERIFICATION_EXTERNAL_ACCESS" default:"false"`
	ClusterDomain     string        `envconfig:"VERIFICATION_CLUSTER_DOMAIN" default:"cluster.local"`
}

// EventsConfig selects where server deletions are announced: "none", "nats" or "redis".
type EventsConfig struct {
	Backend      string        `envconfig:"EVENTS_BACKEND" default:"none"`
	NATSURL      string        `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	Timeout      time.Duration `envconfig:"NATS_TIMEOUT" default:"5s"`
	MaxReconnect int           `envconfig:"NATS_MAX_RECONNECT" default:"10"`
	RedisURL     string        `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	RedisChannel string        `envconfig:"REDIS_CHANNEL" default:"miner_events"`
}

func New() (*Config, error) {
	if singleConfig == nil {
		singleConfig = new(Config)
		if err := envconfig.Process("", singleConfig); err != nil {
			return nil, err
		}
	}
	return singleConfig, nil
}

// Load always re-reads the environment.
func Load() (*Config, error) {
	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
