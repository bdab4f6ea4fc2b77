package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// proxyfabric configuration with environment overrides
// =============================================================================

// Config is the full configuration tree for one proxyfabric process. Every
// binary that takes a config file (proxy, rendezvous, worker) decodes the
// same YAML document and reads only the sections it needs; keygen reads
// none.
type Config struct {
	Listener    ListenerConfig    `yaml:"listener"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
	Invoker     InvokerConfig     `yaml:"invoker"`
	Queue       QueueConfig       `yaml:"queue"`
	Worker      WorkerManagerConfig `yaml:"worker_manager"`
	Rendezvous  RendezvousConfig  `yaml:"rendezvous"`
	MITM        MITMConfig        `yaml:"mitm"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	EventBus    EventBusConfig    `yaml:"event_bus"`
	Envelope    EnvelopeConfig    `yaml:"envelope"`
	Log         LogConfig         `yaml:"log"`
}

// ListenerConfig controls the local forward-proxy HTTP listener.
type ListenerConfig struct {
	Addr              string `yaml:"addr"`
	OverrideUserAgent bool   `yaml:"override_user_agent"`
}

// DispatcherConfig selects and configures which of the short-lived,
// long-lived, or hybrid dispatch paths handle a forwarded request, plus
// the stream path used for non-MITM CONNECT tunnels.
type DispatcherConfig struct {
	Mode             string   `yaml:"mode"` // "short", "long", or "hybrid"
	ShortLivedFuncs  []string `yaml:"short_lived_functions"`
	StreamFuncs      []string `yaml:"stream_functions"`
	MaxParallel      int64    `yaml:"max_parallel"`
	SubmitTimeoutSec int      `yaml:"submit_timeout_sec"`
}

// InvokerConfig controls how the short-lived dispatch path invokes a
// remote function over gRPC.
type InvokerConfig struct {
	Targets     map[string]string `yaml:"targets"` // function name -> gRPC address
	MaxParallel int64             `yaml:"max_parallel"`
}

// QueueConfig selects the task/result queue-pair backend.
type QueueConfig struct {
	Backend              string            `yaml:"backend"` // "memory" or "pubsub"
	VisibilityTimeoutSec int               `yaml:"visibility_timeout_sec"`
	PubSub               PubSubQueueConfig `yaml:"pubsub"`
}

type PubSubQueueConfig struct {
	ProjectID      string `yaml:"project_id"`
	TaskTopic      string `yaml:"task_topic"`
	TaskSub        string `yaml:"task_subscription"`
	ResultTopic    string `yaml:"result_topic"`
	ResultSub      string `yaml:"result_subscription"`
}

// WorkerManagerConfig controls the long-lived worker pool's spawn policy and
// the operational tunables a spawned worker enforces on itself while
// draining the task queue.
type WorkerManagerConfig struct {
	Function           string  `yaml:"function"`
	MaxWorkers         int     `yaml:"max_workers"`
	LoadFactor         float64 `yaml:"load_factor"`
	HandlerConcurrency int64   `yaml:"handler_concurrency"`
	// MinMillisRemaining is the remaining-lifetime budget below which a
	// worker exits voluntarily rather than risk being killed mid-task.
	MinMillisRemaining int `yaml:"min_millis_remaining"`
	// MaxQueuedRequests bounds how many tasks pulled in one receive batch a
	// worker processes concurrently.
	MaxQueuedRequests int `yaml:"max_queued_requests"`
	// MaxIdlePolls is the number of consecutive empty receives a worker
	// tolerates before exiting.
	MaxIdlePolls int `yaml:"max_idle_polls"`
	// MaxNumFragments caps how many pieces a result message is split into;
	// a response that would need more is offloaded to object storage
	// instead of fragmented.
	MaxNumFragments int `yaml:"max_num_fragments"`
	// MaxLifetimeSec is the wall-clock budget a spawned worker is given
	// before MinMillisRemaining starts counting down against it.
	MaxLifetimeSec int `yaml:"max_lifetime_sec"`
}

// RendezvousConfig controls the reverse-connection rendezvous server.
type RendezvousConfig struct {
	Addr                  string `yaml:"addr"`
	MessageTimeoutSec     int    `yaml:"message_timeout_sec"`
	ConnWaitTimeoutSec    int    `yaml:"conn_wait_timeout_sec"`
	ReapIntervalSec       int    `yaml:"reap_interval_sec"`
	DefaultIdleTimeoutSec int    `yaml:"default_idle_timeout_sec"`
}

// MITMConfig controls TLS interception for CONNECT tunnels.
type MITMConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CACertPath        string `yaml:"ca_cert_path"`
	CAKeyPath         string `yaml:"ca_key_path"`
	OverrideUserAgent bool   `yaml:"override_user_agent"`
}

// ObjectStoreConfig controls large-body offload storage.
type ObjectStoreConfig struct {
	Backend     string `yaml:"backend"` // "memory" or "supabase"
	Bucket      string `yaml:"bucket"`
	URL         string `yaml:"url"`
	ServiceKey  string `yaml:"service_key"`
	InlineLimit int    `yaml:"inline_limit_bytes"`
}

// EventBusConfig controls the worker-lifecycle event bus.
type EventBusConfig struct {
	Backend string `yaml:"backend"` // "local" or "redis"
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

// EnvelopeConfig names the RSA keypair used to seal/open short-lived
// dispatch payloads.
type EnvelopeConfig struct {
	PublicKeyPath  string `yaml:"public_key_path"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// LoadConfig loads config from a YAML file and applies environment
// variable overrides on top of it.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides on top of
// whatever the YAML file set.
func (c *Config) applyEnvOverrides() {
	// Listener
	c.Listener.Addr = getEnv("PROXYFABRIC_LISTENER_ADDR", c.Listener.Addr)
	c.Listener.OverrideUserAgent = getEnvBool("PROXYFABRIC_OVERRIDE_USER_AGENT", c.Listener.OverrideUserAgent)

	// Dispatcher
	c.Dispatcher.Mode = getEnv("PROXYFABRIC_DISPATCH_MODE", c.Dispatcher.Mode)
	if funcs := getEnv("PROXYFABRIC_SHORT_LIVED_FUNCTIONS", ""); funcs != "" {
		c.Dispatcher.ShortLivedFuncs = splitCSV(funcs)
	}
	if funcs := getEnv("PROXYFABRIC_STREAM_FUNCTIONS", ""); funcs != "" {
		c.Dispatcher.StreamFuncs = splitCSV(funcs)
	}
	if v := getEnvInt("PROXYFABRIC_MAX_PARALLEL", 0); v > 0 {
		c.Dispatcher.MaxParallel = int64(v)
	}
	if v := getEnvInt("PROXYFABRIC_SUBMIT_TIMEOUT_SEC", 0); v > 0 {
		c.Dispatcher.SubmitTimeoutSec = v
	}

	// Queue
	c.Queue.Backend = getEnv("PROXYFABRIC_QUEUE_BACKEND", c.Queue.Backend)
	if v := getEnvInt("PROXYFABRIC_VISIBILITY_TIMEOUT_SEC", 0); v > 0 {
		c.Queue.VisibilityTimeoutSec = v
	}
	c.Queue.PubSub.ProjectID = getEnv("GCP_PROJECT_ID", c.Queue.PubSub.ProjectID)

	// Worker manager
	c.Worker.Function = getEnv("PROXYFABRIC_WORKER_FUNCTION", c.Worker.Function)
	if v := getEnvInt("PROXYFABRIC_MAX_WORKERS", 0); v > 0 {
		c.Worker.MaxWorkers = v
	}
	if v := getEnvFloat("PROXYFABRIC_LOAD_FACTOR", 0); v > 0 {
		c.Worker.LoadFactor = v
	}
	if v := getEnvInt("PROXYFABRIC_HANDLER_CONCURRENCY", 0); v > 0 {
		c.Worker.HandlerConcurrency = int64(v)
	}
	// These four use the bare names spec'd as the worker's public
	// environment-variable interface, not the PROXYFABRIC_ prefix the rest
	// of this file uses for its own internal knobs.
	c.Worker.MinMillisRemaining = getEnvInt("MIN_MILLIS_REMAINING", c.Worker.MinMillisRemaining)
	c.Worker.MaxQueuedRequests = getEnvInt("MAX_QUEUED_REQUESTS", c.Worker.MaxQueuedRequests)
	c.Worker.MaxIdlePolls = getEnvInt("MAX_IDLE_POLLS", c.Worker.MaxIdlePolls)
	c.Worker.MaxNumFragments = getEnvInt("MAX_NUM_FRAGMENTS", c.Worker.MaxNumFragments)

	// Rendezvous
	c.Rendezvous.Addr = getEnv("PROXYFABRIC_RENDEZVOUS_ADDR", c.Rendezvous.Addr)
	if v := getEnvInt("PROXYFABRIC_MESSAGE_TIMEOUT_SEC", 0); v > 0 {
		c.Rendezvous.MessageTimeoutSec = v
	}
	if v := getEnvInt("PROXYFABRIC_CONN_WAIT_TIMEOUT_SEC", 0); v > 0 {
		c.Rendezvous.ConnWaitTimeoutSec = v
	}

	// MITM
	c.MITM.Enabled = getEnvBool("PROXYFABRIC_MITM_ENABLED", c.MITM.Enabled)
	c.MITM.CACertPath = getEnv("PROXYFABRIC_CA_CERT_PATH", c.MITM.CACertPath)
	c.MITM.CAKeyPath = getEnv("PROXYFABRIC_CA_KEY_PATH", c.MITM.CAKeyPath)

	// Object store
	c.ObjectStore.Backend = getEnv("PROXYFABRIC_OBJECT_STORE_BACKEND", c.ObjectStore.Backend)
	c.ObjectStore.Bucket = getEnv("PROXYFABRIC_OBJECT_STORE_BUCKET", c.ObjectStore.Bucket)
	c.ObjectStore.URL = getEnv("SUPABASE_URL", c.ObjectStore.URL)
	c.ObjectStore.ServiceKey = getEnv("SUPABASE_SERVICE_KEY", c.ObjectStore.ServiceKey)
	if v := getEnvInt("PROXYFABRIC_INLINE_LIMIT_BYTES", 0); v > 0 {
		c.ObjectStore.InlineLimit = v
	}

	// Event bus
	c.EventBus.Backend = getEnv("PROXYFABRIC_EVENT_BUS_BACKEND", c.EventBus.Backend)
	c.EventBus.Addr = getEnv("REDIS_ADDR", c.EventBus.Addr)

	// Envelope keys
	c.Envelope.PublicKeyPath = getEnv("PROXYFABRIC_PUBLIC_KEY_PATH", c.Envelope.PublicKeyPath)
	c.Envelope.PrivateKeyPath = getEnv("PROXYFABRIC_PRIVATE_KEY_PATH", c.Envelope.PrivateKeyPath)

	// Logging
	c.Log.Level = getEnv("PROXYFABRIC_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("PROXYFABRIC_LOG_FORMAT", c.Log.Format)
}

// applyDefaults fills in sensible defaults for zero-valued fields after
// YAML decoding and env overrides have both run.
func (c *Config) applyDefaults() {
	if c.Listener.Addr == "" {
		c.Listener.Addr = ":8888"
	}

	if c.Dispatcher.Mode == "" {
		c.Dispatcher.Mode = "hybrid"
	}
	if c.Dispatcher.MaxParallel == 0 {
		c.Dispatcher.MaxParallel = 32
	}
	if c.Dispatcher.SubmitTimeoutSec == 0 {
		c.Dispatcher.SubmitTimeoutSec = 10
	}

	if c.Queue.Backend == "" {
		c.Queue.Backend = "memory"
	}
	if c.Queue.VisibilityTimeoutSec == 0 {
		c.Queue.VisibilityTimeoutSec = 30
	}

	if c.Worker.MaxWorkers == 0 {
		c.Worker.MaxWorkers = 8
	}
	if c.Worker.LoadFactor == 0 {
		c.Worker.LoadFactor = 2.0
	}
	if c.Worker.HandlerConcurrency == 0 {
		c.Worker.HandlerConcurrency = 16
	}
	if c.Worker.MinMillisRemaining == 0 {
		c.Worker.MinMillisRemaining = 10000
	}
	if c.Worker.MaxQueuedRequests == 0 {
		c.Worker.MaxQueuedRequests = 8
	}
	if c.Worker.MaxIdlePolls == 0 {
		c.Worker.MaxIdlePolls = 10
	}
	if c.Worker.MaxNumFragments == 0 {
		c.Worker.MaxNumFragments = 32
	}
	if c.Worker.MaxLifetimeSec == 0 {
		c.Worker.MaxLifetimeSec = 15 * 60
	}

	if c.Rendezvous.Addr == "" {
		c.Rendezvous.Addr = ":8443"
	}
	if c.Rendezvous.MessageTimeoutSec == 0 {
		c.Rendezvous.MessageTimeoutSec = 5
	}
	if c.Rendezvous.ConnWaitTimeoutSec == 0 {
		c.Rendezvous.ConnWaitTimeoutSec = 5
	}
	if c.Rendezvous.ReapIntervalSec == 0 {
		c.Rendezvous.ReapIntervalSec = 1
	}
	if c.Rendezvous.DefaultIdleTimeoutSec == 0 {
		c.Rendezvous.DefaultIdleTimeoutSec = 30
	}

	if c.ObjectStore.Backend == "" {
		c.ObjectStore.Backend = "memory"
	}
	if c.ObjectStore.InlineLimit == 0 {
		c.ObjectStore.InlineLimit = 32 * 1024
	}

	if c.EventBus.Backend == "" {
		c.EventBus.Backend = "local"
	}
	if c.EventBus.Channel == "" {
		c.EventBus.Channel = "proxyfabric:events"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Duration helpers turn the YAML's integer-seconds fields into the
// time.Duration each package's Config actually wants.

func (c DispatcherConfig) SubmitTimeout() time.Duration {
	return time.Duration(c.SubmitTimeoutSec) * time.Second
}

func (c QueueConfig) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSec) * time.Second
}

func (c RendezvousConfig) MessageTimeout() time.Duration {
	return time.Duration(c.MessageTimeoutSec) * time.Second
}
func (c RendezvousConfig) ConnWaitTimeout() time.Duration {
	return time.Duration(c.ConnWaitTimeoutSec) * time.Second
}
func (c RendezvousConfig) ReapInterval() time.Duration {
	return time.Duration(c.ReapIntervalSec) * time.Second
}
func (c RendezvousConfig) DefaultIdleTimeout() time.Duration {
	return time.Duration(c.DefaultIdleTimeoutSec) * time.Second
}

// =============================================================================
// Helper functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
