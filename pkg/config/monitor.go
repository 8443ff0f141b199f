package config

import "time"

// MonitorConfig holds runtime configuration for the deployment monitor and
// the examctl CLI.
type MonitorConfig struct {
	APIBaseURL        string
	APIToken          string
	LogLevel          string
	RequestTimeout    time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	PollInterval      time.Duration
}

// LoadMonitorConfig constructs a MonitorConfig from environment variables.
func LoadMonitorConfig() MonitorConfig {
	return MonitorConfig{
		APIBaseURL:        GetString("EXAM_API_URL", "http://localhost:8000"),
		APIToken:          GetString("EXAM_API_TOKEN", ""),
		LogLevel:          GetString("LOG_LEVEL", "info"),
		RequestTimeout:    GetDuration("EXAM_REQUEST_TIMEOUT", 30*time.Second),
		ReconnectBase:     GetDuration("WS_RECONNECT_BASE", time.Second),
		ReconnectMax:      GetDuration("WS_RECONNECT_MAX", 30*time.Second),
		ReconnectAttempts: GetInt("WS_RECONNECT_ATTEMPTS", 10),
		HeartbeatInterval: GetDuration("WS_HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTimeout:  GetDuration("WS_HEARTBEAT_TIMEOUT", 10*time.Second),
		PollInterval:      GetDuration("DEPLOY_POLL_INTERVAL", 10*time.Second),
	}
}

// SimulatorConfig holds runtime configuration for the provisioning simulator.
type SimulatorConfig struct {
	Addr         string
	LogLevel     string
	ScenarioPath string
	RedisAddr    string
	RedisPass    string
	RedisDB      int
	StatusTTL    time.Duration
}

// LoadSimulatorConfig constructs a SimulatorConfig from environment variables.
// An empty RedisAddr selects the in-memory broker.
func LoadSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Addr:         GetString("SIMULATOR_ADDR", ":8000"),
		LogLevel:     GetString("LOG_LEVEL", "info"),
		ScenarioPath: GetString("SIMULATOR_SCENARIO", ""),
		RedisAddr:    GetString("SIMULATOR_REDIS_ADDR", ""),
		RedisPass:    GetString("SIMULATOR_REDIS_PASSWORD", ""),
		RedisDB:      GetInt("SIMULATOR_REDIS_DB", 0),
		StatusTTL:    GetDuration("SIMULATOR_STATUS_TTL", time.Hour),
	}
}
