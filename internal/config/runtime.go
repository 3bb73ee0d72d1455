package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Runtime holds process-level settings read from CAREFLOW_* environment variables.
type Runtime struct {
	Addr          string        `envconfig:"ADDR" default:"127.0.0.1:8080"`
	BasePath      string        `envconfig:"BASE_PATH" default:"/v0"`
	JWTSecret     string        `envconfig:"JWT_SECRET"`
	DevLogin      bool          `envconfig:"DEV_LOGIN"`
	LegacyHeaders bool          `envconfig:"LEGACY_ACTOR_HEADER"`
	LogLevel      string        `envconfig:"LOG_LEVEL" default:"info"`
	LogDev        bool          `envconfig:"LOG_DEV"`
	Workers       int           `envconfig:"WORKERS" default:"8"`
	DispatchRate  float64       `envconfig:"DISPATCH_RATE" default:"10"`
	DispatchBurst int           `envconfig:"DISPATCH_BURST" default:"5"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"30s"`
	PollInterval  time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
	TickInterval  time.Duration `envconfig:"TICK_INTERVAL" default:"60s"`
	BridgeURL     string        `envconfig:"BRIDGE_URL"`
	BridgeToken   string        `envconfig:"BRIDGE_TOKEN"`
	BridgeTimeout time.Duration `envconfig:"BRIDGE_TIMEOUT" default:"30s"`

	Kafka KafkaRuntime `envconfig:"KAFKA"`
	Slack SlackRuntime `envconfig:"SLACK"`
}

type KafkaRuntime struct {
	Brokers string `envconfig:"BROKERS"`
	Topic   string `envconfig:"TOPIC" default:"careflow.retries"`
	GroupID string `envconfig:"GROUP_ID" default:"careflow-retry"`
}

func (k KafkaRuntime) Enabled() bool { return k.Brokers != "" }

type SlackRuntime struct {
	Token   string `envconfig:"TOKEN"`
	Channel string `envconfig:"CHANNEL"`
}

func (s SlackRuntime) Enabled() bool { return s.Token != "" && s.Channel != "" }

// LoadRuntime reads CAREFLOW_*, CAREFLOW_KAFKA_* and CAREFLOW_SLACK_* variables.
func LoadRuntime() (Runtime, error) {
	var rt Runtime
	if err := envconfig.Process("CAREFLOW", &rt); err != nil {
		return rt, fmt.Errorf("runtime config: %w", err)
	}
	if rt.Workers < 1 {
		rt.Workers = 1
	}
	return rt, nil
}
