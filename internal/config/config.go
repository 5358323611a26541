package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Worker     WorkerConfig
	DB         DatabaseConfig
	Logging    LoggingConfig
	Dispatch   DispatchConfig
	Escalation EscalationConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type WorkerConfig struct {
	Count      int
	BufferSize int
}

type DatabaseConfig struct {
	Path string
}

type LoggingConfig struct {
	Level string
}

type DispatchConfig struct {
	MaxRetries  int           // send tries per channel before the attempt fails
	BackoffBase time.Duration // first retry delay, doubled per retry
	DedupTTL    time.Duration // how long a delivery result is remembered
	MaxSeq      int           // attempt-sequence cap per (incident, responder, channel)
}

// EscalationLevel is one rung of the ladder. The ladder is static
// configuration; incidents only record which rung they are executing.
type EscalationLevel struct {
	Candidates      int           // how many candidates to notify at this level
	RadiusKm        float64       // search radius for the geo matcher
	Channels        []string      // channels allowed at this level
	Wait            time.Duration // base wait before escalating, scaled by urgency
	ReuseResponders bool          // allow re-contacting prior responders on a new channel
}

type EscalationConfig struct {
	Levels            []EscalationLevel
	RejectThreshold   int           // rejections at a level that force early escalation
	TimerPollInterval time.Duration // cadence of the persisted-timer loop
	// Wait multipliers by urgency. Critical incidents get compressed windows.
	WaitScale map[string]float64
}

var validChannels = map[string]bool{
	"sms": true, "whatsapp": true, "email": true, "push": true, "voice": true,
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "localhost"),
			Port: getEnvInt("SERVER_PORT", 8080),
		},
		Worker: WorkerConfig{
			Count:      getEnvInt("WORKER_COUNT", 4),
			BufferSize: getEnvInt("WORKER_BUFFER_SIZE", 64),
		},
		DB: DatabaseConfig{
			Path: getEnv("DB_PATH", "./data/rescue-dispatch.db"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Dispatch: DispatchConfig{
			MaxRetries:  getEnvInt("DISPATCH_MAX_RETRIES", 3),
			BackoffBase: getEnvDuration("DISPATCH_BACKOFF_BASE", time.Second),
			DedupTTL:    getEnvDuration("DISPATCH_DEDUP_TTL", time.Hour),
			MaxSeq:      getEnvInt("DISPATCH_MAX_SEQ", 3),
		},
		Escalation: EscalationConfig{
			Levels:            loadLadder(),
			RejectThreshold:   getEnvInt("ESCALATION_REJECT_THRESHOLD", 3),
			TimerPollInterval: getEnvDuration("ESCALATION_TIMER_POLL", time.Second),
			WaitScale: map[string]float64{
				"low":      getEnvFloat("ESCALATION_WAIT_SCALE_LOW", 1.0),
				"medium":   getEnvFloat("ESCALATION_WAIT_SCALE_MEDIUM", 1.0),
				"high":     getEnvFloat("ESCALATION_WAIT_SCALE_HIGH", 0.5),
				"critical": getEnvFloat("ESCALATION_WAIT_SCALE_CRITICAL", 0.25),
			},
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadLadder reads the escalation ladder from the environment. The default
// ladder notifies the 3 nearest responders, then widens to 10 more with
// re-contact allowed, then calls the top candidate in a doubled radius.
func loadLadder() []EscalationLevel {
	count := getEnvInt("ESCALATION_LEVELS", 3)
	defaults := []EscalationLevel{
		{Candidates: 3, RadiusKm: 10, Channels: []string{"sms", "whatsapp", "push", "email"}, Wait: 2 * time.Minute},
		{Candidates: 10, RadiusKm: 10, Channels: []string{"sms", "whatsapp", "push", "email"}, Wait: 3 * time.Minute, ReuseResponders: true},
		{Candidates: 1, RadiusKm: 20, Channels: []string{"voice"}, Wait: 5 * time.Minute, ReuseResponders: true},
	}

	levels := make([]EscalationLevel, 0, count)
	for i := 1; i <= count; i++ {
		def := EscalationLevel{Candidates: 5, RadiusKm: 10, Channels: []string{"sms"}, Wait: 2 * time.Minute}
		if i <= len(defaults) {
			def = defaults[i-1]
		}
		prefix := fmt.Sprintf("ESCALATION_L%d_", i)
		levels = append(levels, EscalationLevel{
			Candidates:      getEnvInt(prefix+"CANDIDATES", def.Candidates),
			RadiusKm:        getEnvFloat(prefix+"RADIUS_KM", def.RadiusKm),
			Channels:        getEnvList(prefix+"CHANNELS", def.Channels),
			Wait:            getEnvDuration(prefix+"WAIT", def.Wait),
			ReuseResponders: getEnvBool(prefix+"REUSE_RESPONDERS", def.ReuseResponders),
		})
	}
	return levels
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Worker.Count < 1 {
		return fmt.Errorf("worker count must be at least 1")
	}
	if c.Dispatch.MaxRetries < 1 {
		return fmt.Errorf("dispatch max retries must be at least 1")
	}
	if c.Dispatch.MaxSeq < 1 {
		return fmt.Errorf("dispatch max seq must be at least 1")
	}
	if c.Escalation.RejectThreshold < 1 {
		return fmt.Errorf("reject threshold must be at least 1")
	}
	if c.Escalation.TimerPollInterval <= 0 {
		return fmt.Errorf("timer poll interval must be positive")
	}

	if len(c.Escalation.Levels) == 0 {
		return fmt.Errorf("escalation ladder must have at least one level")
	}
	for i, lvl := range c.Escalation.Levels {
		if lvl.Candidates < 1 {
			return fmt.Errorf("escalation level %d: candidates must be at least 1", i+1)
		}
		if lvl.RadiusKm <= 0 {
			return fmt.Errorf("escalation level %d: radius must be positive", i+1)
		}
		if lvl.Wait <= 0 {
			return fmt.Errorf("escalation level %d: wait must be positive", i+1)
		}
		if len(lvl.Channels) == 0 {
			return fmt.Errorf("escalation level %d: at least one channel required", i+1)
		}
		for _, ch := range lvl.Channels {
			if !validChannels[ch] {
				return fmt.Errorf("escalation level %d: unknown channel %q", i+1, ch)
			}
		}
	}

	for urgency, scale := range c.Escalation.WaitScale {
		if scale <= 0 {
			return fmt.Errorf("wait scale for %s must be positive", urgency)
		}
	}

	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
