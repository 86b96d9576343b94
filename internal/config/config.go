// Package config provides configuration types and loading for chatscribe.
package config

// Config is the root configuration struct.
// Top-level groups: Paths, Sessions, Notify, Gateway, Retention.
// The env tags spell out full variable names: envconfig builds nested-field
// keys from the struct path, so a short tag here would resolve to
// CHATSCRIBE_GATEWAY_* instead of the documented CHATSCRIBE_* set.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Sessions  SessionsConfig  `json:"sessions"`
	Notify    NotifyConfig    `json:"notify"`
	Gateway   GatewayConfig   `json:"gateway"`
	Retention RetentionConfig `json:"retention"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings. Empty values default to
// subpaths of the config directory.
type PathsConfig struct {
	DataDir  string `json:"dataDir" envconfig:"CHATSCRIBE_DATA_DIR"`
	DBPath   string `json:"dbPath" envconfig:"CHATSCRIBE_DB_PATH"`
	MediaDir string `json:"mediaDir" envconfig:"CHATSCRIBE_MEDIA_DIR"`
}

// ---------------------------------------------------------------------------
// Sessions – provider accounts
// ---------------------------------------------------------------------------

// SessionsConfig lists the operator accounts the engine crawls with.
type SessionsConfig struct {
	Slack    []SlackAccount    `json:"slack"`
	WhatsApp []WhatsAppAccount `json:"whatsapp"`
}

// SlackAccount configures one Slack workspace session (Socket Mode).
type SlackAccount struct {
	Account  string `json:"account"`
	BotToken string `json:"botToken"`
	AppToken string `json:"appToken"`
}

// WhatsAppAccount configures one WhatsApp session. DBPath holds the device
// store; empty defaults to <dataDir>/whatsapp-<account>.db.
type WhatsAppAccount struct {
	Account string `json:"account"`
	DBPath  string `json:"dbPath,omitempty"`
}

// ---------------------------------------------------------------------------
// Notify – change-notification channel
// ---------------------------------------------------------------------------

// NotifyConfig configures the fan-out transport. With Brokers empty the
// engine runs an in-process channel instead of Kafka.
type NotifyConfig struct {
	Brokers       string `json:"brokers" envconfig:"CHATSCRIBE_KAFKA_BROKERS"`
	Topic         string `json:"topic" envconfig:"CHATSCRIBE_KAFKA_TOPIC"`
	ConsumerGroup string `json:"consumerGroup" envconfig:"CHATSCRIBE_KAFKA_CONSUMER_GROUP"`
}

// ---------------------------------------------------------------------------
// Gateway – HTTP control surface
// ---------------------------------------------------------------------------

// GatewayConfig contains the operator API server settings.
type GatewayConfig struct {
	Host      string `json:"host" envconfig:"CHATSCRIBE_HOST"`
	Port      int    `json:"port" envconfig:"CHATSCRIBE_PORT"`
	AuthToken string `json:"authToken" envconfig:"CHATSCRIBE_AUTH_TOKEN"`
}

// ---------------------------------------------------------------------------
// Retention – housekeeping
// ---------------------------------------------------------------------------

// RetentionConfig drives the cron housekeeping jobs in the daemon.
type RetentionConfig struct {
	// Days is the message retention window; 0 disables the delete job.
	Days int `json:"days" envconfig:"CHATSCRIBE_RETENTION_DAYS"`
	// Schedule is a cron expression for the housekeeping run.
	Schedule string `json:"schedule" envconfig:"CHATSCRIBE_RETENTION_SCHEDULE"`
	// RetryDeadLetters re-attempts unresolved dead letters during
	// housekeeping.
	RetryDeadLetters bool `json:"retryDeadLetters" envconfig:"CHATSCRIBE_RETRY_DEAD_LETTERS"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Notify: NotifyConfig{
			Topic:         "chatscribe.messages",
			ConsumerGroup: "chatscribe-bridge",
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 8790,
		},
		Retention: RetentionConfig{
			Days:     0,
			Schedule: "@daily",
		},
	}
}
