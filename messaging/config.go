package messaging

import (
	"fmt"
	"strings"
	"time"
)

// TransactionMode selects how much of a delivery is transactional
type TransactionMode int

const (
	// TransactionNone consumes with broker auto-acknowledgement
	TransactionNone TransactionMode = iota
	// TransactionAcknowledge acknowledges on commit
	TransactionAcknowledge
	// TransactionFull acknowledges and commits a broker transaction
	TransactionFull
)

// ParseTransactionMode parses "none", "ack" or "full"
func ParseTransactionMode(s string) (TransactionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return TransactionNone, nil
	case "ack", "acknowledge":
		return TransactionAcknowledge, nil
	case "full":
		return TransactionFull, nil
	default:
		return TransactionNone, fmt.Errorf("unknown transaction mode %q", s)
	}
}

func (m TransactionMode) String() string {
	switch m {
	case TransactionNone:
		return "none"
	case TransactionAcknowledge:
		return "ack"
	case TransactionFull:
		return "full"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler
func (m TransactionMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *TransactionMode) UnmarshalText(text []byte) error {
	mode, err := ParseTransactionMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// Defaults applied to zero-valued channel group settings
const (
	DefaultReceiveTimeout    = 500 * time.Millisecond
	DefaultWorkers           = 1
	DefaultWorkQueueSize     = 1024
	DefaultReconnectDelay    = 500 * time.Millisecond
	DefaultMaxReconnectDelay = 30 * time.Second
)

// ChannelGroupConfig describes one channel group. It is built once at
// startup and treated as read-only afterwards.
type ChannelGroupConfig struct {
	GroupName       string          `yaml:"name"`
	InputQueue      string          `yaml:"inputQueue"`
	TransactionMode TransactionMode `yaml:"transactionMode"`
	ReceiveTimeout  time.Duration   `yaml:"receiveTimeout"`
	ChannelBuffer   int             `yaml:"channelBuffer"`
	MaxAttempts     int             `yaml:"maxAttempts"`

	// Exchanges that receive undeliverable and poison messages.
	// An empty dead-letter exchange drops dead letters.
	DeadLetterAddress    string `yaml:"deadLetterExchange"`
	PoisonMessageAddress string `yaml:"poisonMessageExchange"`

	DispatchOnly      bool          `yaml:"dispatchOnly"`
	MinWorkers        int           `yaml:"minWorkers"`
	DispatchWorkers   int           `yaml:"dispatchWorkers"`
	WorkQueueSize     int           `yaml:"workQueueSize"`
	ReconnectDelay    time.Duration `yaml:"reconnectDelay"`
	MaxReconnectDelay time.Duration `yaml:"maxReconnectDelay"`
}

// WithDefaults returns a copy with zero-valued tuning settings filled in
func (c ChannelGroupConfig) WithDefaults() ChannelGroupConfig {
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
	if c.MinWorkers <= 0 {
		c.MinWorkers = DefaultWorkers
	}
	if c.DispatchWorkers <= 0 {
		c.DispatchWorkers = DefaultWorkers
	}
	if c.WorkQueueSize <= 0 {
		c.WorkQueueSize = DefaultWorkQueueSize
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = DefaultMaxReconnectDelay
		if c.MaxReconnectDelay < c.ReconnectDelay {
			c.MaxReconnectDelay = c.ReconnectDelay
		}
	}
	return c
}

// Validate checks the settings a channel group cannot run without
func (c ChannelGroupConfig) Validate() error {
	const op = "ChannelGroupConfig.Validate"

	if c.GroupName == "" {
		return argumentError(op, "name", "cannot be empty")
	}
	if !c.DispatchOnly && c.InputQueue == "" {
		return argumentError(op, "inputQueue", "is required for group "+c.GroupName)
	}
	if c.MaxAttempts < 0 {
		return argumentError(op, "maxAttempts", "cannot be negative")
	}
	if c.ChannelBuffer < 0 {
		return argumentError(op, "channelBuffer", "cannot be negative")
	}
	if c.TransactionMode < TransactionNone || c.TransactionMode > TransactionFull {
		return argumentError(op, "transactionMode", "is not a known mode")
	}
	return nil
}
