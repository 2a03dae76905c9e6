package dlq

import (
	"fmt"

	"github.com/remiges-tech/alya-core/internal/structvalidate"
)

// Config controls one DLQ instance's stream naming and operational
// bounds.
type Config struct {
	StreamName        string `validate:"required"`
	ConsumerGroup      string `validate:"required"`
	KeyPrefix          string `validate:"required"`
	MaxStreamLength    int64  `validate:"gte=1000"`
	MaxRequeueAttempts int    `validate:"gte=1"`
	BlockTimeoutMS     int64  `validate:"gte=0"`
	ClaimTimeoutMS     int64  `validate:"gte=1000"`
	BatchSize          int    `validate:"gte=1,lte=1000"`
}

// DefaultConfig mirrors the original service's defaults.
func DefaultConfig() Config {
	return Config{
		StreamName:         "pixiu:dlq",
		ConsumerGroup:      "dlq-consumers",
		KeyPrefix:          "pixiu",
		MaxStreamLength:    100_000,
		MaxRequeueAttempts: 3,
		BlockTimeoutMS:     5000,
		ClaimTimeoutMS:     60_000,
		BatchSize:          100,
	}
}

// MainQueueKey returns the Redis key of the main (non-DLQ) stream for
// queueName, under this config's key prefix.
func (c Config) MainQueueKey(queueName string) string {
	return fmt.Sprintf("%s:queue:%s", c.KeyPrefix, queueName)
}

// Validate checks Config's struct tags.
func (c Config) Validate() error {
	return structvalidate.Struct(c)
}
