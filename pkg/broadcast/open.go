package broadcast

import (
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"chorus/pkg/utils"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNATS   = "nats"
)

// Open builds the bus named by backend. The memory bus only reaches
// subscribers in this process.
func Open(backend string, client *redis.Client, natsURL string, logger *utils.Logger) (Bus, error) {
	switch strings.ToLower(backend) {
	case BackendMemory:
		return NewMemoryBus(), nil
	case "", BackendRedis:
		if client == nil {
			return nil, fmt.Errorf("redis broadcast backend needs a redis client")
		}
		return NewRedisBus(client, logger), nil
	case BackendNATS:
		return DialNATS(natsURL, logger)
	default:
		return nil, fmt.Errorf("unknown broadcast backend %q", backend)
	}
}
