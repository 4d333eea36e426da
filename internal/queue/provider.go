package queue

import (
	"go.uber.org/zap"

	"github.com/peerbot/peerbot/internal/common/config"
	"github.com/peerbot/peerbot/internal/common/logger"
)

// New selects the queue backend from configuration: JetStream when a NATS URL
// is configured, the in-process queue otherwise.
func New(cfg config.NATSConfig, log *logger.Logger) (Queue, error) {
	if cfg.URL == "" {
		log.Info("queue backend: memory")
		return NewMemoryQueue(log), nil
	}
	log.Info("queue backend: jetstream", zap.String("url", cfg.URL))
	return NewJetStreamQueue(cfg.URL, log)
}
