package signaling

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"chatwave-callkit/internal/config"
	"chatwave-callkit/pkg/logger"
	"chatwave-callkit/pkg/resilience"
)

// ProviderType represents the type of signaling transport provider
type ProviderType string

const (
	ProviderTypeFirestore ProviderType = "firestore"
	ProviderTypeRedis     ProviderType = "redis"
	ProviderTypeMemory    ProviderType = "memory"
)

// NewTransport creates a signaling transport based on configuration.
// Unknown providers fall back to the in-process memory transport, which is
// only useful for development and tests.
func NewTransport(ctx context.Context, cfg *config.Config) (Transport, error) {
	providerType := ProviderType(cfg.SignalingProvider)

	logger.Info("Initializing signaling transport",
		zap.String("provider_type", string(providerType)))

	switch providerType {
	case ProviderTypeFirestore:
		var transport Transport
		err := resilience.NewSignalingResilience().Execute(ctx, "firestore_connect", func() error {
			var err error
			transport, err = NewFirestoreTransport(ctx, &FirestoreConfig{
				ProjectID:       cfg.FirebaseProjectID,
				CredentialsPath: cfg.FirebaseCredsPath,
			})
			return err
		})
		return transport, err
	case ProviderTypeRedis:
		var transport Transport
		err := resilience.NewSignalingResilience().Execute(ctx, "redis_connect", func() error {
			var err error
			transport, err = NewRedisTransport(ctx, &RedisConfig{
				Addr:     cfg.RedisAddr(),
				Password: cfg.RedisPassword,
			})
			return err
		})
		return transport, err
	case ProviderTypeMemory:
		return NewMemoryTransport(), nil
	default:
		if cfg.Env == "production" {
			return nil, fmt.Errorf("unknown signaling provider %q", cfg.SignalingProvider)
		}
		logger.Warn("Unknown signaling provider, falling back to memory",
			zap.String("provider_type", string(providerType)))
		return NewMemoryTransport(), nil
	}
}
