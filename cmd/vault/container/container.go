package container

import (
	"fmt"

	"github.com/SoftwareHeritage/swh-vault/cmd/vault/consumer"
	"github.com/SoftwareHeritage/swh-vault/cmd/vault/notify"
	"github.com/SoftwareHeritage/swh-vault/cmd/vault/repository"
	"github.com/SoftwareHeritage/swh-vault/cmd/vault/service"
	"github.com/SoftwareHeritage/swh-vault/cmd/vault/storage"
	"github.com/SoftwareHeritage/swh-vault/common/bootstrap"
	"github.com/SoftwareHeritage/swh-vault/common/taskrunner"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	Components *bootstrap.Components

	// Repositories and stores
	BundleRepo *repository.BundleRepository
	Artifacts  storage.ArtifactStore

	// Services
	VaultService   *service.VaultService
	GCService      *service.GCService
	StatusConsumer *consumer.StatusConsumer
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components, consumerName string) (*Container, error) {
	cfg := components.Config

	bundleRepo := repository.NewBundleRepository(components.DB)

	artifacts, err := buildArtifactStore(components)
	if err != nil {
		return nil, err
	}

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.SMTP.Enabled {
		notifier = notify.NewSMTPNotifier(cfg, components.Logger)
	}

	runner := taskrunner.NewRedisTaskRunner(components.Redis)

	vaultService := service.NewVaultService(
		bundleRepo,
		artifacts,
		runner,
		notifier,
		cfg,
		components.Logger,
	)

	gcService := service.NewGCService(bundleRepo, artifacts, cfg, components.Logger)

	statusConsumer := consumer.NewStatusConsumer(components.Redis, vaultService, components.Logger, consumerName)

	return &Container{
		Components:     components,
		BundleRepo:     bundleRepo,
		Artifacts:      artifacts,
		VaultService:   vaultService,
		GCService:      gcService,
		StatusConsumer: statusConsumer,
	}, nil
}

// buildArtifactStore picks the configured artifact backend and fronts it
// with an in-process LRU when enabled
func buildArtifactStore(components *bootstrap.Components) (storage.ArtifactStore, error) {
	cfg := components.Config

	var backend storage.ArtifactStore
	switch cfg.Cache.Backend {
	case "memory":
		backend = storage.NewMemoryArtifactStore()
	default:
		backend = storage.NewRedisArtifactStore(components.Redis)
	}

	if cfg.Cache.LRUSize > 0 {
		fronted, err := storage.NewLRUArtifactStore(backend, cfg.Cache.LRUSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create artifact cache: %w", err)
		}
		return fronted, nil
	}

	return backend, nil
}
