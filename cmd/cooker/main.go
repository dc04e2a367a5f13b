package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/SoftwareHeritage/swh-vault/cmd/cooker/archive"
	"github.com/SoftwareHeritage/swh-vault/cmd/cooker/worker"
	"github.com/SoftwareHeritage/swh-vault/common/bootstrap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The worker only needs Redis: jobs in, status out, archive reads
	components, err := bootstrap.Setup(ctx, "cooker", bootstrap.WithoutDB())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap cooker: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	var ar archive.Archive
	switch components.Config.Archive.Backend {
	case "memory":
		ar = archive.NewMemoryArchive()
	default:
		ar = archive.NewRedisArchive(components.Redis)
	}

	w := worker.New(components.Redis, ar, components.Logger, consumerName())
	if err := w.Start(ctx); err != nil {
		components.Logger.Error("Failed to start worker", "error", err)
		os.Exit(1)
	}

	w.Wait()
}

// consumerName identifies this instance in the job consumer group
func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("cooker-%d", os.Getpid())
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
