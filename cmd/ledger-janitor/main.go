package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/docgenflow/internal/config"
	"github.com/Lllllllleong/docgenflow/internal/models"
	"github.com/Lllllllleong/docgenflow/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

var (
	janitorInstance *services.JanitorFunction
	once            sync.Once
	initErr         error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("HandleObjectDeleted", handleObjectDeleted)
}

// main is required by the Go Functions Framework.
func main() {}

// handleObjectDeleted receives google.cloud.storage.object.v1.deleted events.
func handleObjectDeleted(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		cfg, err := config.FromEnv()
		if err != nil {
			initErr = err
			return
		}
		janitorInstance, initErr = services.NewJanitor(context.Background(), cfg)
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent models.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	return janitorInstance.Process(ctx, gcsEvent)
}
