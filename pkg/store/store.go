package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// ErrNotFound is returned when a document has not been persisted yet.
var ErrNotFound = errors.New("document not found")

// Store defines the interface for persisting optimization artifacts between
// runs and across restarts.
type Store interface {
	// Optimization artifacts
	// SaveOptimization persists the request/response pair of the latest run.
	SaveOptimization(ctx context.Context, request, response []byte) error
	OptimizeRequest(ctx context.Context) ([]byte, error)
	OptimizeResponse(ctx context.Context) ([]byte, error)

	// Control snapshots
	SaveControls(ctx context.Context, raw []byte) error
	Controls(ctx context.Context) ([]byte, error)

	// Inverter battery backup
	// SaveBatteryBackup keeps the battery config read from the inverter so the
	// original values survive a crash and can be restored on shutdown.
	SaveBatteryBackup(ctx context.Context, raw []byte) error
	BatteryBackup(ctx context.Context) ([]byte, error)
	// DeleteBatteryBackup drops the backup once it has been restored.
	DeleteBatteryBackup(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Configured sets up the Store provider based on flags.
func Configured() Store {
	provider := lflag.String("store-provider", "file", "Persistence provider to use (available: file)")

	var p struct{ Store }

	fp := configuredFile()

	lflag.Do(func() {
		switch *provider {
		case "file":
			if err := fp.Validate(); err != nil {
				panic(fmt.Sprintf("file store validation failed: %v", err))
			}
			p.Store = fp
			if err := fp.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("file store init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown store provider: %s", *provider))
		}
	})

	return &p
}
