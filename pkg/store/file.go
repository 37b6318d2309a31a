package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/levenlabs/go-lflag"

	"github.com/eosconnect/eosconnect/pkg/log"
)

const (
	fileOptimizeRequest  = "optimize_request.json"
	fileOptimizeResponse = "optimize_response.json"
	fileControls         = "current_controls.json"
	fileBatteryBackup    = "battery_config_v2.json"
)

// FileProvider implements the Store interface on a local directory. Each
// document is one named JSON file, written atomically via rename so a
// crashed write never corrupts the previous snapshot.
type FileProvider struct {
	dir string
}

// configuredFile sets up the file provider.
// It registers flags for configuration.
func configuredFile() *FileProvider {
	dir := lflag.String("store-dir", "json", "Directory for persisted JSON documents")

	f := &FileProvider{}

	lflag.Do(func() {
		f.dir = *dir
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FileProvider) Validate() error {
	if f.dir == "" {
		return errors.New("store directory cannot be empty")
	}
	return nil
}

// Init creates the storage directory.
// This must be called before using the provider methods.
func (f *FileProvider) Init(ctx context.Context) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create store directory %s: %w", f.dir, err)
	}
	log.Ctx(ctx).DebugContext(ctx, "file store ready", slog.String("dir", f.dir))
	return nil
}

// Close is a no-op for the file provider.
func (f *FileProvider) Close() error {
	return nil
}

func (f *FileProvider) write(name string, raw []byte) error {
	tmp, err := os.CreateTemp(f.dir, name+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(f.dir, name)); err != nil {
		return fmt.Errorf("failed to rename %s into place: %w", name, err)
	}
	return nil
}

func (f *FileProvider) read(name string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(f.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return raw, nil
}

// SaveOptimization persists the request/response pair of the latest run.
func (f *FileProvider) SaveOptimization(ctx context.Context, request, response []byte) error {
	if err := f.write(fileOptimizeRequest, request); err != nil {
		return err
	}
	return f.write(fileOptimizeResponse, response)
}

// OptimizeRequest returns the last persisted optimize request.
func (f *FileProvider) OptimizeRequest(ctx context.Context) ([]byte, error) {
	return f.read(fileOptimizeRequest)
}

// OptimizeResponse returns the last persisted optimize response.
func (f *FileProvider) OptimizeResponse(ctx context.Context) ([]byte, error) {
	return f.read(fileOptimizeResponse)
}

// SaveControls persists the latest control snapshot.
func (f *FileProvider) SaveControls(ctx context.Context, raw []byte) error {
	return f.write(fileControls, raw)
}

// Controls returns the last persisted control snapshot.
func (f *FileProvider) Controls(ctx context.Context) ([]byte, error) {
	return f.read(fileControls)
}

// SaveBatteryBackup persists the inverter battery config backup.
func (f *FileProvider) SaveBatteryBackup(ctx context.Context, raw []byte) error {
	return f.write(fileBatteryBackup, raw)
}

// BatteryBackup returns the persisted inverter battery config backup.
func (f *FileProvider) BatteryBackup(ctx context.Context) ([]byte, error) {
	return f.read(fileBatteryBackup)
}

// DeleteBatteryBackup drops the backup once it has been restored.
func (f *FileProvider) DeleteBatteryBackup(ctx context.Context) error {
	err := os.Remove(filepath.Join(f.dir, fileBatteryBackup))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", fileBatteryBackup, err)
	}
	return nil
}
