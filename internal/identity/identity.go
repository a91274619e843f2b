package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const identityFile = "device.json"

// DeviceIdentity is the persistent identity of this installation
type DeviceIdentity struct {
	HardwareID string    `json:"hardware_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// LoadOrGenerate ensures the device has a stable hardware id across
// restarts. An explicit id (from HARDWARE_ID) wins, then the file in dir,
// and a new id is generated and saved if neither exists.
func LoadOrGenerate(dir, override string) (*DeviceIdentity, error) {
	if override != "" {
		return &DeviceIdentity{HardwareID: override}, nil
	}

	path := filepath.Join(dir, identityFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var id DeviceIdentity
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if _, err := uuid.Parse(id.HardwareID); err != nil {
			return nil, fmt.Errorf("invalid hardware id in %s: %w", path, err)
		}
		return &id, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	id := &DeviceIdentity{
		HardwareID: uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	data, err = json.MarshalIndent(id, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", path, err)
	}
	return id, nil
}
