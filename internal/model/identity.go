package model

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrEmptyIdentity = errors.New("device identity is empty")

// ReadDeviceID returns the trimmed contents of the host identity file.
func ReadDeviceID(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read device identity: %w", err)
	}
	id := strings.TrimSpace(string(raw))
	if id == "" {
		return "", fmt.Errorf("%s: %w", path, ErrEmptyIdentity)
	}
	return id, nil
}

// Topics holds the topic names derived from a device identity.
type Topics struct {
	Broadcast string
	Device    string
	Status    string
}

func NewTopics(prefix, deviceID string) Topics {
	return Topics{
		Broadcast: prefix + "/image",
		Device:    prefix + "/image/" + deviceID,
		Status:    prefix + "/client/" + deviceID,
	}
}
