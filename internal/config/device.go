package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// getOrGenerateDeviceID reads the device id from filePath, creating and
// saving a new one on first boot. A failed save still returns the new id.
func getOrGenerateDeviceID(filePath string) string {
	content, err := os.ReadFile(filePath)
	if err == nil {
		if id := strings.TrimSpace(string(content)); id != "" {
			return id
		}
	}

	newID := "device-" + uuid.New().String()
	log.Printf("[INIT] New Device ID generated: %s", newID)

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Printf("[WARN] Could not create directory %s: %v", dir, err)
		return newID
	}

	err = os.WriteFile(filePath, []byte(newID), 0644)
	if err != nil {
		log.Printf("[WARN] Could not save device ID to disk at %s: %v", filePath, err)
	} else {
		log.Printf("[INIT] Device ID saved to %s", filePath)
	}

	return newID
}
