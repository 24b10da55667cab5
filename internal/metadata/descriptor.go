// Package metadata writes the provenance descriptor that travels with every
// assembled artifact to the processing host.
package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Descriptor is the plain key/value record colocated with an artifact.
type Descriptor struct {
	JobID            string    `json:"jobId"`
	Owner            string    `json:"email"`
	AudioFilename    string    `json:"audioFilename"`
	OriginalFilename string    `json:"originalFilename"`
	FileSize         int64     `json:"fileSize"`
	Checksum         string    `json:"sha256,omitempty"`
	ContentType      string    `json:"contentType,omitempty"`
	UploadID         string    `json:"uploadId,omitempty"`
	UploadTime       time.Time `json:"uploadTime"`
}

// Write stores d at path. The artifact it references must already be durable.
func Write(path string, d Descriptor) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		return err
	}

	tmpPath := path + ".partial"
	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.Write(buf.Bytes()); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// Read loads a descriptor from path.
func Read(path string) (Descriptor, error) {
	var d Descriptor
	data, err := os.ReadFile(path)
	if err != nil {
		return d, err
	}
	err = json.Unmarshal(data, &d)
	return d, err
}
