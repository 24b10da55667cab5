package metadata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWrite_ProducesForwardReadableRecord(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), "job-1.json")
	uploaded := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	d := Descriptor{
		JobID:            "job-1",
		Owner:            "alice@example.org",
		AudioFilename:    "job-1-take.wav",
		OriginalFilename: "take.wav",
		FileSize:         42,
		UploadTime:       uploaded,
	}
	req.NoError(Write(path, d))
	req.NoFileExists(path + ".partial")

	// Then the keys the processing host relies on are present
	raw, err := os.ReadFile(path)
	req.NoError(err)
	var kv map[string]any
	req.NoError(json.Unmarshal(raw, &kv))
	req.Equal("job-1", kv["jobId"])
	req.Equal("alice@example.org", kv["email"])
	req.Equal("job-1-take.wav", kv["audioFilename"])
	req.Equal("take.wav", kv["originalFilename"])
	req.EqualValues(42, kv["fileSize"])
	req.Equal("2024-05-01T10:00:00Z", kv["uploadTime"])

	got, err := Read(path)
	req.NoError(err)
	req.Equal(d, got)
}

func TestWrite_MissingDirectoryFails(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), "missing", "job.json")

	req.Error(Write(path, Descriptor{JobID: "job"}))
	req.NoFileExists(path)
}
