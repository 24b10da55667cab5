package staging

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const partialSuffix = ".partial"

// ErrIncompleteUpload indicates the staged byte count did not match the declared size.
var ErrIncompleteUpload = errors.New("incomplete upload")

// Store persists assembled artifacts and their descriptors on the staging host.
type Store struct {
	basePath string
}

// NewStore creates a Store rooted at basePath.
func NewStore(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Store{basePath: basePath}, nil
}

// BasePath returns the staging directory.
func (s *Store) BasePath() string {
	return s.basePath
}

// StoredName returns the on-disk name of an artifact: the job id, followed by
// the sanitized client file name when one survives sanitization.
func StoredName(jobID, originalName string) string {
	name := SanitizeName(originalName)
	if name == "" {
		return jobID
	}
	return jobID + "-" + name
}

// ArtifactPath returns the location of an assembled artifact.
func (s *Store) ArtifactPath(storedName string) string {
	return filepath.Join(s.basePath, storedName)
}

// MetadataPath returns the location of the descriptor paired with jobID.
func (s *Store) MetadataPath(jobID string) string {
	return filepath.Join(s.basePath, jobID+".json")
}

// Result describes a durable file written by the Store.
type Result struct {
	Path     string
	Size     int64
	Checksum string
}

// WriteArtifact streams the output of fill into storedName. The file becomes
// visible under its final name only after it was fully written and synced;
// on any error nothing is left behind.
func (s *Store) WriteArtifact(storedName string, fill func(w io.Writer) error) (Result, error) {
	finalPath := s.ArtifactPath(storedName)
	tmpPath := finalPath + partialSuffix

	file, err := os.Create(tmpPath)
	if err != nil {
		return Result{}, err
	}
	defer file.Close()

	hasher := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(file, hasher)}
	if err := fill(counter); err != nil {
		_ = os.Remove(tmpPath)
		return Result{}, err
	}

	if err := file.Sync(); err != nil {
		_ = os.Remove(tmpPath)
		return Result{}, err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return Result{}, err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return Result{}, err
	}

	return Result{
		Path:     finalPath,
		Size:     counter.n,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// WriteStream copies exactly declared bytes from r into storedName, calling
// onProgress with the running byte count. A stream that ends early or carries
// more than declared is rejected with ErrIncompleteUpload.
func (s *Store) WriteStream(storedName string, r io.Reader, declared int64, onProgress func(written int64)) (Result, error) {
	return s.WriteArtifact(storedName, func(w io.Writer) error {
		pr := &progressReader{r: io.LimitReader(r, declared), onProgress: onProgress}
		n, err := io.Copy(w, pr)
		if err != nil {
			return err
		}
		if n != declared {
			return fmt.Errorf("%w: received %d of %d bytes", ErrIncompleteUpload, n, declared)
		}
		var probe [1]byte
		if extra, _ := r.Read(probe[:]); extra > 0 {
			return fmt.Errorf("%w: stream longer than declared %d bytes", ErrIncompleteUpload, declared)
		}
		return nil
	})
}

// Remove deletes the given files, ignoring ones that are already gone.
func (s *Store) Remove(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SanitizeName reduces a client supplied file name to a single path element
// made of printable ASCII, so it is safe for the filesystem and for the
// remote copy protocol.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 0x20 || c > 0x7e || c == '/' {
			continue
		}
		b.WriteByte(c)
	}
	out := strings.TrimSpace(b.String())
	if out == "." || out == ".." {
		return ""
	}
	return out
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type progressReader struct {
	r          io.Reader
	n          int64
	onProgress func(int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.n += int64(n)
		if p.onProgress != nil {
			p.onProgress(p.n)
		}
	}
	return n, err
}
