package ledger

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

var errNotExist = fs.ErrNotExist

// FileStore keeps the ledger document in a single file. Paths ending in
// ".zst" are zstd-compressed.
//
// Writes go to a temporary file in the same directory which is then renamed
// over the target, so a reader never sees a partially written document.
type FileStore struct {
	Path string
}

// NewFileStore returns a FileStore for path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (s *FileStore) compressed() bool {
	return strings.HasSuffix(s.Path, ".zst")
}

// Read returns the stored document.
func (s *FileStore) Read() ([]byte, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if !s.compressed() {
		return io.ReadAll(f)
	}

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	return io.ReadAll(dec)
}

// Write replaces the stored document.
func (s *FileStore) Write(data []byte) error {
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	if s.compressed() {
		var buf bytes.Buffer
		enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("zstd writer: %w", err)
		}
		if _, err := enc.Write(data); err != nil {
			enc.Close()
			return fmt.Errorf("compress: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("compress: %w", err)
		}
		data = buf.Bytes()
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.Path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
