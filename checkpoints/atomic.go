package checkpoints

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteFileAtomic streams write into a temporary file next to path, syncs
// it, and renames it over path. Readers observe either the previous file
// or the complete new one; on any error the previous file is untouched and
// the temporary file is removed.
func WriteFileAtomic(path string, write func(w io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tempFile, err := createTempFile(path)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tempFile.Close()
			_ = os.Remove(tempFile.Name())
		}
	}()

	bw := bufio.NewWriter(tempFile)
	if err = write(bw); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return fmt.Errorf("error writing temporary file: %w", err)
	}
	if err = tempFile.Sync(); err != nil {
		return fmt.Errorf("error syncing temporary file: %w", err)
	}
	return finalizeUpdate(tempFile, path)
}

func createTempFile(path string) (*os.File, error) {
	return os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
}

// finalizeUpdate closes the temporary file and renames it over path.
func finalizeUpdate(tempFile *os.File, path string) error {
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil {
		return fmt.Errorf("error replacing checkpoint file: %w", err)
	}
	return nil
}
