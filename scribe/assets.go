package scribe

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// EnsureModel copies the bundled model in assetsDir to modelDir unless
// modelDir already has content. An empty assetsDir leaves modelDir as is.
func EnsureModel(assetsDir, modelDir string) error {
	entries, err := os.ReadDir(modelDir)
	if err == nil && len(entries) > 0 {
		return nil
	}
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read model directory: %w", err)
	}
	if assetsDir == "" {
		return nil
	}

	slog.Info("Materializing speech model", "from", assetsDir, "to", modelDir)

	copied := 0
	err = filepath.WalkDir(assetsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(assetsDir, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(modelDir, rel)

		if d.IsDir() {
			return os.MkdirAll(dest, 0755)
		}
		if err := copyFile(path, dest); err != nil {
			return err
		}
		copied++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to copy model assets: %w", err)
	}

	slog.Info("Speech model ready", "dir", modelDir, "files", copied)
	return nil
}

// copyFile leaves no partial file at dest when interrupted.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	tmp := dest + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}
