package assemble

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
)

// Export zips bookDir into <bookDir>.zip with paths relative to bookDir and
// returns the archive path.
func Export(bookDir string) (string, error) {
	bookDir = filepath.Clean(bookDir)
	info, err := os.Stat(bookDir)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", bookDir)
	}

	target := bookDir + ".zip"
	tmp, err := os.CreateTemp(filepath.Dir(bookDir), ".export_*.zip")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	zw := zip.NewWriter(tmp)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestSpeed)
	})
	walkErr := filepath.WalkDir(bookDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp_") {
			return nil
		}
		rel, err := filepath.Rel(bookDir, path)
		if err != nil {
			return err
		}
		method := zip.Deflate
		if strings.EqualFold(filepath.Ext(path), ".wav") {
			// PCM barely compresses; store it.
			method = zip.Store
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: filepath.ToSlash(rel), Method: method})
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if walkErr != nil {
		zw.Close()
		tmp.Close()
		return "", fmt.Errorf("zip %s: %w", bookDir, walkErr)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", err
	}
	return target, nil
}
