package frame

import (
	"fmt"
	"image/png"
	"os"
	"path/filepath"

	"epdframe/internal/raster"
)

// Dump file names inside the dump directory.
const (
	DumpPrimary = "primary.bin"
	DumpAccent  = "accent.bin"
	DumpPreview = "preview.png"
)

// Dump writes the raw planes exactly as they go on the wire, plus a PNG
// preview, into dir. Files are replaced atomically.
func Dump(dir string, s *raster.Store) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("frame: dump dir: %w", err)
	}
	primary, accent := s.Planes()
	if err := writeAtomic(dir, DumpPrimary, primary); err != nil {
		return err
	}
	if err := writeAtomic(dir, DumpAccent, accent); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".preview-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := png.Encode(tmp, s); err != nil {
		tmp.Close()
		return fmt.Errorf("frame: encode preview: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, DumpPreview))
}

func writeAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+"-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, name))
}

// LoadDump reads planes written by Dump back into s.
func LoadDump(dir string, s *raster.Store) error {
	primary, err := os.ReadFile(filepath.Join(dir, DumpPrimary))
	if err != nil {
		return err
	}
	accent, err := os.ReadFile(filepath.Join(dir, DumpAccent))
	if err != nil {
		return err
	}
	return s.Load(primary, accent)
}
