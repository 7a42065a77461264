package ops

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression is the stream codec wrapped around a backup tarball.
type Compression int

const (
	Gzip Compression = iota
	Zstd
)

func (c Compression) String() string {
	if c == Zstd {
		return "zstd"
	}
	return "gzip"
}

// Ext is the archive file extension for c.
func (c Compression) Ext() string {
	if c == Zstd {
		return ".tar.zst"
	}
	return ".tar.gz"
}

// CompressionFor picks the codec from an archive name.
func CompressionFor(archivePath string) (Compression, error) {
	name := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return Gzip, nil
	case strings.HasSuffix(name, ".tar.zst"), strings.HasSuffix(name, ".tzst"):
		return Zstd, nil
	}
	return Gzip, fmt.Errorf("unsupported archive extension: %s (want .tar.gz or .tar.zst)", archivePath)
}

// ParseCompression accepts "gzip"/"gz" and "zstd"/"zst".
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gzip", "gz":
		return Gzip, nil
	case "zstd", "zst":
		return Zstd, nil
	}
	return Gzip, fmt.Errorf("unknown compression %q", s)
}

func (c Compression) writer(w io.Writer) (io.WriteCloser, error) {
	if c == Zstd {
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	}
	return gzip.NewWriter(w), nil
}

func (c Compression) reader(r io.Reader) (io.ReadCloser, error) {
	if c == Zstd {
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	}
	return gzip.NewReader(r)
}

// BackupDataDir writes srcDir as a compressed tarball. The codec follows the
// archive extension.
func BackupDataDir(srcDir, archivePath string) (err error) {
	srcDir, archivePath = strings.TrimSpace(srcDir), strings.TrimSpace(archivePath)
	if srcDir == "" || archivePath == "" {
		return errors.New("srcDir and archivePath are required")
	}
	srcDir, archivePath = filepath.Clean(srcDir), filepath.Clean(archivePath)
	comp, err := CompressionFor(archivePath)
	if err != nil {
		return err
	}
	info, err := os.Stat(srcDir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("source is not a directory: %s", srcDir)
	}
	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return err
	}

	f, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(archivePath)
		}
	}()

	cw, err := comp.writer(f)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(cw)

	if err := writeTree(tw, srcDir, archivePath); err != nil {
		_ = tw.Close()
		_ = cw.Close()
		return err
	}
	if err := tw.Close(); err != nil {
		_ = cw.Close()
		return err
	}
	return cw.Close()
}

func writeTree(tw *tar.Writer, srcDir, archivePath string) error {
	absArchive, _ := filepath.Abs(archivePath)
	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == srcDir {
			return nil
		}
		// Symlinks are skipped.
		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}
		// The archive may live inside the tree being backed up.
		if abs, _ := filepath.Abs(path); abs == absArchive {
			return nil
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
}

// RestoreDataDir unpacks an archive made by BackupDataDir into targetDir.
// Entries that would land outside targetDir are rejected.
func RestoreDataDir(archivePath, targetDir string) error {
	archivePath, targetDir = strings.TrimSpace(archivePath), strings.TrimSpace(targetDir)
	if archivePath == "" || targetDir == "" {
		return errors.New("archivePath and targetDir are required")
	}
	archivePath, targetDir = filepath.Clean(archivePath), filepath.Clean(targetDir)
	comp, err := CompressionFor(archivePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return err
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	cr, err := comp.reader(f)
	if err != nil {
		return fmt.Errorf("open %s stream: %w", comp, err)
	}
	defer cr.Close()

	tr := tar.NewReader(cr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		rel, err := sanitizeArchiveRelPath(hdr.Name)
		if err != nil {
			return err
		}
		outPath := filepath.Join(targetDir, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(outPath, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := extractFile(tr, outPath, os.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		}
	}
}

func extractFile(r io.Reader, outPath string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	dst, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, r); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

func sanitizeArchiveRelPath(name string) (string, error) {
	name = filepath.Clean(filepath.FromSlash(strings.TrimSpace(name)))
	if name == "." || name == "" {
		return "", errors.New("invalid archive entry path")
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("invalid absolute archive entry path: %s", name)
	}
	if name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid archive entry path traversal: %s", name)
	}
	return name, nil
}
