package ops

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DrillReport describes a completed backup and restore rehearsal.
type DrillReport struct {
	Archive    string `json:"archive"`
	RestoreDir string `json:"restoreDir"`
	Digest     string `json:"digest"`
	Files      int    `json:"files"`
}

// Drill backs dataDir up into workDir, restores it next to the archive and
// checks that both trees hash the same.
func Drill(dataDir, workDir string, comp Compression, now time.Time) (DrillReport, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return DrillReport{}, err
	}
	ts := now.UTC().Format("20060102T150405Z")
	rep := DrillReport{
		Archive:    filepath.Join(workDir, "daybook-drill-"+ts+comp.Ext()),
		RestoreDir: filepath.Join(workDir, "daybook-drill-restore-"+ts),
	}

	if err := BackupDataDir(dataDir, rep.Archive); err != nil {
		return rep, fmt.Errorf("backup: %w", err)
	}
	if err := RestoreDataDir(rep.Archive, rep.RestoreDir); err != nil {
		return rep, fmt.Errorf("restore: %w", err)
	}

	srcDigest, n, err := DirDigest(dataDir)
	if err != nil {
		return rep, err
	}
	restoredDigest, _, err := DirDigest(rep.RestoreDir)
	if err != nil {
		return rep, err
	}
	if srcDigest != restoredDigest {
		return rep, fmt.Errorf("digest mismatch after restore: src=%s restored=%s", srcDigest, restoredDigest)
	}
	rep.Digest, rep.Files = srcDigest, n
	return rep, nil
}

// DirDigest hashes the relative path and content of every regular file
// under root, in path order.
func DirDigest(root string) (string, int, error) {
	root = filepath.Clean(root)
	var entries []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entries = append(entries, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return "", 0, err
	}
	sort.Strings(entries)

	h := sha256.New()
	for _, rel := range entries {
		_, _ = io.WriteString(h, rel+"\n")
		f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return "", 0, err
		}
		_, err = io.Copy(h, f)
		_ = f.Close()
		if err != nil {
			return "", 0, err
		}
		_, _ = io.WriteString(h, "\n")
	}
	return hex.EncodeToString(h.Sum(nil)), len(entries), nil
}
