package main

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/mtzanidakis/hivemind/internal/config"
	"github.com/mtzanidakis/hivemind/internal/store"
)

// archiveEntry is the name of the database inside a backup archive.
const archiveEntry = "hivemind.db"

func runBackup(args []string) error {
	var outputPath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}

	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: hivemind backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	size, err := backupStore(context.Background(), db, outputPath)
	if err != nil {
		return err
	}
	fmt.Printf("Backup complete: %s, %s\n", outputPath, formatSize(size))
	return nil
}

// backupStore snapshots db into a temporary file and packs it into a
// zstd-compressed tar at outputPath. It returns the archive size.
func backupStore(ctx context.Context, db *store.Store, outputPath string) (int64, error) {
	tmpDir, err := os.MkdirTemp("", "hivemind-backup-")
	if err != nil {
		return 0, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	copyPath := filepath.Join(tmpDir, archiveEntry)
	if err := db.Backup(ctx, copyPath); err != nil {
		return 0, err
	}

	src, err := os.Open(copyPath)
	if err != nil {
		return 0, fmt.Errorf("open database copy: %w", err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat database copy: %w", err)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	hdr := &tar.Header{
		Name:    archiveEntry,
		Mode:    0o644,
		Size:    info.Size(),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, fmt.Errorf("write tar header: %w", err)
	}
	if _, err := io.Copy(tw, src); err != nil {
		return 0, fmt.Errorf("write tar data: %w", err)
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close file: %w", err)
	}

	out, err := os.Stat(outputPath)
	if err != nil {
		return 0, fmt.Errorf("stat archive: %w", err)
	}
	return out.Size(), nil
}

func runRestore(args []string) error {
	var inputPath string
	overwrite := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-overwrite":
			overwrite = true
		}
	}

	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: hivemind restore -f <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	n, err := restoreStore(inputPath, cfg.Store.Path, overwrite)
	if err != nil {
		return err
	}
	fmt.Printf("Restore complete: %s (%s)\n", cfg.Store.Path, formatSize(n))
	return nil
}

// restoreStore extracts the database entry of the archive at inputPath
// to dst and returns the number of bytes written.
func restoreStore(inputPath, dst string, overwrite bool) (int64, error) {
	if _, err := os.Stat(dst); err == nil && !overwrite {
		return 0, fmt.Errorf("store %s already exists, add -overwrite to replace it", dst)
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return 0, fmt.Errorf("archive has no %s entry", archiveEntry)
		}
		if err != nil {
			return 0, fmt.Errorf("read tar entry: %w", err)
		}
		if filepath.Base(hdr.Name) != archiveEntry || hdr.Typeflag != tar.TypeReg {
			continue
		}
		return writeStoreFile(tr, dst)
	}
}

// writeStoreFile writes r to dst through a temporary file in the same
// directory and drops stale WAL files of the replaced database.
func writeStoreFile(r io.Reader, dst string) (int64, error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".restore-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("write database: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp file: %w", err)
	}

	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(dst + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("remove %s: %w", dst+suffix, err)
		}
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return 0, fmt.Errorf("replace store: %w", err)
	}
	slog.Info("store restored", "path", dst, "bytes", n)
	return n, nil
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
