package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"afaqbot/internal/config"
	"afaqbot/internal/memory"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the history database and config file",
		Long: `Creates a .tar.gz archive with the history database (including SQLite
WAL files) and the config file. Stop the gateway first for a consistent copy.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			files, err := backupFiles(cfg.Memory.DatabaseURL, cfgPath)
			if err != nil {
				return err
			}

			if outputPath == "" {
				dir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				outputPath = filepath.Join(dir, "afaqbot-backup-"+time.Now().Format("20060102-150405")+".tar.gz")
			}

			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "backup created: %s\n", outputPath)
			for _, f := range files {
				var size uint64
				if info, err := os.Stat(f); err == nil {
					size = uint64(info.Size())
				}
				fmt.Fprintf(out, "  - %s (%s)\n", filepath.Base(f), humanize.Bytes(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "archive path (default: ~/.afaqbot/backups/afaqbot-backup-<timestamp>.tar.gz)")
	return cmd
}

// backupFiles lists the existing files that make up the database named by
// dsn, plus the config file.
func backupFiles(dsn, cfgPath string) ([]string, error) {
	var files []string

	backend, target, err := memory.ParseDSN(dsn)
	switch {
	case errors.Is(err, memory.ErrNoDSN):
	case err != nil:
		return nil, err
	case strings.HasPrefix(target, "file:") || target == ":memory:":
		return nil, fmt.Errorf("cannot back up database %q: not a plain file path", target)
	default:
		candidates := []string{target}
		if backend == memory.BackendSQLite {
			candidates = append(candidates, target+"-wal", target+"-shm")
		}
		for _, p := range candidates {
			if _, err := os.Stat(p); err == nil {
				files = append(files, p)
			}
		}
	}

	if _, err := os.Stat(cfgPath); err == nil {
		files = append(files, cfgPath)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("nothing to back up (database %q, config %s)", dsn, cfgPath)
	}
	return files, nil
}

// createTarGz writes files into a new archive under their base names.
func createTarGz(outputPath string, files []string) (err error) {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := outFile.Close(); err == nil {
			err = cerr
		}
	}()

	gzWriter := gzip.NewWriter(outFile)
	tarWriter := tar.NewWriter(gzWriter)

	for _, filePath := range files {
		if err := addFileToTar(tarWriter, filePath); err != nil {
			return fmt.Errorf("add %s: %w", filePath, err)
		}
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzWriter.Close()
}

func addFileToTar(tw *tar.Writer, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = filepath.Base(filePath)

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}
