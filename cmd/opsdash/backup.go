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

	"opsdash/internal/config"

	"github.com/spf13/cobra"
)

// Archive member names. Restore maps them back onto the configured paths.
const (
	archiveConfig  = "config.json"
	archiveRouting = "routing.yaml"
	archiveOutbox  = "outbox.db"
)

// backupSet lists what a backup holds: archive name -> file on disk.
type backupSet struct {
	configPath  string
	routingPath string
	outboxPath  string
}

func resolveBackupSet() backupSet {
	cfg := quietConfig()
	return backupSet{
		configPath:  resolveConfigPath(),
		routingPath: cfg.Notifications.RoutingFile,
		outboxPath:  outboxPath(cfg),
	}
}

// target returns where an archive member is restored to, or "" to skip it.
func (b backupSet) target(name string) string {
	switch name {
	case archiveConfig:
		return b.configPath
	case archiveRouting:
		return b.routingPath
	case archiveOutbox:
		return b.outboxPath
	case archiveOutbox + "-wal":
		return b.outboxPath + "-wal"
	case archiveOutbox + "-shm":
		return b.outboxPath + "-shm"
	}
	return ""
}

// members returns the files that currently exist, keyed by archive name.
func (b backupSet) members() map[string]string {
	out := make(map[string]string)
	add := func(name, path string) {
		if path == "" {
			return
		}
		if _, err := os.Stat(path); err == nil {
			out[name] = path
		}
	}
	add(archiveConfig, b.configPath)
	add(archiveRouting, b.routingPath)
	add(archiveOutbox, b.outboxPath)
	add(archiveOutbox+"-wal", b.outboxPath+"-wal")
	add(archiveOutbox+"-shm", b.outboxPath+"-shm")
	return out
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the config, routing table and acknowledgement outbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			set := resolveBackupSet()
			if outputPath == "" {
				dir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				outputPath = filepath.Join(dir, fmt.Sprintf("opsdash-backup-%s.tar.gz", time.Now().Format("20060102-150405")))
			}

			members := set.members()
			if len(members) == 0 {
				return fmt.Errorf("nothing to back up (config: %s, outbox: %s)", set.configPath, set.outboxPath)
			}
			if err := writeArchive(outputPath, members); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			for name, path := range members {
				var size int64
				if info, err := os.Stat(path); err == nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", name, humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: ~/.opsdash/backups/opsdash-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore files from a backup archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set := resolveBackupSet()
			if existing := set.members(); len(existing) > 0 && !force {
				fmt.Println("WARNING: this will overwrite existing files:")
				for _, path := range existing {
					fmt.Printf("  %s\n", path)
				}
				return errors.New("restore aborted (use --force to proceed)")
			}

			restored, err := extractArchive(args[0], set)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Printf("Restored %d file(s) from %s\n", len(restored), args[0])
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files without warning")
	return cmd
}

func writeArchive(outputPath string, members map[string]string) error {
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for name, path := range members {
		if err := addFileToTar(tw, name, path); err != nil {
			return fmt.Errorf("add %s: %w", path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return out.Close()
}

func addFileToTar(tw *tar.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// extractArchive restores the known members of archivePath onto set.
// Unknown members are skipped.
func extractArchive(archivePath string, set backupSet) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var restored []string
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		name := filepath.Base(header.Name)
		target := set.target(name)
		if target == "" || strings.Contains(header.Name, "..") {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", target, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return nil, fmt.Errorf("extract %s: %w", target, err)
		}
		if err := out.Close(); err != nil {
			return nil, err
		}
		restored = append(restored, target)
	}
	return restored, nil
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
	)
	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
