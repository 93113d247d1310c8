package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "io.opsdash.run"
	systemdUnit  = "opsdash.service"
)

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install 'opsdash run' as a user service (launchd/systemd)",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			unit := serviceUnit(runtime.GOOS, execPath, resolveConfigPath(), home)
			if unit.path == "" {
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
			if err := os.MkdirAll(filepath.Dir(unit.path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(unit.path, []byte(unit.body), 0o644); err != nil {
				return err
			}
			fmt.Printf("Service installed: %s\n", unit.path)
			for _, hint := range unit.hints {
				fmt.Println(hint)
			}
			return nil
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the opsdash user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			unit := serviceUnit(runtime.GOOS, "", "", home)
			if unit.path == "" {
				return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
			}
			if err := os.Remove(unit.path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Service removed: %s\n", unit.path)
			return nil
		},
	}
}

type unitFile struct {
	path  string
	body  string
	hints []string
}

// serviceUnit renders the service definition for goos. path is empty for
// unsupported systems.
func serviceUnit(goos, execPath, cfgPath, home string) unitFile {
	r := strings.NewReplacer(
		"{{EXEC}}", execPath,
		"{{CONFIG}}", cfgPath,
		"{{LABEL}}", launchdLabel,
		"{{LOG}}", filepath.Join(home, ".opsdash", "logs", "opsdash.out.log"),
	)
	switch goos {
	case "darwin":
		path := filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
		return unitFile{
			path: path,
			body: r.Replace(launchdTemplate),
			hints: []string{
				"To start: launchctl load " + path,
				"To stop:  launchctl unload " + path,
			},
		}
	case "linux":
		return unitFile{
			path: filepath.Join(home, ".config", "systemd", "user", systemdUnit),
			body: r.Replace(systemdTemplate),
			hints: []string{
				"To enable and start: systemctl --user enable --now opsdash",
				"To stop:             systemctl --user stop opsdash",
			},
		}
	}
	return unitFile{}
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>run</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=opsdash realtime operations dashboard
After=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} run --config {{CONFIG}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target`
