package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"opsdash/internal/config"
	"opsdash/internal/dashboard"
	"opsdash/internal/domain"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	okColor     = color.New(color.FgGreen)
	errColor    = color.New(color.FgRed)
	dimColor    = color.New(color.Faint)
)

func statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Mount a session once and print the reconciled state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			// Keep stdout clean for the report.
			cfg.General.LogLevel = "warn"
			log, closeLog, err := buildLogger(cfg)
			if err != nil {
				return err
			}
			defer closeLog.Close()

			opts, cleanup, err := mountOptions(cfg, log)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			session, err := dashboard.Mount(ctx, opts)
			if err != nil {
				return fmt.Errorf("mount: %w", err)
			}
			st := session.State()
			session.Close()

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			dimColor.Printf("config: %s\n", cfgPath)
			printState(os.Stdout, st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the state as JSON")
	return cmd
}

// printState renders a human summary of a dashboard state.
func printState(w io.Writer, st dashboard.State) {
	headerColor.Fprintf(w, "opsdash %s (role: %s)\n", version, st.Role)

	fmt.Fprintln(w)
	headerColor.Fprintln(w, "Stats")
	s := st.Stats
	fmt.Fprintf(w, "  conversations  %d total, %d active, %d unread messages\n",
		s.TotalConversations, s.ActiveConversations, s.UnreadMessages)
	platforms := make([]string, 0, len(s.ByPlatform))
	for p := range s.ByPlatform {
		platforms = append(platforms, string(p))
	}
	sort.Strings(platforms)
	for _, p := range platforms {
		fmt.Fprintf(w, "    %-12s %d\n", p, s.ByPlatform[domain.Platform(p)])
	}
	fmt.Fprintf(w, "  pending orders %d\n", s.PendingOrders)
	if st.Role == domain.RoleAdmin {
		fmt.Fprintf(w, "  users          %d\n", s.TotalUsers)
	}
	printError(w, s.Error)

	fmt.Fprintln(w)
	headerColor.Fprintf(w, "Conversations (%d)\n", len(st.Conversations.Conversations))
	for _, c := range st.Conversations.Conversations {
		name := c.ContactName
		if name == "" {
			name = c.Contact
		}
		marker := " "
		if c.ID == st.Conversations.Selected {
			marker = "*"
		}
		fmt.Fprintf(w, " %s %-10s %-24s %-22s unread %d\n", marker, c.Platform, name, c.Status, c.UnreadCount)
	}
	printError(w, st.Conversations.Error)

	fmt.Fprintln(w)
	headerColor.Fprintf(w, "Notifications (%d unread)\n", st.Notifications.Unread)
	for _, n := range st.Notifications.Notifications {
		line := fmt.Sprintf("  [%s] %s: %s\n", n.Priority, n.Type, n.Title)
		if n.Priority == domain.PriorityHigh {
			errColor.Fprint(w, line)
		} else {
			fmt.Fprint(w, line)
		}
	}
	printError(w, st.Notifications.Error)

	fmt.Fprintln(w)
	headerColor.Fprintln(w, "Realtime")
	fmt.Fprintf(w, "  subscriptions  %d\n", st.Realtime.Subscriptions)
	if st.Realtime.Error == "" {
		okColor.Fprintln(w, "  channel ok")
	} else {
		printError(w, st.Realtime.Error)
	}
}

func printError(w io.Writer, msg string) {
	if msg != "" {
		errColor.Fprintf(w, "  error: %s\n", msg)
	}
}

// quietConfig is used by commands that only need defaults for paths.
func quietConfig() *config.Config {
	cfg, _, err := loadConfig()
	if err != nil || cfg == nil {
		return config.Defaults()
	}
	return cfg
}
