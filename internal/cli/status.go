package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/harun/lifeline/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show the current status of the lifeline daemon and its sessions.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type healthz struct {
	Status   string         `json:"status"`
	PID      int            `json:"pid"`
	Uptime   float64        `json:"uptime"`
	Sessions map[string]int `json:"sessions"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pidFile := cfg.PIDFile()

	pid, err := daemon.ReadPIDFile(pidFile)
	if err != nil || !daemon.ProcessAlive(pid) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	var h healthz
	client := newAPIClient(cfg, 5*time.Second)
	if err := client.doJSON(ctx, http.MethodGet, "/healthz", nil, "", &h); err != nil {
		fmt.Fprintf(out, "API: unreachable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "API: %s\n", client.baseURL)
	printSessionCounts(cmd, h.Sessions)
	return nil
}

func printSessionCounts(cmd *cobra.Command, counts map[string]int) {
	out := cmd.OutOrStdout()
	if len(counts) == 0 {
		fmt.Fprintln(out, "Sessions: none")
		return
	}
	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	fmt.Fprintln(out, "Sessions:")
	for _, status := range statuses {
		fmt.Fprintf(out, "  %-14s %d\n", status, counts[status])
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
