package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/harun/lifeline/pkg/session"
	"github.com/harun/lifeline/pkg/supervisor"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

var (
	startPhone      string
	startWebhook    string
	startProxy      string
	startProxyUser  string
	startProxyPass  string
	startDeviceName string
	startWaitQR     bool
	requestTimeout  time.Duration
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions on a running daemon",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Start a session",
	Long: `Start a session by name. Stored settings are reused; flags given here
replace them and are persisted. With --wait-qr the command waits for the
first QR or phone code and prints it.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionStart,
}

var sessionCloseCmd = &cobra.Command{
	Use:   "close <name>",
	Short: "Close a session and discard its profile snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionClose,
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status [name]",
	Short: "Show one session, or every known session",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessionStatus,
}

func init() {
	f := sessionStartCmd.Flags()
	f.StringVar(&startPhone, "phone", "", "link by phone number instead of QR code")
	f.StringVar(&startWebhook, "webhook", "", "webhook URL for this session's events")
	f.StringVar(&startProxy, "proxy", "", "upstream HTTP proxy URL")
	f.StringVar(&startProxyUser, "proxy-user", "", "upstream proxy username")
	f.StringVar(&startProxyPass, "proxy-pass", "", "upstream proxy password")
	f.StringVar(&startDeviceName, "device-name", "", "device label shown on the phone")
	f.BoolVar(&startWaitQR, "wait-qr", false, "wait for the first QR or phone code")

	sessionCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 45*time.Second, "request timeout")
	sessionCmd.AddCommand(sessionStartCmd, sessionCloseCmd, sessionStatusCmd)
	rootCmd.AddCommand(sessionCmd)
}

func sessionPath(name, action string) string {
	return "/api/" + url.PathEscape(name) + "/" + action
}

type startBody struct {
	session.Config
	WaitQRCode bool `json:"waitQrCode,omitempty"`
}

func buildStartBody() startBody {
	body := startBody{WaitQRCode: startWaitQR}
	body.Phone = startPhone
	body.DeviceName = startDeviceName
	body.Webhook.URL = startWebhook
	if startProxy != "" {
		body.Proxy = &session.ProxyConfig{URL: startProxy, Username: startProxyUser, Password: startProxyPass}
	}
	return body
}

func runSessionStart(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if err := session.ValidateName(args[0]); err != nil {
		return err
	}

	payload, err := json.Marshal(buildStartBody())
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	var report supervisor.StatusReport
	client := newAPIClient(cfg, requestTimeout)
	if err := client.doJSON(ctx, http.MethodPost, sessionPath(args[0], "start-session"), bytes.NewReader(payload), "application/json", &report); err != nil {
		return err
	}
	return printReport(cmd, report)
}

func printReport(cmd *cobra.Command, report supervisor.StatusReport) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session: %s\nStatus: %s\n", report.Session, report.Status)
	switch {
	case report.PhoneCode != "":
		fmt.Fprintf(out, "Phone code: %s\n", report.PhoneCode)
	case report.URLCode != "":
		q, err := qrcode.New(report.URLCode, qrcode.Medium)
		if err != nil {
			return fmt.Errorf("failed to render QR code: %w", err)
		}
		fmt.Fprint(out, q.ToSmallString(false))
	}
	return nil
}

func runSessionClose(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	var resp struct {
		Message string `json:"message"`
	}
	if err := newAPIClient(cfg, requestTimeout).doJSON(ctx, http.MethodPost, sessionPath(args[0], "close-session"), nil, "", &resp); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
	return nil
}

func runSessionStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	client := newAPIClient(cfg, requestTimeout)

	if len(args) == 1 {
		var report supervisor.StatusReport
		if err := client.doJSON(ctx, http.MethodGet, sessionPath(args[0], "status-session"), nil, "", &report); err != nil {
			return err
		}
		return printReport(cmd, report)
	}

	var reports []supervisor.StatusReport
	if err := client.doJSON(ctx, http.MethodGet, "/api/sessions", nil, "", &reports); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(reports) == 0 {
		fmt.Fprintln(out, "No sessions")
		return nil
	}
	for _, r := range reports {
		fmt.Fprintf(out, "%-32s %s\n", r.Session, r.Status)
	}
	return nil
}
