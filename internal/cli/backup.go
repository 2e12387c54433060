package cli

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var (
	exportOutput string
	exportUpload bool
	backupWait   time.Duration
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Export or import every session in one bundle",
	Long: `Export or import every session's token and profile data as one zip
bundle. Both close all sessions on the daemon and start them again afterwards.`,
}

var backupExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Download a bundle of all sessions",
	Args:  cobra.NoArgs,
	RunE:  runBackupExport,
}

var backupImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Restore sessions from a bundle",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupImport,
}

func init() {
	backupExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "backupSessions.zip", "file to write the bundle to")
	backupExportCmd.Flags().BoolVar(&exportUpload, "upload", false, "upload to the configured export bucket instead of downloading")
	backupCmd.PersistentFlags().DurationVar(&backupWait, "timeout", 30*time.Minute, "request timeout")
	backupCmd.AddCommand(backupExportCmd, backupImportCmd)
	rootCmd.AddCommand(backupCmd)
}

func runBackupExport(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), backupWait)
	defer cancel()
	client := newAPIClient(cfg, backupWait)
	out := cmd.OutOrStdout()

	if exportUpload {
		var resp struct {
			Bucket string `json:"bucket"`
			Key    string `json:"key"`
		}
		if err := client.doJSON(ctx, http.MethodPost, "/api/backup-sessions/upload", nil, "", &resp); err != nil {
			return err
		}
		fmt.Fprintf(out, "Uploaded s3://%s/%s\n", resp.Bucket, resp.Key)
		return nil
	}

	resp, err := client.do(ctx, http.MethodGet, "/api/backup-sessions", nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	n, err := writeFileAtomic(exportOutput, resp.Body)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote %s (%d bytes)\n", exportOutput, n)
	return nil
}

// writeFileAtomic writes r next to path and renames it into place.
func writeFileAtomic(path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return n, fmt.Errorf("failed to download bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return n, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return n, nil
}

func runBackupImport(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open bundle: %w", err)
	}
	defer f.Close()

	// stream the multipart body instead of buffering the bundle
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(args[0]))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	ctx, cancel := context.WithTimeout(cmd.Context(), backupWait)
	defer cancel()

	var resp struct {
		Tokens int `json:"tokens"`
		Files  int `json:"files"`
	}
	err = newAPIClient(cfg, backupWait).doJSON(ctx, http.MethodPost, "/api/restore-sessions", pr, mw.FormDataContentType(), &resp)
	pr.Close()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Restored %d tokens and %d profile files\n", resp.Tokens, resp.Files)
	return nil
}
