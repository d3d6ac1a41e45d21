package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"dropbeam/internal/core"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

type sendFlags struct {
	server        string
	expiresInDays int
	maxDownloads  int
	askPassword   bool
	senderName    string
	senderEmail   string
	message       string
	bundle        bool
	chunkSize     string
}

func newRootCmd() *cobra.Command {
	var flags sendFlags

	cmd := &cobra.Command{
		Use:   "beam <files|dirs...>",
		Short: "Send files through a dropbeam server",
		Long: `beam uploads files and directories to a dropbeam server and prints a
share link. Interrupted uploads resume from the last byte the server holds.

Example:
  beam report.pdf photos/ --expires 3 --max-downloads 5
  beam --zip project/ --password`,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, args, flags)
		},
	}

	server := os.Getenv("BEAM_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	f := cmd.Flags()
	f.StringVar(&flags.server, "server", server, "Server URL (or set BEAM_SERVER)")
	f.IntVar(&flags.expiresInDays, "expires", 0, "Days until the transfer expires (server default when 0)")
	f.IntVar(&flags.maxDownloads, "max-downloads", 0, "Download limit (unlimited when 0)")
	f.BoolVar(&flags.askPassword, "password", false, "Prompt for a download password")
	f.StringVar(&flags.senderName, "name", "", "Sender name")
	f.StringVar(&flags.senderEmail, "email", "", "Sender email")
	f.StringVarP(&flags.message, "message", "m", "", "Message for the recipient")
	f.BoolVar(&flags.bundle, "zip", false, "Pack everything into one zip archive before uploading")
	f.StringVar(&flags.chunkSize, "chunk-size", "8MiB", "Upload chunk size")
	return cmd
}

func runSend(cmd *cobra.Command, args []string, flags sendFlags) error {
	out := cmd.OutOrStdout()

	chunkSize, err := humanize.ParseBytes(flags.chunkSize)
	if err != nil || chunkSize == 0 {
		return &core.ValidationError{Arg: flags.chunkSize, Cause: "invalid chunk size"}
	}
	client, err := core.NewClient(core.ClientConfig{
		BaseURL:   flags.server,
		ChunkSize: int64(chunkSize),
	})
	if err != nil {
		return err
	}

	parsed, err := core.ParseArgs(args)
	if err != nil {
		return err
	}
	tree, err := core.BuildFiletree(parsed)
	if err != nil {
		return fmt.Errorf("failed to read files: %w", err)
	}

	payload := core.NewPayload(tree)
	if flags.bundle {
		bundled, cleanup, err := core.NewBundlePayload(tree, "")
		if err != nil {
			return err
		}
		defer cleanup()
		payload = bundled
	}
	if len(payload.Items) == 0 {
		return &core.ValidationError{Arg: "<files>", Cause: "no regular files found"}
	}

	opts := core.TransferOptions{
		ExpiresInDays: flags.expiresInDays,
		MaxDownloads:  flags.maxDownloads,
		SenderName:    flags.senderName,
		SenderEmail:   flags.senderEmail,
		Message:       flags.message,
	}
	if flags.askPassword {
		if opts.Password, err = promptPassword(out); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(out, "Sending %d file(s), %s\n", len(payload.Items), humanize.IBytes(uint64(payload.TotalSize())))
	t, err := client.Send(ctx, payload, opts, progressPrinter(out))
	if err != nil {
		return err
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "✓ Share:    %s\n", t.ShareURL)
	fmt.Fprintf(out, "  Download: %s\n", t.DownloadURL)
	if t.ExpiryAt != nil {
		fmt.Fprintf(out, "  Expires:  %s (%s)\n", t.ExpiryAt.Local().Format("2006-01-02 15:04"), humanize.Time(*t.ExpiryAt))
	}
	fmt.Fprintf(out, "  Delete token: %s\n", t.DeletionToken)
	return nil
}

func promptPassword(w io.Writer) (string, error) {
	fmt.Fprint(w, "Download password: ")
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if len(pw) == 0 {
		return "", &core.ValidationError{Arg: "--password", Cause: "empty password"}
	}
	return string(pw), nil
}

func progressPrinter(w io.Writer) core.Progress {
	return func(item core.Item, sent int64) {
		pct := 100.0
		if item.Size > 0 {
			pct = float64(sent) * 100 / float64(item.Size)
		}
		fmt.Fprintf(w, "\r  %s  %s / %s (%.0f%%)", item.Name,
			humanize.IBytes(uint64(sent)), humanize.IBytes(uint64(item.Size)), pct)
		if sent >= item.Size {
			fmt.Fprintln(w)
		}
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
