package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KaramelBytes/datachat/internal/session"
)

var (
	chatSessionID string
	chatJSON      bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [file]",
	Short: "Chat about a dataset; every turn is saved to a session",
	Long: `Start an interactive conversation about a dataset. A new session copies the file
into the sessions directory; --session resumes an earlier one with its dataset.
Type /clear to forget the conversation so far, /exit to quit.`,
	Example: `  datachat chat sales.csv
  datachat chat --session 3f0c2f9e-5d1c-4a55-bf43-2a8f1c2f52d1`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := requireConfig()
		if err != nil {
			return err
		}
		mgr := session.NewManager(c.SessionsDir, logger)

		var sess *session.Session
		switch {
		case chatSessionID != "":
			if sess, err = mgr.Load(chatSessionID); err != nil {
				return err
			}
			if len(args) == 1 {
				if _, err := mgr.AttachFile(sess, args[0]); err != nil {
					return err
				}
			}
			if sess.FilePath == "" {
				return fmt.Errorf("session %s has no dataset; pass a file", sess.ID)
			}
		case len(args) == 1:
			if sess, err = mgr.Create(); err != nil {
				return err
			}
			if _, err := mgr.AttachFile(sess, args[0]); err != nil {
				_ = mgr.Delete(sess.ID)
				return err
			}
		default:
			return fmt.Errorf("a dataset file or --session is required")
		}

		a, err := openDataset(sess.FilePath)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		fmt.Printf("✓ Session %s on dataset %q (%d messages so far)\n", sess.ID, a.DatasetKey(), len(sess.Messages))
		fmt.Println("Type /clear to reset the conversation, /exit to quit.")

		in := bufio.NewScanner(os.Stdin)
		in.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for {
			fmt.Print("> ")
			if !in.Scan() {
				fmt.Println()
				return in.Err()
			}
			line := strings.TrimSpace(in.Text())
			switch line {
			case "":
				continue
			case "/exit", "/quit":
				return nil
			case "/clear":
				a.ClearMemory()
				if err := mgr.ClearMessages(sess); err != nil {
					return err
				}
				fmt.Println("✓ Conversation cleared")
				continue
			}
			if err := mgr.AppendUser(sess, line); err != nil {
				return err
			}
			resp := a.Run(ctx, line)
			if err := mgr.AppendAssistant(sess, resp); err != nil {
				logger.Error("persist response", zap.String("session", sess.ID), zap.Error(err))
			}
			if err := printResponse(os.Stdout, resp, chatJSON); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatSessionID, "session", "", "resume an existing session by id")
	chatCmd.Flags().BoolVar(&chatJSON, "json", false, "print each response envelope as JSON")
}
