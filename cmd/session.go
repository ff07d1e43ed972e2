package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/KaramelBytes/datachat/internal/session"
	"github.com/KaramelBytes/datachat/internal/utils"
)

var sessionShowJSON bool

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "List, show or delete saved chat sessions",
}

func sessionManager() (*session.Manager, error) {
	c, err := requireConfig()
	if err != nil {
		return nil, err
	}
	return session.NewManager(c.SessionsDir, logger), nil
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := sessionManager()
		if err != nil {
			return err
		}
		list, err := mgr.List()
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No sessions found")
			return nil
		}
		for _, s := range list {
			fmt.Printf("%s  last active %s  %d messages  %s\n", s.ID, s.LastActivity, len(s.Messages), s.FilePath)
		}
		return nil
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a session's conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := sessionManager()
		if err != nil {
			return err
		}
		s, err := mgr.Load(args[0])
		if err != nil {
			return err
		}
		if sessionShowJSON {
			b, err := utils.PrettyJSON(s)
			if err != nil {
				return err
			}
			fmt.Println(string(b))
			return nil
		}
		fmt.Printf("Session %s (created %s)\nDataset: %s\n", s.ID, s.CreatedAt, s.FilePath)
		for _, m := range s.Messages {
			fmt.Printf("\n[%s] %s:\n", m.Timestamp, m.Role)
			if m.Role == session.RoleAssistant {
				if resp, err := m.Response(); err == nil {
					fmt.Print(renderResponse(*resp))
					continue
				}
			}
			fmt.Println(m.Text())
		}
		return nil
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session and its files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := sessionManager()
		if err != nil {
			return err
		}
		if err := mgr.Delete(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "✓ Deleted session %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionDeleteCmd)
	sessionShowCmd.Flags().BoolVar(&sessionShowJSON, "json", false, "print the raw session document")
}
