package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/loom/internal/config"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a chat message and print the reply",
	Long: `Send a chat message and print the reply.

Examples:
  loom chat --user alice "What is the capital of Estonia?"
  loom chat --user alice --conversation 4f1c... "And its population?"
  loom chat --user alice --url https://example.com/report "Summarize this"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		message := strings.Join(args, " ")
		userID, _ := cmd.Flags().GetString("user")
		conversationID, _ := cmd.Flags().GetString("conversation")
		urls, _ := cmd.Flags().GetStringArray("url")
		noStream, _ := cmd.Flags().GetBool("no-stream")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if conversationID == "" {
			mode := "assistant"
			if len(urls) > 0 {
				mode = "url"
			}
			resp, err := client.post(ctx, "/v1/conversations", map[string]any{
				"user_id": userID,
				"mode":    mode,
			})
			if err != nil {
				return err
			}
			var conv struct {
				ID string `json:"id"`
			}
			if err := decodeJSON(resp, &conv); err != nil {
				return err
			}
			conversationID = conv.ID
			fmt.Fprintf(os.Stderr, "conversation: %s\n", conversationID)
		}

		for _, u := range urls {
			resp, err := client.post(ctx, "/v1/conversations/"+conversationID+"/resources", map[string]any{
				"type": "url",
				"url":  u,
			})
			if err != nil {
				return err
			}
			var result map[string]string
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
		}

		if noStream {
			resp, err := client.post(ctx, "/v1/conversations/"+conversationID+"/messages", map[string]any{
				"content": message,
			})
			if err != nil {
				return err
			}
			var reply struct {
				Content string `json:"content"`
			}
			if err := decodeJSON(resp, &reply); err != nil {
				return err
			}
			fmt.Println(reply.Content)
			return nil
		}

		return client.streamChat(ctx, conversationID, message, os.Stdout)
	},
}

func init() {
	chatCmd.Flags().String("user", "default", "user id for new conversations")
	chatCmd.Flags().String("conversation", "", "existing conversation id")
	chatCmd.Flags().StringArray("url", nil, "URL to attach before sending (repeatable)")
	chatCmd.Flags().Bool("no-stream", false, "wait for the full reply instead of streaming")
}

// --- register ---

var registerCmd = &cobra.Command{
	Use:   "register <user-id>",
	Short: "Submit a registration event for webhook delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/register", map[string]any{
			"user_id": args[0],
			"email":   email,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Registration accepted (event %s)", result["event_id"])
		return nil
	},
}

func init() {
	registerCmd.Flags().String("email", "", "email address for the registration event")
}

// --- notifications ---

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Inspect notification delivery",
}

var notificationsFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List notifications that exhausted all delivery attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/notifications/failed")
		if err != nil {
			return err
		}

		var entries []struct {
			Event struct {
				ID     string `json:"id"`
				Type   string `json:"type"`
				UserID string `json:"user_id"`
			} `json:"event"`
			Attempts int    `json:"attempts"`
			Error    string `json:"error"`
			FailedAt string `json:"failed_at"`
		}
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("No failed notifications.")
			return nil
		}

		for _, e := range entries {
			fmt.Printf("%s  %s  %s  attempts=%d\n",
				colorize(colorCyan, e.Event.ID[:8]),
				e.FailedAt,
				e.Event.Type,
				e.Attempts,
			)
			if e.Error != "" {
				fmt.Printf("  %s\n", e.Error)
			}
		}
		return nil
	},
}

func init() {
	notificationsCmd.AddCommand(notificationsFailedCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable configuration keys",
	Run: func(cmd *cobra.Command, args []string) {
		for _, k := range config.ValidKeys() {
			fmt.Println(" ", k)
		}
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
}
