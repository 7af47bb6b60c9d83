package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/matheus3301/rtchat/internal/api"
	"github.com/matheus3301/rtchat/internal/protocol"
)

func init() {
	sendCmd.Flags().String("temp-id", "", "correlation id (default: random); reuse it to resend safely")
	sendCmd.Flags().StringSlice("media", nil, "attachment URL, repeatable")
	historyCmd.Flags().Int("limit", 20, "number of messages to show")
	rootCmd.AddCommand(sendCmd, historyCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>...",
	Short: "Send a message to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg, err := loadProfile()
		if err != nil {
			return err
		}
		conversationID := args[0]
		if err := protocol.ValidateConversationID(conversationID); err != nil {
			return err
		}

		tempID, _ := cmd.Flags().GetString("temp-id")
		if tempID == "" {
			tempID = uuid.NewString()
		}
		urls, _ := cmd.Flags().GetStringSlice("media")
		req := api.SendMessageRequest{TempID: tempID, Content: strings.Join(args[1:], " ")}
		for _, u := range urls {
			req.Media = append(req.Media, api.MediaInput{URL: u})
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeoutFlag)
		defer cancel()
		resp, err := newAPIClient(cfg).SendMessage(ctx, conversationID, req)
		if err != nil {
			return fmt.Errorf("send message: %w", err)
		}

		if jsonFlag {
			return printJSON(map[string]any{
				"messageId": resp.MessageID,
				"tempId":    tempID,
				"sentAt":    resp.SentAt,
			})
		}
		fmt.Printf("sent %s (temp id %s) at %s\n", resp.MessageID, tempID, resp.SentAt.Local().Format(time.RFC3339))
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "List the latest messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg, err := loadProfile()
		if err != nil {
			return err
		}
		if err := protocol.ValidateConversationID(args[0]); err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		ctx, cancel := context.WithTimeout(cmd.Context(), timeoutFlag)
		defer cancel()
		msgs, err := newAPIClient(cfg).ListMessages(ctx, args[0], limit)
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}

		if jsonFlag {
			return printJSON(msgs)
		}
		for _, m := range msgs {
			line := m.Content
			if len(m.Media) > 0 {
				line = strings.TrimSpace(fmt.Sprintf("%s (%d attachments)", line, len(m.Media)))
			}
			fmt.Printf("%s %-16s %s\n", m.SentAt.Local().Format("2006-01-02 15:04"), m.SenderID, line)
		}
		return nil
	},
}
