package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/wellsync/wellsync/pkg/model"
)

var (
	sendTimeout time.Duration
	sendTitle   string
	sendLevel   string
)

func init() {
	sendCmd.PersistentFlags().DurationVar(&sendTimeout, "timeout", 10*time.Second, "time allowed to authenticate")
	sendNotificationCmd.Flags().StringVar(&sendTitle, "title", "", "notification title")
	sendNotificationCmd.Flags().StringVar(&sendLevel, "level", "", "info, success, warning or error")
	sendCmd.AddCommand(sendNotificationCmd, sendHealthCmd, sendProgressCmd)
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one message on the live channel",
}

var sendNotificationCmd = &cobra.Command{
	Use:   "notification <target-user> <message>",
	Short: "Notify another user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendOne(model.TypeNotification, model.NotificationPayload{
			TargetUserID: args[0],
			Message:      args[1],
			Title:        sendTitle,
			Level:        sendLevel,
		})
	},
}

var sendHealthCmd = &cobra.Command{
	Use:   "health <metrics-json>",
	Short: "Push a live health metric",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var metrics map[string]interface{}
		if err := json.Unmarshal([]byte(args[0]), &metrics); err != nil {
			return fmt.Errorf("metrics must be a JSON object: %w", err)
		}
		return sendOne(model.TypeHealthUpdate, model.HealthUpdatePayload{Metrics: metrics})
	},
}

var sendProgressCmd = &cobra.Command{
	Use:   "progress <challenge-id> <progress>",
	Short: "Report challenge progress",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		progress, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid progress %q", args[1])
		}
		return sendOne(model.TypeChallengeProgress, model.ChallengeProgressPayload{
			ChallengeID: args[0],
			Progress:    progress,
		})
	},
}

func sendOne(t model.MessageType, payload interface{}) error {
	msg, err := model.NewMessage(t, payload)
	if err != nil {
		return err
	}

	a, cfg, err := openAgent(false)
	if err != nil {
		return err
	}
	defer closeAgent(a)
	if cfg.Client.UserID == "" {
		return fmt.Errorf("no user id: run 'wellsync profile set user_id <id>' first")
	}

	ctx := context.Background()
	if err := waitAuthenticated(ctx, a, sendTimeout); err != nil {
		return err
	}
	if err := a.Send(ctx, msg); err != nil {
		return err
	}
	fmt.Printf("Sent %s\n", t)
	return nil
}
