package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	chatJSON bool

	// send
	sendReplyTo string
	sendFile    string
	sendGroup   bool
	sendWait    time.Duration

	// history
	historyOlder int

	// forward
	forwardTargets []string
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&chatJSON, "json", false, "print messages as JSON")

	sendCmd.Flags().StringVar(&sendReplyTo, "reply", "", "id of the message to reply to")
	sendCmd.Flags().StringVar(&sendFile, "file", "", "upload a file and send it as a media message")
	sendCmd.Flags().BoolVar(&sendGroup, "group", false, "the conversation is a group")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 10*time.Second, "how long to wait for the confirmation")

	historyCmd.Flags().IntVar(&historyOlder, "older", 0, "also load this many older pages")

	forwardCmd.Flags().StringSliceVar(&forwardTargets, "to", nil, "target conversation ids")
	_ = forwardCmd.MarkFlagRequired("to")

	rootCmd.AddCommand(tailCmd, sendCmd, historyCmd, reactCmd, recallCmd, deleteCmd, forwardCmd, pendingCmd)
}

func printMessages(out io.Writer, msgs []*chatsync.Message) error {
	if chatJSON {
		enc := json.NewEncoder(out)
		for _, m := range msgs {
			if err := enc.Encode(m); err != nil {
				return err
			}
		}
		return nil
	}
	for _, m := range msgs {
		fmt.Fprintln(out, formatMessage(m))
	}
	return nil
}

// withSession loads the config, opens a connected session and runs fn.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ctx := cmd.Context()
	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func timeoutCtx(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(ctx, d)
}

// ============================================================================
// tail
// ============================================================================

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Follow a conversation live",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		out := cmd.OutOrStdout()
		return withSession(cmd, func(ctx context.Context, s *session) error {
			printed := make(map[string]string)
			show := func() {
				var fresh []*chatsync.Message
				for _, m := range s.engine.Store().Messages(convID) {
					line := formatMessage(m)
					if printed[m.Key()] == line {
						continue
					}
					printed[m.Key()] = line
					if m.TempID != "" {
						printed[m.TempID] = line
					}
					fresh = append(fresh, m)
				}
				_ = printMessages(out, fresh)
			}

			changed := make(chan struct{}, 1)
			s.engine.Store().OnChange(func(c chatsync.Change) {
				if c.ConversationID != convID {
					return
				}
				select {
				case changed <- struct{}{}:
				default:
				}
			})
			s.engine.OnStateChange(func(st chatsync.ConnectionState) {
				fmt.Fprintf(cmd.ErrOrStderr(), "-- %s\n", st)
			})
			if err := s.engine.OpenConversation(ctx, convID, nil, false); err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-changed:
					show()
				}
			}
		})
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [content...]",
	Short: "Send a message and wait for its confirmation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		content := strings.Join(args[1:], " ")
		if content == "" && sendFile == "" {
			return fmt.Errorf("nothing to send: pass content or --file")
		}
		return withSession(cmd, func(ctx context.Context, s *session) error {
			s.engine.SetParticipants(convID, nil, sendGroup)
			opts := &chatsync.SendOptions{ReplyTo: sendReplyTo}

			var (
				tempID string
				err    error
			)
			if sendFile != "" {
				data, rerr := os.ReadFile(sendFile)
				if rerr != nil {
					return fmt.Errorf("failed to read file: %w", rerr)
				}
				tempID, err = s.engine.SendMedia(ctx, convID, data, filepath.Base(sendFile), opts)
			} else {
				tempID, err = s.engine.Send(ctx, convID, content, opts)
			}
			if err != nil {
				return err
			}

			wctx, cancel := timeoutCtx(ctx, sendWait)
			defer cancel()
			err = waitFor(wctx, s.engine, func() bool {
				m := s.engine.Store().Get(convID, tempID)
				return m != nil && m.Confirmed()
			})
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "not confirmed yet, %s stays in the outbox\n", tempID)
				return nil
			}
			return printMessages(cmd.OutOrStdout(), []*chatsync.Message{s.engine.Store().Get(convID, tempID)})
		})
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the loaded history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		return withSession(cmd, func(ctx context.Context, s *session) error {
			lctx, cancel := timeoutCtx(ctx, 15*time.Second)
			defer cancel()
			if err := openAndLoad(lctx, s, convID); err != nil {
				return err
			}
			for i := 0; i < historyOlder; i++ {
				err := s.engine.LoadOlder(lctx, convID)
				if errors.Is(err, chatsync.ErrNoMoreHistory) {
					break
				}
				if err != nil {
					return err
				}
				err = waitFor(lctx, s.engine, func() bool {
					return !s.engine.Loading(convID, chatsync.DirectionOlder)
				})
				if err != nil {
					return err
				}
			}
			conv := s.engine.Store().Conversation(convID)
			if err := printMessages(cmd.OutOrStdout(), conv.Messages); err != nil {
				return err
			}
			if conv.HasMoreOlder && !chatJSON {
				fmt.Fprintln(cmd.ErrOrStderr(), "-- older history available (--older)")
			}
			return nil
		})
	},
}

// ============================================================================
// react / recall / delete
// ============================================================================

var reactCmd = &cobra.Command{
	Use:   "react <conversation-id> <message-id> <kind>",
	Short: "Toggle a reaction on a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, msgID, kind := args[0], args[1], args[2]
		return withSession(cmd, func(ctx context.Context, s *session) error {
			lctx, cancel := timeoutCtx(ctx, 15*time.Second)
			defer cancel()
			if err := openAndLoad(lctx, s, convID); err != nil {
				return err
			}
			before := s.engine.Store().Get(convID, msgID)
			if err := s.engine.React(lctx, convID, msgID, kind); err != nil {
				return err
			}
			_ = waitFor(lctx, s.engine, func() bool {
				m := s.engine.Store().Get(convID, msgID)
				return m != nil && before != nil &&
					m.Reactions[kind].TotalCount != before.Reactions[kind].TotalCount
			})
			return printMessages(cmd.OutOrStdout(), []*chatsync.Message{s.engine.Store().Get(convID, msgID)})
		})
	},
}

func mutationCmd(use, short string, apply func(*chatsync.Engine, context.Context, string, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <conversation-id> <message-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			convID, msgID := args[0], args[1]
			return withSession(cmd, func(ctx context.Context, s *session) error {
				lctx, cancel := timeoutCtx(ctx, 15*time.Second)
				defer cancel()
				if err := openAndLoad(lctx, s, convID); err != nil {
					return err
				}
				if err := apply(s.engine, lctx, convID, msgID); err != nil {
					return err
				}
				// Give the channel a moment to flush the request.
				_ = waitFor(lctx, s.engine, func() bool { return s.engine.IsConnected() })
				time.Sleep(200 * time.Millisecond)
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", use, msgID)
				return nil
			})
		},
	}
}

var recallCmd = mutationCmd("recall", "Recall one of your messages for everyone", (*chatsync.Engine).Recall)

var deleteCmd = mutationCmd("delete", "Hide one of your messages from your own view", (*chatsync.Engine).Delete)

// ============================================================================
// forward
// ============================================================================

var forwardCmd = &cobra.Command{
	Use:   "forward <conversation-id> <message-id>",
	Short: "Forward a message to other conversations",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, msgID := args[0], args[1]
		return withSession(cmd, func(ctx context.Context, s *session) error {
			lctx, cancel := timeoutCtx(ctx, 15*time.Second)
			defer cancel()
			if err := openAndLoad(lctx, s, convID); err != nil {
				return err
			}
			tempIDs, err := s.engine.Forward(lctx, convID, msgID, forwardTargets)
			for _, id := range tempIDs {
				fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", id)
			}
			if err != nil {
				return err
			}
			_ = waitFor(lctx, s.engine, func() bool {
				for _, target := range forwardTargets {
					if len(s.engine.Pending(target)) > 0 {
						return false
					}
				}
				return true
			})
			return nil
		})
	},
}

// ============================================================================
// pending
// ============================================================================

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List sends waiting in the outbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		path, err := outboxPath(cfg)
		if err != nil {
			return err
		}
		ob, err := openOutbox(path)
		if err != nil {
			return err
		}
		defer ob.Close()
		list, err := ob.List()
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Outbox is empty.")
			return nil
		}
		msgs := make([]*chatsync.Message, 0, len(list))
		for _, p := range list {
			msgs = append(msgs, p.Message)
		}
		return printMessages(cmd.OutOrStdout(), msgs)
	},
}
