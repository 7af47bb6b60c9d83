package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/matheus3301/rtchat/internal/bus"
	"github.com/matheus3301/rtchat/internal/conn"
	"github.com/matheus3301/rtchat/internal/presence"
	"github.com/matheus3301/rtchat/internal/protocol"
	"github.com/matheus3301/rtchat/internal/reconcile"
	"github.com/matheus3301/rtchat/internal/runtime"
)

func init() {
	watchCmd.Flags().StringSlice("presence", nil, "account ids whose presence to follow")
	watchCmd.Flags().Bool("seen", false, "mark every inbound message as seen")
	rootCmd.AddCommand(watchCmd)
}

// printer is a conversation view that writes one line per change.
type printer struct {
	mu sync.Mutex
}

func (p *printer) line(conversationID, format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if jsonFlag {
		_ = printJSON(map[string]any{
			"at":             time.Now().UTC(),
			"conversationId": conversationID,
			"event":          fmt.Sprintf(format, args...),
		})
		return
	}
	fmt.Printf("%s [%s] %s\n", time.Now().Format("15:04:05"), conversationID, fmt.Sprintf(format, args...))
}

func (p *printer) RenderPending(m reconcile.OptimisticMessage) {
	p.line(m.ConversationID, "sending %s: %s", m.TempID, m.Content)
}

func (p *printer) MarkSent(m reconcile.OptimisticMessage) {
	p.line(m.ConversationID, "sent %s as %s", m.TempID, m.MessageID)
}

func (p *printer) MarkFailed(m reconcile.OptimisticMessage) {
	p.line(m.ConversationID, "failed %s: %v", m.TempID, m.Err)
}

func (p *printer) ClearSentMarkers(string) {}

func (p *printer) RenderInbound(m protocol.NewMessage) {
	p.line(m.ConversationID, "%s: %s", m.SenderID, m.Content)
}

func (p *printer) MarkSeen(messageID, accountID string) {
	p.line("", "%s saw %s", accountID, messageID)
}

func (p *printer) InsertTypingIndicator(conversationID, accountID string) {
	p.line(conversationID, "%s is typing", accountID)
}

func (p *printer) RemoveTypingIndicator(conversationID, accountID string) {
	p.line(conversationID, "%s stopped typing", accountID)
}

func (p *printer) DistanceFromBottom() int { return 0 }
func (p *printer) ScrollToBottom()         {}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>...",
	Short: "Join conversations and print live events until interrupted",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, cfg, err := loadProfile()
		if err != nil {
			return err
		}
		follow, _ := cmd.Flags().GetStringSlice("presence")
		markSeen, _ := cmd.Flags().GetBool("seen")

		var rt *runtime.Runtime
		app := fx.New(
			runtime.Module(runtime.Params{Profile: name, Config: cfg, Quiet: !verboseFlag}),
			fx.Populate(&rt),
			fx.NopLogger,
		)
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := app.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = app.Stop(stopCtx)
		}()

		events, unsubscribe := rt.Bus.Subscribe("", 256)
		defer unsubscribe()

		p := &printer{}
		for _, id := range args {
			if err := rt.OpenConversation(id, p); err != nil {
				return fmt.Errorf("open %s: %w", id, err)
			}
		}
		if len(follow) > 0 {
			go func() {
				if err := rt.Presence.EnsureSnapshot(ctx, follow, true); err != nil {
					p.line("", "presence snapshot failed: %v", err)
				}
				for _, id := range follow {
					p.line("", "%s %s", id, describe(rt.Presence.ResolveStatus(id)))
				}
			}()
		}

		for {
			select {
			case <-ctx.Done():
				return nil
			case evt, ok := <-events:
				if !ok {
					return nil
				}
				switch evt.Kind {
				case bus.KindConnStateChanged:
					if c, ok := evt.Payload.(conn.Change); ok {
						p.line("", "connection %s -> %s", c.From, c.To)
					}
				case bus.KindPresenceUpdated:
					if c, ok := evt.Payload.(presence.Change); ok {
						p.line("", "%s %s", c.AccountID, describe(c.Status))
					}
				case bus.KindMessageRecalled, bus.KindMessageReactUpdated,
					bus.KindConversationThemeUpdated, bus.KindConversationInfoUpdated:
					p.line("", "%s %+v", evt.Kind, evt.Payload)
				case bus.KindMessageRendered:
					m, ok := evt.Payload.(protocol.NewMessage)
					if ok && markSeen && m.MessageID != "" && m.SenderID != rt.Conn.AccountID() {
						rt.MarkSeen(ctx, m.ConversationID, m.MessageID)
					}
				}
			}
		}
	},
}

func describe(st presence.Status) string {
	switch {
	case !st.CanShowStatus:
		return "hides their status"
	case st.Text == "":
		return "has no recent activity"
	}
	return st.Text
}
