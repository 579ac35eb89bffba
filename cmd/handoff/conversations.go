package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	handoff "github.com/handoffdesk/handoff-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations list
	convListSearch    string
	convListAttention bool
	convListOpen      bool
	convListLimit     int
	convListJSON      bool

	// conversations show
	convShowJSON bool

	// send-file
	sendFileCaption string
)

// ============================================================================
// Root conversations command
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "List and act on conversations",
	Long:    "Inspect the conversation queue and take over, transfer, resolve or reply to conversations.",
}

// loadStore fetches one snapshot into a fresh store.
func loadStore(ctx context.Context, client *handoff.Client, q handoff.SnapshotQuery) (*handoff.ConversationStore, error) {
	convs, err := client.FetchSnapshot(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversations: %w", err)
	}
	store := handoff.NewConversationStore()
	store.ApplyReconciliation(handoff.Reconcile(nil, convs))
	return store, nil
}

// ============================================================================
// conversations list
// ============================================================================

var convListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, those needing attention first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient(true)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		store, err := loadStore(ctx, client, handoff.SnapshotQuery{Limit: convListLimit})
		if err != nil {
			return err
		}

		var out []handoff.Conversation
		for _, c := range store.Search(convListSearch) {
			if convListAttention && !c.NeedsAttention() {
				continue
			}
			if convListOpen && !c.IsOpen() {
				continue
			}
			out = append(out, c)
		}

		if convListJSON {
			return printJSON(out)
		}
		if len(out) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range out {
			fmt.Println(conversationLine(c))
		}
		if store.NeedsAttention() {
			fmt.Println()
			fmt.Println("! conversations are waiting for an operator")
		}
		return nil
	},
}

// ============================================================================
// conversations show
// ============================================================================

var convShowCmd = &cobra.Command{
	Use:   "show <composite-id>",
	Short: "Show a conversation and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient(true)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		store, err := loadStore(ctx, client, handoff.SnapshotQuery{})
		if err != nil {
			return err
		}
		c, ok := store.Get(args[0])
		if !ok {
			return fmt.Errorf("conversation %s not found", args[0])
		}
		if convShowJSON {
			return printJSON(c)
		}

		fmt.Printf("Conversation: %s\n", c.CompositeID)
		fmt.Printf("Contact:      %s (%s)\n", c.Name(), c.PhoneNumber)
		fmt.Printf("Status:       %s\n", c.Status)
		if c.HumanSupervisionRequested {
			fmt.Printf("Supervision:  requested (%s) at %s\n",
				valueOrDefault(c.HumanSupervisionDepartment, "any"), formatTime(c.LastHandoffAt))
		}
		fmt.Println()
		for _, m := range c.Messages {
			fmt.Println(messageLine(m))
		}
		return nil
	},
}

// ============================================================================
// Intents
// ============================================================================

func intentCmd(use, short string, nargs int, run func(ctx context.Context, c *handoff.Client, args []string) error, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := newClient(true)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			if err := run(ctx, client, args); err != nil {
				return err
			}
			fmt.Printf(done+"\n", args[0])
			return nil
		},
	}
}

var convSendCmd = intentCmd("send <composite-id> <text>", "Send a text message", 2,
	func(ctx context.Context, c *handoff.Client, args []string) error {
		return c.SendMessage(ctx, args[0], args[1])
	}, "Message sent to %s")

var convSendFileCmd = intentCmd("send-file <composite-id> <path>", "Send a file, optionally captioned", 2,
	func(ctx context.Context, c *handoff.Client, args []string) error {
		f, err := os.Open(args[1])
		if err != nil {
			return fmt.Errorf("cannot open file: %w", err)
		}
		defer f.Close()
		return c.SendFile(ctx, args[0], sendFileCaption, filepath.Base(args[1]), f)
	}, "File sent to %s")

var convResolveCmd = intentCmd("resolve <composite-id>", "Mark a conversation as solved", 1,
	func(ctx context.Context, c *handoff.Client, args []string) error {
		return c.Resolve(ctx, args[0])
	}, "Resolved %s")

var convTransferCmd = intentCmd("transfer <composite-id> <department>", "Route a conversation to another department", 2,
	func(ctx context.Context, c *handoff.Client, args []string) error {
		return c.Transfer(ctx, args[0], args[1])
	}, "Transferred %s")

var convTakeOverCmd = intentCmd("take-over <composite-id>", "Disable the bot and take over a conversation", 1,
	func(ctx context.Context, c *handoff.Client, args []string) error {
		return c.TakeOver(ctx, args[0])
	}, "Took over %s")

func init() {
	convListCmd.Flags().StringVarP(&convListSearch, "search", "s", "", "Filter by phone number or message text")
	convListCmd.Flags().BoolVar(&convListAttention, "attention", false, "Only conversations waiting for an operator")
	convListCmd.Flags().BoolVar(&convListOpen, "open", false, "Only open conversations")
	convListCmd.Flags().IntVarP(&convListLimit, "limit", "n", 0, "Maximum conversations to fetch")
	convListCmd.Flags().BoolVar(&convListJSON, "json", false, "Output raw JSON")

	convShowCmd.Flags().BoolVar(&convShowJSON, "json", false, "Output raw JSON")

	convSendFileCmd.Flags().StringVar(&sendFileCaption, "caption", "", "Text sent with the file")

	conversationsCmd.AddCommand(convListCmd, convShowCmd, convSendCmd, convSendFileCmd,
		convResolveCmd, convTransferCmd, convTakeOverCmd)
	rootCmd.AddCommand(conversationsCmd)
}
