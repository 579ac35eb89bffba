package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	handoff "github.com/handoffdesk/handoff-go"
)

var (
	followSelect    string
	followReconnect bool
)

func init() {
	followCmd.Flags().StringVar(&followSelect, "select", "", "Print every new message of this conversation")
	followCmd.Flags().BoolVar(&followReconnect, "reconnect", true, "Redial the push channel when it drops")
	rootCmd.AddCommand(followCmd)
}

var followCmd = &cobra.Command{
	Use:   "follow",
	Short: "Follow the conversation queue live",
	Long:  "Keep a live view of all conversations using the push channel and periodic snapshots.\nStops on Ctrl-C or when the session is rejected.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := newClient(true)
		if err != nil {
			return err
		}
		log := newLogger(cfg)
		defer log.Sync()

		opts := []handoff.SyncOption{
			handoff.WithLogger(log.SugaredLogger.Desugar()),
			handoff.WithAutoReconnect(followReconnect),
		}
		if d, ok, err := cfg.pollInterval(); err != nil {
			return err
		} else if ok {
			opts = append(opts, handoff.WithPollInterval(d))
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ctrl := handoff.NewSyncController(client, opts...)
		p := &followPrinter{ctrl: ctrl, selected: followSelect}
		ctrl.On(handoff.EventStoreChanged, p.storeChanged)
		ctrl.On(handoff.EventAttentionChanged, p.attentionChanged)
		ctrl.On(handoff.EventChannelState, p.channelState)
		ctrl.On(handoff.EventSyncError, p.syncError)
		ctrl.On(handoff.EventSelectionChanged, p.selectionChanged)

		err = ctrl.Run(ctx)
		if errors.Is(err, handoff.ErrUnauthorized) {
			return fmt.Errorf("session rejected by the backend; run 'handoff login' again")
		}
		return err
	},
}

// followPrinter renders controller events. Handlers run on the controller
// goroutine, one at a time.
type followPrinter struct {
	ctrl      *handoff.SyncController
	selected  string
	loaded    bool
	lastCount int
}

func (p *followPrinter) storeChanged(_ string, payload any) {
	change := payload.(handoff.StoreChange)
	store := p.ctrl.Store()

	switch change.Reason {
	case "append":
		c, ok := store.Get(change.ConversationID)
		if !ok {
			return
		}
		fmt.Println(conversationLine(c))
		if change.ConversationID == p.selected && len(c.Messages) > 0 {
			fmt.Println("    " + messageLine(c.Messages[len(c.Messages)-1]))
		}
	default:
		convs := store.Sorted()
		if !p.loaded {
			p.loaded = true
			for _, c := range convs {
				fmt.Println(conversationLine(c))
			}
			if p.selected != "" {
				p.ctrl.Select(p.selected)
			}
		} else if len(convs) != p.lastCount {
			fmt.Printf("-- %d conversations\n", len(convs))
		}
		p.lastCount = len(convs)
	}
}

func (p *followPrinter) attentionChanged(_ string, payload any) {
	if payload.(bool) {
		fmt.Println("!! a conversation is waiting for an operator")
	} else {
		fmt.Println("-- queue clear")
	}
}

func (p *followPrinter) channelState(_ string, payload any) {
	ch := payload.(handoff.ChannelChange)
	if ch.Err != nil {
		fmt.Fprintf(os.Stderr, "-- push channel %s: %v\n", ch.State, ch.Err)
		return
	}
	fmt.Fprintf(os.Stderr, "-- push channel %s\n", ch.State)
}

func (p *followPrinter) syncError(_ string, payload any) {
	fmt.Fprintf(os.Stderr, "-- refresh failed: %v\n", payload)
}

func (p *followPrinter) selectionChanged(_ string, payload any) {
	id := payload.(string)
	if id == "" && p.selected != "" {
		fmt.Fprintf(os.Stderr, "-- %s is no longer listed\n", p.selected)
		return
	}
	if c, ok := p.ctrl.Selected(); ok {
		fmt.Printf("== %s\n", c.Name())
		for _, m := range c.Messages {
			fmt.Println("    " + messageLine(m))
		}
	}
}

