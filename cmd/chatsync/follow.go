package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/orchestra-mcp/chatsync/src/service"
	"github.com/orchestra-mcp/chatsync/src/summary"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/spf13/cobra"
)

func newFollowCmd(f *rootFlags) *cobra.Command {
	var (
		asJSON bool
		tail   int
	)
	cmd := &cobra.Command{
		Use:   "follow <friend-id>",
		Short: "Print a conversation and follow it live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			friend, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("friend id %q: %w", args[0], err)
			}
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			logger, err := stderrLogger(cfg.Log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sess, err := service.NewSession(cfg, nil, nil, logger)
			if err != nil {
				return err
			}
			defer sess.Close()
			return follow(ctx, sess, types.UserID(friend), tail, printer(cmd.OutOrStdout(), sess.Me(), asJSON))
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON event per line")
	cmd.Flags().IntVar(&tail, "tail", 20, "history messages to print first, 0 for all")
	return cmd
}

// follow prints the last tail messages, then every live event of the
// conversation until ctx is done or the socket closes.
func follow(ctx context.Context, sess *service.Session, friend types.UserID, tail int, print func(types.Event)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess.OnStateChange(func(st types.ConnectionState) {
		if st == types.Disconnected {
			cancel()
		}
	})

	if err := sess.Connect(ctx); err != nil {
		return err
	}
	view, err := sess.OpenConversation(ctx, friend)
	if view != nil {
		defer view.Close()
	}
	if err != nil {
		return err
	}

	history := view.Messages()
	if tail > 0 && len(history) > tail {
		history = history[len(history)-tail:]
	}
	for _, m := range history {
		print(types.NewCreated(m))
	}

	me := sess.Me()
	id := sess.Hub().Subscribe(func(ev types.Event) error {
		switch {
		case ev.Message != nil && !ev.Message.Between(me, friend):
			return nil
		case ev.Receipt != nil && ev.Receipt.SenderID != friend && ev.Receipt.SenderID != me:
			return nil
		}
		print(ev)
		return nil
	}, types.EventCreated, types.EventUpdated, types.EventDeleted, types.EventReadReceipt)
	defer sess.Unsubscribe(id)

	<-ctx.Done()
	return nil
}

func printer(w io.Writer, me types.UserID, asJSON bool) func(types.Event) {
	if asJSON {
		return func(ev types.Event) {
			if frame, err := ev.Encode(); err == nil {
				fmt.Fprintf(w, "%s\n", frame)
			}
		}
	}
	return func(ev types.Event) {
		switch {
		case ev.Message != nil:
			who := "them"
			if ev.Message.Mine(me) {
				who = "me"
			}
			fmt.Fprintf(w, "%s %-7s #%d %s: %s\n", ev.Message.CreatedAt.Local().Format(time.TimeOnly), short(ev.Type), ev.Message.ID, who, ev.Message.Text)
		case ev.Deleted != nil:
			fmt.Fprintf(w, "%s #%d\n", short(ev.Type), ev.Deleted.ID)
		case ev.Receipt != nil:
			fmt.Fprintf(w, "read    messages from %d\n", ev.Receipt.SenderID)
		}
	}
}

func short(t types.EventType) string {
	switch t {
	case types.EventCreated:
		return "new"
	case types.EventUpdated:
		return "edited"
	case types.EventDeleted:
		return "deleted"
	}
	return string(t)
}

func newChatsCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "Print the recent-chats list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			logger, err := stderrLogger(cfg.Log)
			if err != nil {
				return err
			}
			sess, err := service.NewSession(cfg, nil, nil, logger)
			if err != nil {
				return err
			}
			defer sess.Close()

			list, err := sess.OpenChatList(cmd.Context())
			if list != nil {
				defer list.Close()
			}
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FRIEND\tNAME\tUNREAD\tLAST\tWHEN")
			for _, r := range list.Summaries() {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.FriendID, r.Name, summary.Badge(r.UnreadCount), r.LastMessage, r.Timestamp.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}
