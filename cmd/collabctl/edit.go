package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/boardroom/collab/internal/collab"
	"github.com/boardroom/collab/internal/config"
	"github.com/boardroom/collab/internal/document"
	"github.com/boardroom/collab/internal/presence"
	"github.com/boardroom/collab/internal/transport"
)

const editHelp = `commands:
  i <pos> <text>   insert text at pos
  d <pos> <len>    delete len characters at pos
  show             print the document
  who              list users and their presence
  feed             print unread notifications
  away | online    change your presence
  quit             leave the document`

func newEditCmd(configName *string) *cobra.Command {
	var (
		userID string
		mode   string
	)
	cmd := &cobra.Command{
		Use:   "edit <document-id>",
		Short: "Open a document and edit it line by line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configName)
			if err != nil {
				return err
			}
			if userID != "" {
				cfg.Client.UserID = userID
			}
			ccfg, err := collab.FromClientConfig(cfg.Client)
			if err != nil {
				return err
			}
			dm := document.Mode(mode)
			if !dm.Valid() {
				return fmt.Errorf("collabctl: unknown mode %q", mode)
			}

			dialer := transport.WSDialer{URL: cfg.Client.URL, Token: cfg.Client.Token, Timeout: 10 * time.Second}
			c, err := collab.New(ccfg, dialer, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			if err := c.Connect(ctx); err != nil {
				return err
			}
			return edit(cmd.Context(), c, args[0], dm, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (overrides client.user_id)")
	cmd.Flags().StringVar(&mode, "mode", string(document.ModeOT), "concurrency mode: ot or crdt")
	return cmd
}

func edit(ctx context.Context, c *collab.Client, docID string, mode document.Mode, in io.Reader, out io.Writer) error {
	if err := c.Documents.Open(ctx, docID, docID, mode); err != nil {
		return err
	}
	if err := c.SetPresence(presence.StatusOnline, presence.ActivityEditing, docID); err != nil {
		return err
	}
	unsubscribe, err := c.Documents.Subscribe(docID, func(ev document.Event) {
		if ev.Local {
			return
		}
		switch ev.Kind {
		case document.EventOperation, document.EventSnapshot:
			content, _ := c.Documents.Content(docID)
			fmt.Fprintf(out, "[v%d] %s\n", ev.Version, content)
		case document.EventConflict:
			fmt.Fprintf(out, "conflict %s: remote edit by %s\n", ev.Conflict.ID, ev.Conflict.RemoteOperation.UserID)
		}
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	fmt.Fprintln(out, editHelp)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		done, err := runLine(c, docID, line, out)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
		if done {
			return nil
		}
	}
	return sc.Err()
}

var errUsage = errors.New("unrecognized command, see the list above")

// runLine executes one editor command and reports whether the session is over.
func runLine(c *collab.Client, docID, line string, out io.Writer) (bool, error) {
	verb, rest, _ := strings.Cut(line, " ")
	switch verb {
	case "i":
		posArg, text, ok := strings.Cut(rest, " ")
		pos, err := strconv.Atoi(posArg)
		if !ok || err != nil {
			return false, errUsage
		}
		_, err = c.Documents.InsertText(docID, pos, text)
		return false, err
	case "d":
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			return false, errUsage
		}
		pos, err1 := strconv.Atoi(fields[0])
		n, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			return false, errUsage
		}
		_, err := c.Documents.DeleteText(docID, pos, n)
		return false, err
	case "show":
		content, err := c.Documents.Content(docID)
		if err != nil {
			return false, err
		}
		v, _ := c.Documents.Version(docID)
		pending, _ := c.Documents.Pending(docID)
		fmt.Fprintf(out, "[v%d, %d pending, %s] %s\n", v, len(pending), c.State().Status, content)
	case "who":
		for _, r := range c.Presence.List() {
			fmt.Fprintf(out, "%-16s %-8s %s\n", r.UserID, r.Status, r.Location)
		}
	case "feed":
		for _, n := range c.Notifications.Feed() {
			if n.Read {
				continue
			}
			fmt.Fprintf(out, "%-8s %s: %s\n", n.Priority, n.Title, n.Message)
			c.Notifications.MarkNotificationRead(n.ID)
		}
	case "away":
		return false, c.SetPresence(presence.StatusAway, presence.ActivityIdle, docID)
	case "online":
		return false, c.SetPresence(presence.StatusOnline, presence.ActivityEditing, docID)
	case "quit":
		return true, nil
	default:
		return false, errUsage
	}
	return false, nil
}
