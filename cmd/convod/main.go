package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tradelinehq/convo/internal/app"
	"github.com/tradelinehq/convo/internal/bus"
	"github.com/tradelinehq/convo/internal/model"
	"github.com/tradelinehq/convo/internal/status"
	intsync "github.com/tradelinehq/convo/internal/sync"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default ~/.convo/config.toml)")
	convFlag := flag.String("conversation", "", "conversation id to follow")
	flag.Parse()

	if *convFlag == "" {
		fmt.Fprintln(os.Stderr, "usage: convod [--config <path>] --conversation <id>")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Follows one conversation: prints arrivals as they merge, sends")
		fmt.Fprintln(os.Stderr, "each stdin line as a message. /more loads older history, /retry")
		fmt.Fprintln(os.Stderr, "<tempId> re-issues a failed send, /quit exits.")
		os.Exit(1)
	}

	var (
		b      *bus.Bus
		mgr    *intsync.Manager
		roster *intsync.Roster
	)
	fxApp := fx.New(
		app.Module(app.Params{ConfigPath: *configFlag}),
		fx.Populate(&b, &mgr, &roster),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := fxApp.Start(startCtx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	code := run(b, mgr, roster, *convFlag, fxApp.Done())

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	stopErr := fxApp.Stop(stopCtx)
	cancel()
	if stopErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", stopErr)
		code = 1
	}
	os.Exit(code)
}

func run(b *bus.Bus, mgr *intsync.Manager, roster *intsync.Roster, conversationID string, signals <-chan os.Signal) int {
	timelineCh, unsubTimeline := b.Subscribe("timeline.", 128)
	defer unsubTimeline()
	convCh, unsubConv := b.Subscribe("conversation.", 64)
	defer unsubConv()
	connCh, unsubConn := b.Subscribe("conn.", 16)
	defer unsubConn()

	sess, err := mgr.Open(context.Background(), conversationID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open conversation: %v\n", err)
		return 1
	}

	rows := sess.Messages()
	fmt.Printf("-- following %s (%d messages", conversationID, len(rows))
	if sess.HasMore() {
		fmt.Printf(", more available via /more")
	}
	fmt.Println(")")
	for i := len(rows) - 1; i >= 0; i-- {
		printMessage(rows[i])
	}

	contactID := contactFor(sess, roster)

	inputDone := make(chan struct{})
	go func() {
		defer close(inputDone)
		readInput(sess, contactID)
	}()

	var lastTop string
	for {
		select {
		case evt := <-timelineCh:
			upd, ok := evt.Payload.(intsync.TimelineUpdate)
			if !ok || upd.ConversationID != conversationID {
				continue
			}
			if top, changed := topChanged(sess, &lastTop); changed {
				printMessage(top)
			}
		case evt := <-connCh:
			if sc, ok := evt.Payload.(status.StateChange); ok {
				fmt.Printf("-- connection: %s\n", strings.ToLower(string(sc.To)))
			}
		case evt := <-convCh:
			c, ok := evt.Payload.(model.Conversation)
			if !ok || c.ID == conversationID || c.UnreadCount == 0 {
				continue
			}
			name := c.ContactName
			if name == "" {
				name = c.ID
			}
			fmt.Printf("-- %s: %d unread\n", name, c.UnreadCount)
		case <-inputDone:
			return 0
		case <-signals:
			return 0
		}
	}
}

// topChanged reports whether the newest row differs from the last one
// printed, including its delivery badge.
func topChanged(sess *intsync.Session, last *string) (model.Message, bool) {
	rows := sess.Messages()
	if len(rows) == 0 {
		return model.Message{}, false
	}
	top := rows[0]
	key := top.Key() + "|" + string(top.Status) + "|" + top.Body
	if key == *last {
		return model.Message{}, false
	}
	*last = key
	return top, true
}

func readInput(sess *intsync.Session, contactID string) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case line == "/quit":
			return
		case line == "/more":
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			loaded, err := sess.LoadMore(ctx)
			cancel()
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: load more: %v\n", err)
			} else if !loaded {
				fmt.Println("-- no more history")
			} else {
				fmt.Printf("-- loaded older messages (%d total)\n", len(sess.Messages()))
			}
		case strings.HasPrefix(line, "/retry "):
			tempID := strings.TrimSpace(strings.TrimPrefix(line, "/retry "))
			if err := sess.Retry(tempID); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
		case line == "/status":
			if sess.Connected() {
				fmt.Println("-- connection: live")
			} else {
				fmt.Println("-- connection: polling")
			}
		default:
			sess.Send(model.SendPayload{
				ContactID: contactID,
				Kind:      model.KindSMS,
				Body:      line,
			})
		}
	}
}

// contactFor resolves the contact behind the conversation, from the
// roster when it has it, otherwise from the loaded history.
func contactFor(sess *intsync.Session, roster *intsync.Roster) string {
	for _, c := range roster.Conversations() {
		if c.ID == sess.ConversationID() && c.ContactID != "" {
			return c.ContactID
		}
	}
	for _, m := range sess.Messages() {
		if m.ContactID != "" {
			return m.ContactID
		}
	}
	return ""
}

func printMessage(m model.Message) {
	ts := time.UnixMilli(m.CreatedAt).Format("15:04")
	arrow := "<-"
	if m.Direction == model.DirectionOutbound {
		arrow = "->"
	}

	body := m.Body
	if m.Kind == model.KindEmail {
		if m.Subject != "" {
			body = "[" + m.Subject + "] " + body
		}
		if m.NeedsContent {
			body = strings.TrimSpace(body + " (loading)")
		}
	}

	suffix := ""
	switch m.Status {
	case model.StatusSending:
		suffix = " (sending " + m.TempID + ")"
	case model.StatusFailed:
		suffix = " (failed, /retry " + m.TempID + ")"
	case model.StatusSent:
		suffix = " (sent)"
	}
	fmt.Printf("[%s] %s %s%s\n", ts, arrow, body, suffix)
}
