package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tradelinehq/convo/internal/config"
	"github.com/tradelinehq/convo/internal/crm"
	"github.com/tradelinehq/convo/internal/model"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default ~/.convo/config.toml)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	path := *configFlag
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	client := crm.NewClient(cfg.APIBaseURL, cfg.Token, cfg.LocationID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "conversations":
		cmdConversations(ctx, client, *jsonFlag)
	case "messages":
		cmdMessages(ctx, client, args[1:], *jsonFlag)
	case "send":
		cmdSend(ctx, client, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: convoctl [--config <path>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  conversations                         List conversations")
	fmt.Fprintln(os.Stderr, "  messages --conversation <id>          Show the newest page")
	fmt.Fprintln(os.Stderr, "  send --conversation <id> --contact <id> [--kind email] [--subject <s>] <text>")
}

func cmdConversations(ctx context.Context, client *crm.Client, asJSON bool) {
	convs, err := client.ListConversations(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if asJSON {
		_ = json.NewEncoder(os.Stdout).Encode(convs)
		return
	}
	for _, c := range convs {
		name := c.ContactName
		if name == "" {
			name = c.ContactID
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf("  (%d unread)", c.UnreadCount)
		}
		fmt.Printf("%s  %s%s\n", c.ID, name, unread)
		if c.LastMessagePreview != "" {
			fmt.Printf("    %s\n", c.LastMessagePreview)
		}
	}
}

func cmdMessages(ctx context.Context, client *crm.Client, args []string, asJSON bool) {
	fs := flag.NewFlagSet("messages", flag.ExitOnError)
	conv := fs.String("conversation", "", "conversation id")
	limit := fs.Int("limit", 20, "page size")
	_ = fs.Parse(args)
	if *conv == "" {
		fmt.Fprintln(os.Stderr, "usage: convoctl messages --conversation <id> [--limit <n>]")
		os.Exit(1)
	}

	page, err := client.ListMessages(ctx, *conv, *limit, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if asJSON {
		_ = json.NewEncoder(os.Stdout).Encode(page)
		return
	}
	for i := len(page.Messages) - 1; i >= 0; i-- {
		m := page.Messages[i]
		ts := time.UnixMilli(m.CreatedAt).Format("2006-01-02 15:04")
		arrow := "<-"
		if m.Direction == model.DirectionOutbound {
			arrow = "->"
		}
		fmt.Printf("[%s] %s %s\n", ts, arrow, m.Body)
	}
	if page.Info.HasMore {
		fmt.Printf("(%d of %d, older messages remain)\n", len(page.Messages), page.Info.Total)
	}
}

func cmdSend(ctx context.Context, client *crm.Client, args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	conv := fs.String("conversation", "", "conversation id")
	contact := fs.String("contact", "", "contact id")
	kind := fs.String("kind", "sms", "message kind (sms or email)")
	subject := fs.String("subject", "", "email subject")
	_ = fs.Parse(args)

	body := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if *conv == "" || *contact == "" || body == "" {
		fmt.Fprintln(os.Stderr, "usage: convoctl send --conversation <id> --contact <id> [--kind email] [--subject <s>] <text>")
		os.Exit(1)
	}

	k := model.KindSMS
	if strings.EqualFold(*kind, "email") {
		k = model.KindEmail
	}

	err := client.SendMessage(ctx, model.SendPayload{
		ConversationID: *conv,
		ContactID:      *contact,
		Kind:           k,
		Body:           body,
		Subject:        *subject,
	}, uuid.NewString())
	if crm.IsFalseNegativeSend(err) {
		err = nil
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("sent")
}
