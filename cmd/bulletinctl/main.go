package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/blackmichael/bulletin-relay/internal/bulletinclient"
	"github.com/blackmichael/bulletin-relay/internal/domain"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		server    string
		secret    string
		author    uint64
		message   uint32
		text      string
		edit      bool
		timestamp int64
	)

	flagSet := pflag.NewFlagSet("bulletinctl", pflag.ContinueOnError)
	flagSet.StringVar(&server, "server", envOrDefault("BULLETIN_SERVER", "http://localhost:3000"), "relay base URL")
	flagSet.StringVar(&secret, "secret", envOrDefault("BULLETIN_WEBHOOK_SECRET", ""), "webhook secret for post")
	flagSet.Uint64Var(&author, "author", 0, "author id of the posted event")
	flagSet.Uint32Var(&message, "message", 0, "message id of the posted event")
	flagSet.StringVar(&text, "text", "", "message text; \"del\" on an edit deletes")
	flagSet.BoolVar(&edit, "edit", false, "post an edit instead of a new message")
	flagSet.Int64Var(&timestamp, "ts", 0, "message timestamp (default now)")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: bulletinctl [flags] list|post|health\n\n")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() != 1 {
		flagSet.Usage()
		return errors.New("exactly one action is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	client := bulletinclient.NewClient(server)

	switch action := flagSet.Arg(0); action {
	case "list":
		bulletins, err := client.List(ctx)
		if err != nil {
			return err
		}
		for _, b := range bulletins {
			mark := " "
			if b.Important {
				mark = "!"
			}
			fmt.Printf("%s %20d  %s  %s\n", mark, b.ID, time.Unix(b.Timestamp, 0).UTC().Format(time.RFC3339), b.Text)
		}
		return nil

	case "post":
		if secret == "" {
			return errors.New("--secret is required for post (or set BULLETIN_WEBHOOK_SECRET)")
		}
		if !flagSet.Changed("message") {
			return errors.New("--message is required for post")
		}
		if timestamp == 0 {
			timestamp = time.Now().Unix()
		}
		ev := domain.Event{
			AuthorID:  author,
			MessageID: message,
			Timestamp: timestamp,
			IsEdit:    edit,
		}
		if flagSet.Changed("text") {
			ev.Text = &text
		}
		outcome, err := client.Post(ctx, secret, ev)
		if err != nil {
			return err
		}
		fmt.Printf("%s (id %d)\n", outcome, domain.BulletinID(author, message))
		return nil

	case "health":
		if err := client.Health(ctx); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil

	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
