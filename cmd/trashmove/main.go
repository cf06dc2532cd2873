// Command trashmove moves every message from a sender into the trash
// mailbox in one bulk update.
package main

import (
	"flag"
	"fmt"
	"os"

	"fastmail-tools/internal/config"
	"fastmail-tools/internal/jmap"
)

const moveLimit = 500

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: trashmove [flags] <sender-address>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	sender := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trashmove: %v\n", err)
		os.Exit(2)
	}
	token, err := config.Token()
	if err != nil {
		fmt.Fprintf(os.Stderr, "trashmove: %v\n", err)
		os.Exit(2)
	}

	client := jmap.NewStandardClient(cfg.API.SessionURL, token, cfg.API.Timeout)
	if err := client.Bootstrap(); err != nil {
		fmt.Fprintf(os.Stderr, "trashmove: %v\n", err)
		os.Exit(2)
	}

	trashID, err := client.MailboxIDByRole("trash")
	if err != nil {
		fmt.Fprintf(os.Stderr, "trashmove: find trash mailbox: %v\n", err)
		os.Exit(2)
	}

	msgs, err := client.FetchFromSender(sender, "", moveLimit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trashmove: %v\n", err)
		os.Exit(2)
	}
	if len(msgs) == 0 {
		fmt.Fprintf(os.Stderr, "trashmove: no messages from %s\n", sender)
		os.Exit(1)
	}

	ids := make([]string, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.ID
	}

	moved, err := client.MoveMessages(ids, trashID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trashmove: %v\n", err)
		os.Exit(2)
	}
	fmt.Printf("Moved %d message(s) from %s to trash\n", moved, sender)
}
