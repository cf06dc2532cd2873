// Command unsubscribe finds the newest message from a sender and attempts
// the most trustworthy unsubscribe mechanism it offers.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"fastmail-tools/internal/config"
	"fastmail-tools/internal/jmap"
	"fastmail-tools/internal/models"
	"fastmail-tools/internal/unsub"
)

func main() {
	recipient := flag.String("to", "", "only consider messages delivered to this address")
	dryRun := flag.Bool("dry-run", false, "report what would be done without contacting anyone")
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: unsubscribe [flags] <sender-address>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	sender := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unsubscribe: %v\n", err)
		os.Exit(2)
	}
	token, err := config.Token()
	if err != nil {
		fmt.Fprintf(os.Stderr, "unsubscribe: %v\n", err)
		os.Exit(2)
	}

	client := jmap.NewStandardClient(cfg.API.SessionURL, token, cfg.API.Timeout)
	if err := client.Bootstrap(); err != nil {
		fmt.Fprintf(os.Stderr, "unsubscribe: %v\n", err)
		os.Exit(2)
	}

	msg, err := client.FetchLatestFromSender(sender, *recipient)
	if errors.Is(err, jmap.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "unsubscribe: no messages from %s\n", sender)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "unsubscribe: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("Using message %q received %s\n", msg.Subject, msg.ReceivedAt.Local().Format("2006-01-02 15:04"))

	outcome := unsub.NewResolver(client, *dryRun).Resolve(msg)
	os.Exit(report(outcome))
}

func report(outcome models.Outcome) int {
	switch outcome.Status {
	case models.StatusSucceeded:
		fmt.Printf("Unsubscribed via %s (%s %s)\n", outcome.Via, outcome.Method, outcome.URL)
		return 0
	case models.StatusPlanned:
		fmt.Printf("Would unsubscribe via %s (%s %s)\n", outcome.Via, outcome.Method, outcome.URL)
		return 0
	case models.StatusRequiresManualAction:
		fmt.Printf("Manual action required: %s\n", outcome.Reason)
		fmt.Printf("Open this yourself: %s\n", outcome.URL)
		return 2
	default:
		fmt.Printf("Could not unsubscribe: %s\n", outcome.Reason)
		return 2
	}
}
