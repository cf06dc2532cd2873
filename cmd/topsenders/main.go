// Command topsenders ranks who sends the most mail, crawling the account
// or reusing a saved snapshot, with an optional per-sender recipient
// drill-down.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"fastmail-tools/internal/config"
	"fastmail-tools/internal/jmap"
	"fastmail-tools/internal/senders"
)

func main() {
	top := flag.Int("n", 25, "number of entries to show")
	months := flag.Int("months", 6, "how many months back to crawl")
	sender := flag.String("sender", "", "drill into the recipient addresses this sender used")
	savePath := flag.String("save", "", "write the crawl snapshot to this file")
	loadPath := flag.String("load", "", "rank a previously saved snapshot instead of crawling")
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	records, err := collect(*configPath, *loadPath, *months)
	if err != nil {
		fmt.Fprintf(os.Stderr, "topsenders: %v\n", err)
		os.Exit(2)
	}
	if *savePath != "" {
		if err := senders.Save(*savePath, records); err != nil {
			fmt.Fprintf(os.Stderr, "topsenders: %v\n", err)
			os.Exit(2)
		}
	}

	var ranked []senders.Ranked
	if *sender != "" {
		ranked = senders.DrillRecipients(records, *sender)
	} else {
		ranked = senders.CountSenders(records)
	}
	if len(ranked) == 0 {
		fmt.Fprintln(os.Stderr, "topsenders: no messages in range")
		os.Exit(1)
	}
	if len(ranked) > *top {
		ranked = ranked[:*top]
	}

	width := len(fmt.Sprint(ranked[0].Count))
	for i, entry := range ranked {
		fmt.Printf("%3d. %*d  %s\n", i+1, width, entry.Count, entry.Addr)
	}
}

func collect(configPath, loadPath string, months int) ([]senders.Record, error) {
	if loadPath != "" {
		return senders.Load(loadPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	token, err := config.Token()
	if err != nil {
		return nil, err
	}
	client := jmap.NewStandardClient(cfg.API.SessionURL, token, cfg.API.Timeout)
	if err := client.Bootstrap(); err != nil {
		return nil, err
	}

	after := time.Now().AddDate(0, -months, 0)
	records, err := senders.Collect(client, after, func(done, total int) {
		if total > 0 {
			fmt.Fprintf(os.Stderr, "\rcrawled %d/%d messages", done, total)
		} else {
			fmt.Fprintf(os.Stderr, "\rcrawled %d messages", done)
		}
	})
	if err != nil {
		return nil, err
	}
	fmt.Fprintln(os.Stderr)
	return records, nil
}
