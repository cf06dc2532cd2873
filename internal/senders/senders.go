// Package senders builds volume rankings over the address pairs of a
// mailbox: who sends the most, and which of your addresses they target.
package senders

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"fastmail-tools/internal/jmap"
	"fastmail-tools/internal/logging"
)

// Record is one observed from/to pair, lower-cased.
type Record struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Ranked is an address with its message count.
type Ranked struct {
	Addr  string
	Count int
}

// Crawler is the slice of the mail client the crawl needs.
type Crawler interface {
	Bootstrap() error
	QueryAddresses(after time.Time, position int) (jmap.AddressPage, error)
}

// Collect crawls every message received after the given instant and
// returns its address pairs. progress, when non-nil, is called after each
// page with the running count and the reported total (-1 when unknown).
// Transient failures are retried with exponential backoff after
// refreshing the session.
func Collect(client Crawler, after time.Time, progress func(done, total int)) ([]Record, error) {
	var records []Record
	total := -1
	position := 0

	for {
		var page jmap.AddressPage

		fetch := func() error {
			var err error
			page, err = client.QueryAddresses(after, position)
			if err == nil {
				return nil
			}
			if !jmap.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			logging.Log.WithFields(logrus.Fields{
				"position": position,
				"error":    err,
			}).Warn("Address crawl page failed, refreshing session")
			if berr := client.Bootstrap(); berr != nil {
				if !jmap.IsRetryable(berr) {
					return backoff.Permanent(berr)
				}
			}
			return err
		}

		policy := backoff.NewExponentialBackOff()
		policy.MaxElapsedTime = 2 * time.Minute
		if err := backoff.Retry(fetch, policy); err != nil {
			return nil, fmt.Errorf("crawl addresses at position %d: %w", position, err)
		}

		if page.Total >= 0 {
			total = page.Total
		}
		if len(page.Records) == 0 {
			break
		}
		for _, rec := range page.Records {
			records = append(records, Record{From: rec.From, To: rec.To})
		}
		position += len(page.Records)
		if progress != nil {
			progress(position, total)
		}
	}

	return records, nil
}

// CountSenders ranks sending addresses by message volume, highest first.
// Equal counts order alphabetically so output is stable.
func CountSenders(records []Record) []Ranked {
	counts := make(map[string]int)
	for _, rec := range records {
		counts[rec.From]++
	}
	return rank(counts)
}

// DrillRecipients ranks the recipient addresses a single sender used.
func DrillRecipients(records []Record, sender string) []Ranked {
	counts := make(map[string]int)
	for _, rec := range records {
		if rec.From == sender {
			counts[rec.To]++
		}
	}
	return rank(counts)
}

func rank(counts map[string]int) []Ranked {
	ranked := make([]Ranked, 0, len(counts))
	for addr, count := range counts {
		ranked = append(ranked, Ranked{Addr: addr, Count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count == ranked[j].Count {
			return ranked[i].Addr < ranked[j].Addr
		}
		return ranked[i].Count > ranked[j].Count
	})
	return ranked
}

// Save writes a crawl snapshot so later drill-downs can skip the crawl.
func Save(path string, records []Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Load reads a snapshot written by Save.
func Load(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return records, nil
}
