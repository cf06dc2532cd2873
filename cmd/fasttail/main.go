// Command fasttail prints the most recent messages in the account, or runs
// as a daemon appending each new arrival to a logfile as it is noticed.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"fastmail-tools/internal/config"
	"fastmail-tools/internal/jmap"
	"fastmail-tools/internal/logging"
	"fastmail-tools/internal/models"
	"fastmail-tools/internal/poller"
	"fastmail-tools/internal/state"
)

const maxFailureBackoff = 15 * time.Minute

func main() {
	count := flag.Int("n", 10, "number of recent messages to print")
	daemon := flag.Bool("daemon", false, "keep running and append new messages to the logfile")
	logfile := flag.String("logfile", "", "daemon output file (default ~/.fastmail.log)")
	interval := flag.Duration("interval", 0, "poll interval in daemon mode (default 60s)")
	backfill := flag.Int("backfill", -1, "messages to seed the logfile with on first daemon run")
	statePath := flag.String("state", "", "cursor database path (default ~/.fastmail.state.db)")
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fasttail: %v\n", err)
		os.Exit(2)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "logfile":
			cfg.Daemon.Logfile = *logfile
		case "interval":
			cfg.Daemon.Interval = *interval
		case "backfill":
			cfg.Daemon.Backfill = *backfill
		case "state":
			cfg.Daemon.StatePath = *statePath
		}
	})

	client, err := connect(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fasttail: %v\n", err)
		os.Exit(2)
	}

	if *daemon {
		os.Exit(runDaemon(client, cfg))
	}
	os.Exit(runOnce(client, *count))
}

func connect(cfg *models.Config) (*jmap.StandardClient, error) {
	token, err := config.Token()
	if err != nil {
		return nil, err
	}
	client := jmap.NewStandardClient(cfg.API.SessionURL, token, cfg.API.Timeout)
	if err := client.Bootstrap(); err != nil {
		return nil, err
	}
	return client, nil
}

// runOnce prints the n most recent messages, newest first, like tail
// reading from the future backwards.
func runOnce(client jmap.Client, n int) int {
	msgs, err := client.FetchRecent(n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fasttail: %v\n", err)
		return 2
	}
	if len(msgs) == 0 {
		fmt.Fprintln(os.Stderr, "fasttail: no messages")
		return 1
	}

	names, err := client.Mailboxes()
	if err != nil {
		logging.Log.WithError(err).Warn("Could not resolve mailbox names")
		names = map[string]string{}
	}

	sink := poller.NewFileSink(os.Stdout, names)
	for _, msg := range msgs {
		if err := sink.Emit(msg); err != nil {
			fmt.Fprintf(os.Stderr, "fasttail: %v\n", err)
			return 2
		}
	}
	return 0
}

// runDaemon appends every new message to the logfile until interrupted.
func runDaemon(client jmap.Client, cfg *models.Config) int {
	out, err := os.OpenFile(cfg.Daemon.Logfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fasttail: open logfile: %v\n", err)
		return 2
	}
	defer out.Close()

	store, err := state.Open(cfg.Daemon.StatePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fasttail: open state: %v\n", err)
		return 2
	}
	defer store.Close()

	names, err := client.Mailboxes()
	if err != nil {
		logging.Log.WithError(err).Warn("Could not resolve mailbox names")
		names = map[string]string{}
	}
	sink := poller.NewFileSink(out, names)

	p, err := poller.New(client, sink, store, cfg.Daemon.FetchLimit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fasttail: %v\n", err)
		return 2
	}

	if err := sink.Comment(fmt.Sprintf("daemon started %s, watching for new mail",
		time.Now().Format(time.RFC3339))); err != nil {
		fmt.Fprintf(os.Stderr, "fasttail: write logfile: %v\n", err)
		return 2
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	backfill := cfg.Daemon.Backfill
	if backfill < 0 {
		backfill = 0
	}
	// The seed must land before the first tick: an unseeded cursor has no
	// lower bound and the poller refuses to run on one.
	for failures := 0; ; {
		_, err := p.Backfill(backfill)
		if err == nil {
			break
		}
		if p.State() == poller.StateStopped {
			logging.Log.WithError(err).Error("Backfill failed")
			return 2
		}
		failures++
		delay := failureBackoff(cfg.Daemon.Interval, failures)
		logging.Log.WithFields(logrus.Fields{
			"failures": failures,
			"delay":    delay.String(),
			"error":    err,
		}).Warn("Backfill failed, backing off")
		select {
		case sig := <-sigs:
			logging.Log.WithField("signal", sig.String()).Info("Shutting down")
			p.Stop()
			return 0
		case <-time.After(delay):
		}
	}

	logging.Log.WithFields(logrus.Fields{
		"interval": cfg.Daemon.Interval.String(),
		"logfile":  cfg.Daemon.Logfile,
	}).Info("Polling for new mail")

	failures := 0
	timer := time.NewTimer(cfg.Daemon.Interval)
	defer timer.Stop()

	for {
		select {
		case sig := <-sigs:
			logging.Log.WithField("signal", sig.String()).Info("Shutting down")
			p.Stop()
			return 0
		case <-timer.C:
		}

		err := p.Tick()
		switch {
		case errors.Is(err, poller.ErrStopped):
			return 2
		case err != nil && p.State() == poller.StateStopped:
			return 2
		case err != nil:
			failures++
			delay := failureBackoff(cfg.Daemon.Interval, failures)
			logging.Log.WithFields(logrus.Fields{
				"failures": failures,
				"delay":    delay.String(),
				"error":    err,
			}).Warn("Poll failed, backing off")
			timer.Reset(delay)
			continue
		default:
			failures = 0
		}
		timer.Reset(cfg.Daemon.Interval)
	}
}

// failureBackoff doubles the poll interval per consecutive failure, capped.
func failureBackoff(interval time.Duration, failures int) time.Duration {
	delay := interval
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= maxFailureBackoff {
			return maxFailureBackoff
		}
	}
	if delay > maxFailureBackoff {
		return maxFailureBackoff
	}
	return delay
}
