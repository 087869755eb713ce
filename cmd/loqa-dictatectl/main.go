package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

type options struct {
	server     string
	controller string
	timeout    time.Duration
}

func (o *options) register(fs *flag.FlagSet) {
	fs.StringVar(&o.server, "server", "nats://localhost:4222", "NATS server URL")
	fs.StringVar(&o.controller, "controller", "default", "Dictation controller id")
	fs.DurationVar(&o.timeout, "timeout", 3*time.Second, "Request timeout")
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: loqa-dictatectl <start|stop|status|edit|language|watch|version> [flags]")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var opts options
	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	opts.register(fs)

	var req protocol.ControlRequest
	switch cmd {
	case "start", "stop", "status":
		req.Op = cmd
	case "edit":
		req.Op = cmd
		fs.StringVar(&req.Text, "text", "", "Replacement transcript text")
	case "language":
		req.Op = cmd
		fs.StringVar(&req.Language, "set", "", "Language tag to select, e.g. en-US")
	case "watch":
	case "version":
		fmt.Println(version)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
	_ = fs.Parse(os.Args[2:])

	if cmd == "language" && req.Language == "" {
		fmt.Fprintln(os.Stderr, "language requires -set")
		os.Exit(2)
	}

	client, err := connect(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer client.Close()

	if cmd == "watch" {
		err = runWatch(client, opts.controller)
	} else {
		err = runRequest(client, opts, req)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connect(opts options) (*bus.Client, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()
	return bus.Connect(ctx, config.BusConfig{
		Servers:        strings.Split(opts.server, ","),
		ConnectTimeout: int(opts.timeout / time.Millisecond),
	}, logger)
}

func runRequest(client *bus.Client, opts options, req protocol.ControlRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	var reply protocol.ControlReply
	if err := client.RequestJSON(ctx, protocol.ControlSubject(opts.controller), req, &reply); err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("no dictation controller %q is running", opts.controller)
		}
		return err
	}
	printStatus(reply.Status)
	if !reply.OK {
		return errors.New(reply.Error)
	}
	return nil
}

func runWatch(client *bus.Client, controller string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	msgs := make(chan *nats.Msg, 64)
	for _, subject := range []string{protocol.SubjectDictationStatus, protocol.SubjectDictationTranscript} {
		sub, err := client.Conn().ChanSubscribe(subject, msgs)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		defer sub.Unsubscribe()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			switch msg.Subject {
			case protocol.SubjectDictationStatus:
				var status protocol.StatusMessage
				if err := json.Unmarshal(msg.Data, &status); err == nil && status.ControllerID == controller {
					printStatus(status)
				}
			case protocol.SubjectDictationTranscript:
				var transcript protocol.TranscriptMessage
				if err := json.Unmarshal(msg.Data, &transcript); err == nil && transcript.ControllerID == controller {
					fmt.Printf("transcript: %s\n", transcript.Text)
				}
			}
		}
	}
}

func printStatus(status protocol.StatusMessage) {
	fmt.Printf("%s [%s] listening=%t language=%s passes=%d restarts=%d\n",
		status.Message, status.Phase, status.Listening, status.Language, status.Passes, status.Restarts)
	if status.Transcript != "" {
		fmt.Printf("transcript: %s\n", status.Transcript)
	}
}
