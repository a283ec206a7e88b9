// events-tail is a debugging tool that tails the meshd commit-event
// topic and pretty-prints each exported record.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

func main() {
	broker := "localhost:9092"
	topic := "meshd.commits"
	if len(os.Args) > 1 {
		broker = os.Args[1]
	}
	if len(os.Args) > 2 {
		topic = os.Args[2]
	}

	cl, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.ConsumerGroup(fmt.Sprintf("events-tail-%d", time.Now().UnixNano())),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kafka client: %v\n", err)
		os.Exit(1)
	}
	defer cl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	fmt.Printf("tailing %s on %s\n", topic, broker)
	for {
		fetches := cl.PollRecords(ctx, 100)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			printRecord(rec)
		})
	}
}

func printRecord(rec *kgo.Record) {
	var ev struct {
		Seq            uint64          `json:"seq"`
		Node           string          `json:"node"`
		Action         string          `json:"action"`
		Payload        json.RawMessage `json:"payload"`
		LocalRoutes    int             `json:"localRoutes"`
		InternalRoutes int             `json:"internalRoutes"`
		SessionPeers   int             `json:"sessionPeers"`
		Propagations   int             `json:"propagations"`
	}
	if err := json.Unmarshal(rec.Value, &ev); err != nil {
		fmt.Printf("  unparseable record (offset=%d): %v\n", rec.Offset, err)
		return
	}
	fmt.Printf("[%s] seq=%d %-24s local=%d internal=%d sessions=%d props=%d\n",
		ev.Node, ev.Seq, ev.Action, ev.LocalRoutes, ev.InternalRoutes, ev.SessionPeers, ev.Propagations)
	if len(ev.Payload) > 0 && string(ev.Payload) != "{}" {
		fmt.Printf("    %s\n", ev.Payload)
	}
}
