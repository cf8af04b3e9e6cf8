// ABOUTME: Minimal fake host agent for end-to-end testing against a cauldron server.
// ABOUTME: Usage: fake-host [-addr localhost:50051] -name kvm-5 -secret s3cret [-delay 200ms]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/2389/cauldron/internal/agent"
	"github.com/2389/cauldron/internal/wire"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", "localhost:50051", "gRPC server address")
	name := flag.String("name", os.Getenv("FAKE_HOST_NAME"), "registered host name")
	secret := flag.String("secret", os.Getenv("FAKE_HOST_SECRET"), "host shared secret")
	delay := flag.Duration("delay", 0, "simulated command latency")
	maxOutstanding := flag.Int("max-outstanding", 4, "commands accepted concurrently")
	heartbeat := flag.Duration("heartbeat", 15*time.Second, "heartbeat interval")
	flag.Parse()

	if *name == "" {
		log.Fatal("-name is required")
	}
	if err := run(*addr, *name, *secret, *delay, *maxOutstanding, *heartbeat); err != nil {
		log.Fatal(err)
	}
}

func run(addr, name, secret string, delay time.Duration, maxOutstanding int, heartbeat time.Duration) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	stream, err := wire.Connect(ctx, conn)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}

	if err := stream.Send(&wire.AgentMessage{Register: &wire.Register{
		HostName:       name,
		Secret:         secret,
		Version:        "fake-host/dev",
		MaxOutstanding: maxOutstanding,
	}}); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}

	msg, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("failed to receive welcome: %w", err)
	}
	if msg.Welcome == nil {
		return fmt.Errorf("expected welcome, got: %+v", msg)
	}
	fmt.Fprintf(os.Stderr, "registered as host %d (server: %s)\n", msg.Welcome.HostID, msg.Welcome.ServerID)

	// grpc streams allow one concurrent sender
	var sendMu sync.Mutex
	send := func(m *wire.AgentMessage) {
		sendMu.Lock()
		defer sendMu.Unlock()
		if err := stream.Send(m); err != nil {
			log.Printf("send error: %v", err)
		}
	}

	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				send(&wire.AgentMessage{Heartbeat: &wire.Heartbeat{Time: t}})
			}
		}
	}()

	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return fmt.Errorf("recv error: %w", err)
		}

		switch {
		case msg.Command != nil:
			env := msg.Command
			log.Printf("received command %d: %s", env.Seq(), env.Kind())
			go func() {
				if delay > 0 {
					time.Sleep(delay)
				}
				send(&wire.AgentMessage{Answer: agent.Simulate(env)})
			}()
		case msg.Cancel != nil:
			log.Printf("server stopped waiting for command %d", msg.Cancel.Seq)
		}
	}
}
