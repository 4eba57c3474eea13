// Command binder-echo runs one client session and one server-adopted
// session in the same process, joined by a pair of socketpair-backed
// preconnected descriptors, and sends a single echo transact across them.
// It exists to exercise setup_client's fan-out and the incoming worker
// loop end to end without a real listener.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	binder "github.com/cobaltrpc/binder"
	"github.com/cobaltrpc/binder/internal/wirestate"
	"github.com/cobaltrpc/binder/transport"
)

const echoCode uint32 = 1

type echoRequest struct {
	Message string `json:"message"`
}

type echoReply struct {
	Message string `json:"message"`
}

func echoHandler(req echoRequest, reply *echoReply) error {
	reply.Message = req.Message
	return nil
}

func main() {
	message := flag.String("message", "hello from binder-echo", "message to echo through the server session")
	timeout := flag.Duration("timeout", 5*time.Second, "overall deadline for setup plus the transact")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, *message); err != nil {
		log.Fatalf("binder-echo: %v", err)
	}
}

func run(ctx context.Context, message string) error {
	registry := wirestate.NewRegistry()
	if err := registry.Register(echoCode, echoHandler); err != nil {
		return fmt.Errorf("register echo handler: %w", err)
	}

	server, err := binder.NewServerSession(nil, nil, binder.ZeroSessionID, binder.WithState(wirestate.NewHandler(registry)))
	if err != nil {
		return fmt.Errorf("create server session: %w", err)
	}
	server.SetMaxThreads(1)
	defer server.Close()

	// acceptCh carries the server-side half of each socketpair this
	// client's setup_client dials through its preconnected factory; a
	// fixed-size fan-out of accept goroutines drains it concurrently with
	// setup so neither side can deadlock waiting on the other's accept.
	acceptCh := make(chan int, 2)
	acceptDone := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			fd := <-acceptCh
			acceptDone <- server.AcceptConnection(ctx, fd)
		}()
	}

	factory := func() (int, error) {
		clientFD, serverFD, err := transport.NewFDPair()
		if err != nil {
			return -1, err
		}
		acceptCh <- serverFD
		return clientFD, nil
	}

	client := binder.NewClientSession(binder.WithState(wirestate.NewHandler(nil)))
	client.SetMaxThreads(1)
	defer client.Close()

	if err := client.SetupPreconnectedClient(ctx, factory); err != nil {
		return fmt.Errorf("setup_client: %w", err)
	}

	for i := 0; i < 2; i++ {
		if err := <-acceptDone; err != nil {
			return fmt.Errorf("accept connection: %w", err)
		}
	}

	root, err := client.GetRootObject(ctx)
	if err != nil {
		return fmt.Errorf("get root object: %w", err)
	}

	req, err := json.Marshal(echoRequest{Message: message})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	var replyBuf []byte
	if err := client.Transact(ctx, root, echoCode, req, &replyBuf, 0); err != nil {
		return fmt.Errorf("transact: %w", err)
	}

	var reply echoReply
	if err := json.Unmarshal(replyBuf, &reply); err != nil {
		return fmt.Errorf("unmarshal reply: %w", err)
	}
	fmt.Println(reply.Message)
	return nil
}
