// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Command callecho is a minimal end-to-end demonstration of the call
// runtime: it opens a client and a server Call over an in-process
// loopback transport, drives one unary echo exchange through the batch
// API, and prints what each side observed. It exists to exercise
// pkg/call, pkg/transport/loopback, and pkg/cq together the way a real
// binding's integration smoke test would, without needing a network.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/chanrpc/callrt/pkg/call"
	"github.com/chanrpc/callrt/pkg/cq"
	"github.com/chanrpc/callrt/pkg/mdctx"
	"github.com/chanrpc/callrt/pkg/transport/loopback"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("callecho: %v", err)
	}
}

func run() error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()

	channel, err := call.NewChannel(call.Settings{
		Logger:         logger,
		DefaultTimeout: 5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("building channel: %w", err)
	}

	clientStack, serverStack := loopback.Pair()

	clientCQ := cq.New()
	serverCQ := cq.New()

	serverCall, err := call.NewCall(call.CallArgs{
		Role:     call.RoleServer,
		Stack:    serverStack,
		Parent:   channel,
		Deadline: time.Now().Add(5 * time.Second),
	})
	if err != nil {
		return fmt.Errorf("constructing server call: %w", err)
	}
	serverCall.SetCompletionQueue(serverCQ)
	defer serverCall.Destroy()

	clientCall, err := call.NewCall(call.CallArgs{
		Role:     call.RoleClient,
		Stack:    clientStack,
		Parent:   channel,
		Deadline: time.Now().Add(5 * time.Second),
	})
	if err != nil {
		return fmt.Errorf("constructing client call: %w", err)
	}
	clientCall.SetCompletionQueue(clientCQ)
	defer clientCall.Destroy()

	// Server: wait for the request message.
	var serverMsg []byte
	var serverMsgOK bool
	if err := serverCall.StartBatch([]call.BatchOp{
		{Op: call.OpRecvMessage, RecvMessage: &serverMsg, RecvMessageOK: &serverMsgOK},
	}, "server-recv", nil); err != nil {
		return fmt.Errorf("server StartBatch: %w", err)
	}

	// Client: send a request and ask for the response in one batch.
	var clientStatus call.Status
	if err := clientCall.StartBatch([]call.BatchOp{
		{Op: call.OpSendInitialMetadata, SendInitialMetadata: []mdctx.Pair{{Key: "x-demo", Value: "callecho"}}},
		{Op: call.OpSendMessage, SendMessage: []byte("ping")},
		{Op: call.OpSendCloseFromClient},
		{Op: call.OpRecvInitialMetadata},
		{Op: call.OpRecvMessage},
		{Op: call.OpRecvStatusOnClient, RecvStatus: &clientStatus},
	}, "client-unary", nil); err != nil {
		return fmt.Errorf("client StartBatch: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := serverCQ.Next(ctx); err != nil {
		return fmt.Errorf("waiting on server recv: %w", err)
	}
	fmt.Printf("server received: %q (ok=%v)\n", serverMsg, serverMsgOK)

	if err := serverCall.StartBatch([]call.BatchOp{
		{Op: call.OpSendInitialMetadata},
		{Op: call.OpSendMessage, SendMessage: append([]byte("echo: "), serverMsg...)},
		{Op: call.OpSendStatusFromServer, SendStatus: call.Status{Code: 0}},
	}, "server-reply", nil); err != nil {
		return fmt.Errorf("server reply StartBatch: %w", err)
	}

	if _, err := clientCQ.Next(ctx); err != nil {
		return fmt.Errorf("waiting on client completion: %w", err)
	}
	fmt.Printf("client final status: code=%v message=%q\n", clientStatus.Code, clientStatus.Message)

	return nil
}
