// ABOUTME: Reference agent that connects to the gateway, registers, and echoes chat turns.
// ABOUTME: Usage: ember-agent [-addr localhost:9190] [-id echo-agent] [-name "Echo Agent"]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/emberhq/ember-gateway/internal/rpc"
)

func main() {
	addr := flag.String("addr", "localhost:9190", "gateway agent RPC address")
	agentID := flag.String("id", "echo-agent", "agent ID")
	name := flag.String("name", "Echo Agent", "agent display name")
	flag.Parse()

	if err := run(*addr, *agentID, *name); err != nil {
		log.Fatal(err)
	}
}

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Sender         string `json:"sender"`
	Text           string `json:"text"`
}

type chatResponse struct {
	Text string `json:"text"`
}

// handler serves chat calls from the gateway, streaming the reply word by
// word before the final response.
type handler struct{}

func (handler) HandleRequest(ctx context.Context, req *rpc.Message, conn *rpc.Conn) {
	if req.Method != "chat" {
		_ = conn.Respond(req.ID, nil, &rpc.Error{
			Code:    rpc.CodeMethodNotFound,
			Message: fmt.Sprintf("unknown method %q", req.Method),
		})
		return
	}

	var chat chatRequest
	if err := json.Unmarshal(req.Params, &chat); err != nil {
		_ = conn.Respond(req.ID, nil, &rpc.Error{
			Code:    rpc.CodeInternal,
			Message: "malformed chat params",
		})
		return
	}

	log.Printf("chat [%s] from %s: %s", chat.ConversationID, chat.Sender, chat.Text)

	reply := echoReply(chat.Text)
	var seq uint64
	for _, word := range strings.Fields(reply) {
		if ctx.Err() != nil {
			return
		}
		payload, _ := json.Marshal(map[string]string{"delta": word + " "})
		if err := conn.StreamEvent(req.ID, seq, payload); err != nil {
			return
		}
		seq++
		time.Sleep(20 * time.Millisecond)
	}

	result, _ := json.Marshal(chatResponse{Text: reply})
	_ = conn.Respond(req.ID, result, nil)
}

func run(addr, agentID, name string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	netConn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("connecting to gateway: %w", err)
	}

	conn := rpc.NewConn(netConn, rpc.Options{Handler: handler{}})
	defer conn.Close()

	regCtx, regCancel := context.WithTimeout(ctx, 10*time.Second)
	defer regCancel()
	_, err = conn.Call(regCtx, "register", map[string]any{
		"agent_id":     agentID,
		"name":         name,
		"capabilities": []string{"chat", "echo"},
	})
	if err != nil {
		return fmt.Errorf("registering: %w", err)
	}
	fmt.Fprintf(os.Stderr, "registered as %s\n", agentID)

	select {
	case <-ctx.Done():
		return nil
	case <-conn.Done():
		if err := conn.Err(); err != nil && !errors.Is(err, rpc.ErrConnClosed) {
			return fmt.Errorf("connection lost: %w", err)
		}
		return nil
	}
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "hello") || strings.Contains(lower, "hi") {
		return "Hello! I am the echo agent."
	}
	return "Echo: " + input
}
