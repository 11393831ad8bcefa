// Command agent is a minimal external agent demonstrating the agentsdk
// package: it registers an uppercase capability and logs every event
// delivered on the "demo.greetings" topic.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/agentmesh/agentmesh/internal/agentsdk"
	"github.com/agentmesh/agentmesh/internal/wire"
)

type upperArgs struct {
	Text string `json:"text"`
}

type upperResult struct {
	Text string `json:"text"`
}

func main() {
	agentID := flag.String("agent-id", "demo-agent", "unique identifier this agent registers under")
	brokerAddr := flag.String("broker-addr", "localhost:50051", "bridge gRPC listen address")
	topic := flag.String("topic", "demo.greetings", "topic to subscribe to")
	flag.Parse()

	agent, err := agentsdk.New(&agentsdk.Config{
		AgentID:          *agentID,
		BrokerAddr:       *brokerAddr,
		SubscribedTopics: []string{*topic},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		os.Exit(1)
	}

	agent.MustAddCapability("demo.upper", "v1", "returns its text argument upper-cased", upperSchema, upperHandler)

	agent.OnEvent(func(ctx context.Context, topic string, evt *wire.Event) {
		agent.Logger().InfoContext(ctx, "event received", "topic", topic, "event_id", evt.ID, "type", evt.Type)
	})

	if err := agent.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		os.Exit(1)
	}
}

var upperSchema = []byte(`{"type":"object","required":["text"],"properties":{"text":{"type":"string"}}}`)

func upperHandler(ctx context.Context, args []byte) ([]byte, error) {
	var in upperArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	return json.Marshal(upperResult{Text: strings.ToUpper(in.Text)})
}
