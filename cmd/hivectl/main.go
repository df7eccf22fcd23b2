package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/hivemind/internal/events"
	"github.com/mtzanidakis/hivemind/internal/natsbus"
)

func sendControl(natsURL, swarmID, reqType string, payload map[string]any) (*natsbus.ControlResponse, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	data, err := json.Marshal(natsbus.ControlRequest{Type: reqType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := conn.Request(natsbus.TopicControl(swarmID), data, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("control request: %w", err)
	}

	var resp natsbus.ControlResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// watch prints every event published under topic until stop is closed.
func watch(natsURL, topic string, out io.Writer, stop <-chan struct{}) error {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	sub, err := conn.Subscribe(topic, func(msg *nats.Msg) {
		var e events.Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			fmt.Fprintf(out, "%s  (undecodable: %v)\n", msg.Subject, err)
			return
		}
		fmt.Fprintln(out, formatEvent(e))
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	defer sub.Unsubscribe()
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	<-stop
	return nil
}

var (
	gray   = color.New(color.FgHiBlack)
	cyan   = color.New(color.FgCyan)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
)

// typeColor picks red for failures, yellow for conflicts and escalations
// and cyan for everything else.
func typeColor(t events.Type) *color.Color {
	s := string(t)
	switch {
	case strings.HasSuffix(s, "_failed"), t == events.AgentUnresponsive:
		return red
	case strings.HasPrefix(s, "conflict_"):
		return yellow
	}
	return cyan
}

func formatEvent(e events.Event) string {
	var b strings.Builder
	b.WriteString(gray.Sprint(e.Timestamp.Format("15:04:05.000")))
	b.WriteString("  ")
	b.WriteString(typeColor(e.Type).Sprint(string(e.Type)))
	if e.AgentID != "" {
		b.WriteString("  agent=" + e.AgentID)
	}
	if e.ProtocolID != "" {
		b.WriteString("  protocol=" + e.ProtocolID)
	}
	if len(e.Data) > 0 {
		data, _ := json.Marshal(e.Data)
		b.WriteString("  ")
		b.Write(data)
	}
	return b.String()
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  hivectl status")
	fmt.Fprintln(os.Stderr, `  hivectl spawn [--type "..."] [--caps "a,b"]`)
	fmt.Fprintln(os.Stderr, `  hivectl terminate --id "..." [--grace 5s]`)
	fmt.Fprintln(os.Stderr, `  hivectl resolve --id "..." --winner "..."`)
	fmt.Fprintln(os.Stderr, `  hivectl watch [--topic "events.>"]`)
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// call sends a control request and exits on any failure.
func call(natsURL, swarmID, reqType string, payload map[string]any) json.RawMessage {
	resp, err := sendControl(natsURL, swarmID, reqType, payload)
	if err != nil {
		fatal("%v", err)
	}
	if resp.Error != "" {
		fatal("%s", resp.Error)
	}
	return resp.Data
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}
	swarmID := os.Getenv("SWARM_ID")
	if swarmID == "" {
		swarmID = "default"
	}

	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	args := parseArgs(os.Args[2:])

	switch command {
	case "status":
		data := call(natsURL, swarmID, "status", nil)
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			fatal("decode status: %v", err)
		}
		out, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(out))

	case "spawn":
		payload := map[string]any{}
		if args["type"] != "" {
			payload["type"] = args["type"]
		}
		if caps := splitList(args["caps"]); len(caps) > 0 {
			payload["capabilities"] = caps
		}
		var spawned struct {
			ID    string `json:"id"`
			State string `json:"state"`
		}
		if err := json.Unmarshal(call(natsURL, swarmID, "spawn", payload), &spawned); err != nil {
			fatal("decode response: %v", err)
		}
		fmt.Printf("Agent spawned: %s (%s)\n", spawned.ID, spawned.State)

	case "terminate":
		if args["id"] == "" {
			fatal("--id is required")
		}
		call(natsURL, swarmID, "terminate", map[string]any{"id": args["id"], "grace": args["grace"]})
		fmt.Println("Agent terminated.")

	case "resolve":
		if args["id"] == "" || args["winner"] == "" {
			fatal("--id and --winner are required")
		}
		call(natsURL, swarmID, "resolve", map[string]any{"id": args["id"], "winner": args["winner"]})
		fmt.Printf("Conflict %s resolved in favour of %s.\n", args["id"], args["winner"])

	case "watch":
		topic := args["topic"]
		if topic == "" {
			topic = natsbus.TopicEventsAll
		}
		stop := make(chan struct{})
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			close(stop)
		}()
		if err := watch(natsURL, topic, os.Stdout, stop); err != nil {
			fatal("%v", err)
		}

	default:
		fatal("unknown command: %s", command)
	}
}
