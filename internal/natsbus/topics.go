package natsbus

import "fmt"

// Subjects carrying lifecycle and coordination traffic.

func TopicAgentEvents(agentID string) string {
	return fmt.Sprintf("events.agent.%s", agentID)
}

func TopicSwarmEvents(swarmID string) string {
	return fmt.Sprintf("events.swarm.%s", swarmID)
}

func TopicProtocolEvents(protocolID string) string {
	return fmt.Sprintf("events.protocol.%s", protocolID)
}

func TopicConflictEvents(protocolID string) string {
	return fmt.Sprintf("events.conflict.%s", protocolID)
}

// TopicProtocolMessage carries envelopes routed to agent to under a
// protocol activation.
func TopicProtocolMessage(protocolID, to string) string {
	return fmt.Sprintf("protocol.%s.msg.%s", protocolID, to)
}

const (
	TopicEventsAll      = "events.>"
	TopicEventsAgent    = "events.agent.*"
	TopicEventsConflict = "events.conflict.*"
	TopicProtocolAll    = "protocol.>"
)
