package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

const (
	// IncomingQueuePrefix names the queue a node consumes commands from.
	IncomingQueuePrefix = "FTILITE_INCOMING_"

	// TransferQueuePrefix names the queue a node receives transmitted
	// values on. It is consumed separately from the command queue so that
	// a node can accept a value while it is sending one.
	TransferQueuePrefix = "FTILITE_TRANSFER_"

	// CommandPrefix is prepended to every command inside an envelope.
	CommandPrefix = "command_"
)

// IncomingQueue returns the command queue of the node with the given id.
func IncomingQueue(nodeID int) string {
	return fmt.Sprintf("%s%d", IncomingQueuePrefix, nodeID)
}

// TransferQueue returns the queue the node with the given id accepts
// transmitted values on.
func TransferQueue(nodeID int) string {
	return fmt.Sprintf("%s%d", TransferQueuePrefix, nodeID)
}

// Envelope is the transport payload carrying one command to a node.
// ResponseRequired is "True" or "False".
type Envelope struct {
	Command          string `json:"command"`
	ResponseRequired string `json:"response_required"`
}

// NewEnvelope wraps a wire command.
func NewEnvelope(command string, responseRequired bool) *Envelope {
	rr := "False"
	if responseRequired {
		rr = "True"
	}
	return &Envelope{Command: CommandPrefix + command, ResponseRequired: rr}
}

// WantsResponse reports whether the sender waits for a reply.
func (e *Envelope) WantsResponse() bool {
	return e.ResponseRequired == "True"
}

// Body returns the command with the envelope prefix removed.
func (e *Envelope) Body() (string, error) {
	if len(e.Command) < len(CommandPrefix) || e.Command[:len(CommandPrefix)] != CommandPrefix {
		return "", fmt.Errorf("envelope command %q lacks %q prefix", e.Command, CommandPrefix)
	}
	return e.Command[len(CommandPrefix):], nil
}

// UnmarshalMessage deserializes a message from JSON bytes.
func UnmarshalMessage[T any](data []byte) (*T, error) {
	var msg T
	err := json.Unmarshal(data, &msg)
	return &msg, err
}

// DecodeMessage deserializes a message from a JSON reader.
func DecodeMessage[T any](reader io.Reader) (*T, error) {
	var msg T
	err := json.NewDecoder(reader).Decode(&msg)
	return &msg, err
}

// SerializeMessage serializes a message to JSON bytes.
func SerializeMessage[T any](msg *T) ([]byte, error) {
	return json.Marshal(msg)
}
