package radio

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/signalsfoundry/lora-mesh-simulator/internal/logging"
	"github.com/signalsfoundry/lora-mesh-simulator/model"
	"github.com/signalsfoundry/lora-mesh-simulator/timectrl"
)

// InputKind tags a RadioInput.
type InputKind int

const (
	// InputReceived delivers a decoded frame from the air.
	InputReceived InputKind = iota
	// InputCadDone answers a CAD request.
	InputCadDone
)

// RadioInput is what the radio device hands to the stack.
type RadioInput struct {
	Kind        InputKind
	Packet      Packet
	LinkQuality uint8
	ChannelBusy bool
}

// OutputKind tags a RadioOutput.
type OutputKind int

const (
	// OutputTransmit asks the radio to put Packet on the air.
	OutputTransmit OutputKind = iota
	// OutputRequestCad asks the radio for a channel activity detection.
	OutputRequestCad
)

// RadioOutput is what the stack asks of the radio device.
type RadioOutput struct {
	Kind   OutputKind
	Packet Packet
}

// SeenFunc answers "do you already have message (type, sequence, checksum)?".
// It may be called from the stack's goroutine.
type SeenFunc func(t MessageType, sequence, checksum uint32) bool

// Stack is the protocol stack running on one node. Run drives it until ctx
// is done; the channels are owned by the stack and never closed while Run
// is active.
type Stack interface {
	Run(ctx context.Context) error
	Send(msg Message) error
	RadioIn() chan<- RadioInput
	RadioOut() <-chan RadioOutput
	Messages() <-chan Message
}

// StackConfig wires a stack to its node.
type StackConfig struct {
	NodeID  uint32
	Clock   timectrl.Clock
	Module  model.ModuleConfig
	Airtime func(length int) time.Duration
	Seen    SeenFunc
	Rand    *rand.Rand
	Logger  logging.Logger
}

// StackFactory builds one stack per node.
type StackFactory func(cfg StackConfig) Stack

// Queue capacities of the radio device.
const (
	RadioQueueSize   = 10
	MessageQueueSize = 10
	SendQueueSize    = 32
)
