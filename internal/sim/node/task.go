// internal/sim/node/task.go
package node

import (
	"context"
	"sync"

	"github.com/signalsfoundry/lora-mesh-simulator/internal/logging"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/radio"
)

// Queue sizes.
const (
	InputQueueSize  = 10
	OutputQueueSize = 10
	maxBacklog      = 1000
)

// Input is a message to a node's stack.
type Input interface{ isInput() }

// DeliverReceived hands a packet that survived collision evaluation to the
// stack.
type DeliverReceived struct {
	Packet      radio.Packet
	LinkQuality uint8
}

// SendMessage asks the stack to send a high-level message.
type SendMessage struct{ Message radio.Message }

// CadResult answers a RequestCad.
type CadResult struct{ Busy bool }

func (DeliverReceived) isInput() {}
func (SendMessage) isInput()     {}
func (CadResult) isInput()       {}

// OutputEvent is what a node reports to the network loop.
type OutputEvent interface{ isOutput() }

// EmittedPacket is a frame the stack put on the air.
type EmittedPacket struct{ Packet radio.Packet }

// HighLevelMessageReceived is a complete message decoded by the stack.
type HighLevelMessageReceived struct{ Message radio.Message }

// RequestCad asks the loop for a channel activity detection.
type RequestCad struct{}

// NodeReachedInMeasurement reports the first arrival of a measurement
// sequence at this node.
type NodeReachedInMeasurement struct{ Sequence uint32 }

func (EmittedPacket) isOutput()            {}
func (HighLevelMessageReceived) isOutput() {}
func (RequestCad) isOutput()               {}
func (NodeReachedInMeasurement) isOutput() {}

// Output tags an OutputEvent with its node.
type Output struct {
	NodeID uint32
	Event  OutputEvent
}

// Task owns one protocol stack and bridges it to the network loop. Sends
// toward the loop and toward the stack go through backlogs so the task never
// blocks on either side.
type Task struct {
	id     uint32
	stack  radio.Stack
	input  chan Input
	output chan<- Output
	log    logging.Logger

	seenMu sync.Mutex
	seen   map[uint32]struct{}

	toLoop  []Output
	toStack []radio.RadioInput
}

// TaskOption configures a Task.
type TaskOption func(*Task)

// WithLogger sets the task logger.
func WithLogger(l logging.Logger) TaskOption {
	return func(t *Task) {
		t.log = logging.OrNoop(l)
	}
}

// NewTask builds the task and its stack. cfg.Seen is replaced by the task's
// seen-set. NewTask panics when factory or output is nil.
func NewTask(id uint32, factory radio.StackFactory, cfg radio.StackConfig, output chan<- Output, opts ...TaskOption) *Task {
	if factory == nil || output == nil {
		panic("node: NewTask requires a stack factory and an output channel")
	}
	t := &Task{
		id:     id,
		input:  make(chan Input, InputQueueSize),
		output: output,
		log:    logging.Noop(),
		seen:   make(map[uint32]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With(logging.Uint32("node_id", id))

	cfg.NodeID = id
	cfg.Seen = t.Seen
	if cfg.Logger == nil {
		cfg.Logger = t.log
	}
	t.stack = factory(cfg)
	if t.stack == nil {
		panic("node: stack factory returned nil")
	}
	return t
}

// ID returns the node id.
func (t *Task) ID() uint32 { return t.id }

// Input returns the channel the loop writes to.
func (t *Task) Input() chan<- Input { return t.input }

// Seen answers the stack's "already have (type, sequence, checksum)?"
// query. Only AddBlock sequences are tracked.
func (t *Task) Seen(mt radio.MessageType, sequence, _ uint32) bool {
	if mt != radio.TypeAddBlock {
		return false
	}
	t.seenMu.Lock()
	defer t.seenMu.Unlock()
	_, ok := t.seen[sequence]
	return ok
}

// markSeen records sequence and reports whether it was new.
func (t *Task) markSeen(sequence uint32) bool {
	t.seenMu.Lock()
	defer t.seenMu.Unlock()
	if _, ok := t.seen[sequence]; ok {
		return false
	}
	t.seen[sequence] = struct{}{}
	return true
}

// Run drives the stack and the bridge until ctx is done.
func (t *Task) Run(ctx context.Context) error {
	stackDone := make(chan error, 1)
	go func() { stackDone <- t.stack.Run(ctx) }()

	for {
		var outC chan<- Output
		var nextOut Output
		if len(t.toLoop) > 0 {
			outC = t.output
			nextOut = t.toLoop[0]
		}
		var inC chan<- radio.RadioInput
		var nextIn radio.RadioInput
		if len(t.toStack) > 0 {
			inC = t.stack.RadioIn()
			nextIn = t.toStack[0]
		}

		select {
		case <-ctx.Done():
			<-stackDone
			return ctx.Err()
		case err := <-stackDone:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.log.Error(ctx, "protocol stack stopped", logging.Err(err))
			return err
		case msg := <-t.stack.Messages():
			t.handleMessage(ctx, msg)
		case out := <-t.stack.RadioOut():
			t.handleRadioOut(ctx, out)
		case in := <-t.input:
			t.handleInput(ctx, in)
		case outC <- nextOut:
			t.toLoop = t.toLoop[1:]
		case inC <- nextIn:
			t.toStack = t.toStack[1:]
		}
	}
}

func (t *Task) handleMessage(ctx context.Context, msg radio.Message) {
	if msg.Type == radio.TypeAddBlock {
		seq, ok := radio.SequenceOf(msg.Encode())
		if ok && t.markSeen(seq) {
			t.emit(ctx, NodeReachedInMeasurement{Sequence: seq})
		}
	}
	t.emit(ctx, HighLevelMessageReceived{Message: msg})
}

func (t *Task) handleRadioOut(ctx context.Context, out radio.RadioOutput) {
	switch out.Kind {
	case radio.OutputTransmit:
		t.emit(ctx, EmittedPacket{Packet: out.Packet})
	case radio.OutputRequestCad:
		t.emit(ctx, RequestCad{})
	}
}

func (t *Task) handleInput(ctx context.Context, in Input) {
	switch v := in.(type) {
	case SendMessage:
		if v.Message.Type == radio.TypeAddBlock {
			t.markSeen(v.Message.Sequence)
		}
		if err := t.stack.Send(v.Message); err != nil {
			t.log.Warn(ctx, "stack rejected message", logging.Err(err),
				logging.String("type", v.Message.Type.String()))
		}
	case DeliverReceived:
		t.pushStack(ctx, radio.RadioInput{Kind: radio.InputReceived, Packet: v.Packet, LinkQuality: v.LinkQuality})
	case CadResult:
		t.pushStack(ctx, radio.RadioInput{Kind: radio.InputCadDone, ChannelBusy: v.Busy})
	default:
		panic("node: unknown input type")
	}
}

func (t *Task) emit(ctx context.Context, ev OutputEvent) {
	t.toLoop = append(t.toLoop, Output{NodeID: t.id, Event: ev})
	if len(t.toLoop) > maxBacklog {
		t.toLoop = t.toLoop[1:]
		t.log.Warn(ctx, "dropping oldest event toward network loop", logging.Int("backlog", maxBacklog))
	}
}

func (t *Task) pushStack(ctx context.Context, in radio.RadioInput) {
	t.toStack = append(t.toStack, in)
	if len(t.toStack) > maxBacklog {
		t.toStack = t.toStack[1:]
		t.log.Warn(ctx, "dropping oldest radio input toward stack", logging.Int("backlog", maxBacklog))
	}
}
