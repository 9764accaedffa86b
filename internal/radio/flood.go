package radio

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/signalsfoundry/lora-mesh-simulator/internal/logging"
	"github.com/signalsfoundry/lora-mesh-simulator/timectrl"
)

type txState int

const (
	txIdle txState = iota
	txJitter
	txAwaitCad
	txBackoff
	txCooldown
)

// maxDelivered bounds the stack's own duplicate-suppression set.
const maxDelivered = 4096

// FloodStack is a managed-flood stack. Each queued frame waits a random
// jitter, listens with CAD and backs off while the channel is busy. After
// transmitting it holds the radio for airtime plus the inter-packet gap.
// Complete messages are delivered once and AddBlock messages are relayed.
type FloodStack struct {
	cfg StackConfig
	log logging.Logger

	radioIn  chan RadioInput
	radioOut chan RadioOutput
	messages chan Message
	sendQ    chan Message

	// Owned by Run.
	reasm      *Reassembler
	delivered  map[MessageKey]struct{}
	deliveredQ []MessageKey
	txQueue    []Packet
	state      txState
	retries    uint32
	waker      *timectrl.Waker
	pendingOut []RadioOutput
	pendingMsg []Message
}

var _ Stack = (*FloodStack)(nil)

// NewFloodStack builds a FloodStack. It is a StackFactory.
func NewFloodStack(cfg StackConfig) Stack {
	if cfg.Clock == nil {
		panic("radio: NewFloodStack without a clock")
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(uint64(cfg.NodeID), 0x9e3779b97f4a7c15))
	}
	if cfg.Airtime == nil {
		cfg.Airtime = func(int) time.Duration { return 0 }
	}
	return &FloodStack{
		cfg:       cfg,
		log:       logging.OrNoop(cfg.Logger).With(logging.Uint32("node_id", cfg.NodeID)),
		radioIn:   make(chan RadioInput, RadioQueueSize),
		radioOut:  make(chan RadioOutput, RadioQueueSize),
		messages:  make(chan Message, MessageQueueSize),
		sendQ:     make(chan Message, SendQueueSize),
		reasm:     NewReassembler(),
		delivered: make(map[MessageKey]struct{}),
	}
}

func (s *FloodStack) RadioIn() chan<- RadioInput   { return s.radioIn }
func (s *FloodStack) RadioOut() <-chan RadioOutput { return s.radioOut }
func (s *FloodStack) Messages() <-chan Message     { return s.messages }

// Send queues msg for transmission. It never blocks.
func (s *FloodStack) Send(msg Message) error {
	if len(msg.Body)+MessageHeaderSize > MaxMessageSize {
		return fmt.Errorf("FloodStack.Send: %w: %d bytes", ErrMessageTooLarge, len(msg.Body)+MessageHeaderSize)
	}
	select {
	case s.sendQ <- msg:
		return nil
	default:
		return fmt.Errorf("FloodStack.Send: %w", ErrQueueFull)
	}
}

// Run drives the stack until ctx is done.
func (s *FloodStack) Run(ctx context.Context) error {
	for {
		s.advanceIdle()

		var wakeC <-chan struct{}
		if s.waker != nil {
			wakeC = s.waker.C()
		}
		var outC chan<- RadioOutput
		var nextOut RadioOutput
		if len(s.pendingOut) > 0 {
			outC = s.radioOut
			nextOut = s.pendingOut[0]
		}
		var msgC chan<- Message
		var nextMsg Message
		if len(s.pendingMsg) > 0 {
			msgC = s.messages
			nextMsg = s.pendingMsg[0]
		}

		select {
		case <-ctx.Done():
			if s.waker != nil {
				s.waker.Stop()
			}
			return ctx.Err()
		case msg := <-s.sendQ:
			s.queueOwn(ctx, msg)
		case in := <-s.radioIn:
			s.handleInput(ctx, in)
		case <-wakeC:
			s.waker = nil
			s.handleWake()
		case outC <- nextOut:
			s.pendingOut = s.pendingOut[1:]
		case msgC <- nextMsg:
			s.pendingMsg = s.pendingMsg[1:]
		}
	}
}

func (s *FloodStack) queueOwn(ctx context.Context, msg Message) {
	if msg.Origin == 0 {
		msg.Origin = s.cfg.NodeID
	}
	packets, err := Fragment(msg)
	if err != nil {
		s.log.Warn(ctx, "dropping unsendable message", logging.Err(err))
		return
	}
	s.markDelivered(MessageKey{Type: msg.Type, Checksum: msg.Checksum()})
	s.txQueue = append(s.txQueue, packets...)
}

func (s *FloodStack) handleInput(ctx context.Context, in RadioInput) {
	switch in.Kind {
	case InputCadDone:
		s.handleCad(in.ChannelBusy)
	case InputReceived:
		s.handleReceived(ctx, in)
	}
}

func (s *FloodStack) handleReceived(ctx context.Context, in RadioInput) {
	msg, key, done, err := s.reasm.Add(in.Packet)
	if err != nil {
		s.log.Debug(ctx, "dropping fragment", logging.Err(err))
		return
	}
	if !done {
		return
	}
	if _, dup := s.delivered[key]; dup {
		return
	}
	if s.cfg.Seen != nil && s.cfg.Seen(msg.Type, msg.Sequence, key.Checksum) {
		s.markDelivered(key)
		return
	}
	s.markDelivered(key)
	s.pendingMsg = append(s.pendingMsg, msg)

	if msg.Type == TypeAddBlock && s.cfg.Module.RelayEnabled && msg.Origin != s.cfg.NodeID {
		packets, err := Fragment(msg)
		if err != nil {
			s.log.Warn(ctx, "cannot relay message", logging.Err(err))
			return
		}
		s.log.Debug(ctx, "relaying add block", logging.Uint32("sequence", msg.Sequence))
		s.txQueue = append(s.txQueue, packets...)
	}
}

func (s *FloodStack) markDelivered(key MessageKey) {
	if _, ok := s.delivered[key]; ok {
		return
	}
	s.delivered[key] = struct{}{}
	s.deliveredQ = append(s.deliveredQ, key)
	if len(s.deliveredQ) > maxDelivered {
		delete(s.delivered, s.deliveredQ[0])
		s.deliveredQ = s.deliveredQ[1:]
	}
}

// advanceIdle starts the next transmission when the radio is free.
func (s *FloodStack) advanceIdle() {
	if s.state != txIdle || len(s.txQueue) == 0 {
		return
	}
	s.retries = 0
	s.state = txJitter
	s.waker = s.cfg.Clock.NewWaker(s.cfg.Clock.Now().Add(s.randomMs(0, s.cfg.Module.TxJitterMs)))
}

func (s *FloodStack) handleWake() {
	switch s.state {
	case txJitter, txBackoff:
		s.state = txAwaitCad
		s.pendingOut = append(s.pendingOut, RadioOutput{Kind: OutputRequestCad})
	case txCooldown:
		s.state = txIdle
	}
}

func (s *FloodStack) handleCad(busy bool) {
	if s.state != txAwaitCad || len(s.txQueue) == 0 {
		return
	}
	if busy && s.retries < s.cfg.Module.MaxCadRetries {
		s.retries++
		s.state = txBackoff
		backoff := s.randomMs(s.cfg.Module.CadRetryMinMs, s.cfg.Module.CadRetryMaxMs)
		s.waker = s.cfg.Clock.NewWaker(s.cfg.Clock.Now().Add(backoff))
		return
	}

	p := s.txQueue[0]
	s.txQueue = s.txQueue[1:]
	s.pendingOut = append(s.pendingOut, RadioOutput{Kind: OutputTransmit, Packet: p})

	hold := s.cfg.Airtime(len(p.Data)) + time.Duration(s.cfg.Module.DelayBetweenTxMs)*time.Millisecond
	s.state = txCooldown
	s.waker = s.cfg.Clock.NewWaker(s.cfg.Clock.Now().Add(hold))
}

func (s *FloodStack) randomMs(lo, hi uint32) time.Duration {
	if hi <= lo {
		return time.Duration(lo) * time.Millisecond
	}
	ms := lo + uint32(s.cfg.Rand.Int64N(int64(hi-lo)+1))
	return time.Duration(ms) * time.Millisecond
}
