package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/robot-starter/internal/round"
)

// Default dispatcher tuning.
const (
	defaultQueueSize    = 16
	receiveRetryBackoff = 250 * time.Millisecond
)

// Handler executes commands. *round.Supervisor implements it.
type Handler interface {
	Start(ctx context.Context, mode round.Mode, zone int) round.Outcome
	Stop(ctx context.Context) round.Outcome
	Upload(ctx context.Context) round.Outcome
	Status() round.Status
}

// Channel is a duplex command transport.
type Channel interface {
	// Name identifies the channel in logs and acks.
	Name() string

	// Receive blocks until a record arrives, ctx is done or the channel is
	// closed (ErrChannelClosed).
	Receive(ctx context.Context) ([]byte, error)

	// Acknowledge sends an ack back to the command's sender. It must not
	// block the control loop for long.
	Acknowledge(ctx context.Context, ack Ack) error
}

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// request is one queued command awaiting the control loop.
type request struct {
	raw    []byte
	cmd    *Command
	source string
	reply  func(Ack)
}

// Dispatcher runs the single control loop that feeds a Handler.
//
// Thread Safety:
//   - Submit and SubmitCommand are safe for concurrent use.
//   - AddChannel and OnAck must be called before Run.
type Dispatcher struct {
	handler  Handler
	queue    chan request
	channels []Channel
	onAck    []func(Ack)
	logger   Logger

	stopped chan struct{}
	once    sync.Once
}

// NewDispatcher creates a dispatcher for h.
func NewDispatcher(h Handler) *Dispatcher {
	return &Dispatcher{
		handler: h,
		queue:   make(chan request, defaultQueueSize),
		logger:  noopLogger{},
		stopped: make(chan struct{}),
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	if logger != nil {
		d.logger = logger
	}
}

// AddChannel registers a transport to be read by Run.
func (d *Dispatcher) AddChannel(ch Channel) {
	d.channels = append(d.channels, ch)
}

// OnAck registers an observer called with every ack from the control loop.
func (d *Dispatcher) OnAck(fn func(Ack)) {
	d.onAck = append(d.onAck, fn)
}

// Run processes commands until ctx is cancelled. It reads every registered
// channel in its own goroutine and handles records one at a time.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	for _, ch := range d.channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			d.pump(ctx, ch)
		}(ch)
	}

	d.logger.Info("command dispatcher started", "channels", len(d.channels))

	defer func() {
		cancel()
		wg.Wait()
		d.once.Do(func() { close(d.stopped) })
		d.logger.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-d.queue:
			d.handle(ctx, req)
		}
	}
}

// Submit queues a raw record and waits for its ack.
func (d *Dispatcher) Submit(ctx context.Context, source string, raw []byte) (Ack, error) {
	return d.submit(ctx, request{raw: raw, source: source})
}

// SubmitCommand queues a decoded command and waits for its ack.
func (d *Dispatcher) SubmitCommand(ctx context.Context, source string, cmd Command) (Ack, error) {
	return d.submit(ctx, request{cmd: &cmd, source: source})
}

func (d *Dispatcher) submit(ctx context.Context, req request) (Ack, error) {
	replies := make(chan Ack, 1)
	req.reply = func(a Ack) { replies <- a }

	select {
	case d.queue <- req:
	case <-d.stopped:
		return Ack{}, ErrDispatcherStopped
	case <-ctx.Done():
		return Ack{}, fmt.Errorf("queueing command: %w", ctx.Err())
	}

	select {
	case a := <-replies:
		return a, nil
	case <-d.stopped:
		return Ack{}, ErrDispatcherStopped
	case <-ctx.Done():
		return Ack{}, fmt.Errorf("waiting for command: %w", ctx.Err())
	}
}

// pump feeds records from ch into the queue.
func (d *Dispatcher) pump(ctx context.Context, ch Channel) {
	for {
		raw, err := ch.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrChannelClosed) {
				return
			}
			d.logger.Warn("command channel receive failed", "channel", ch.Name(), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveRetryBackoff):
			}
			continue
		}

		req := request{
			raw:    raw,
			source: ch.Name(),
			reply: func(a Ack) {
				if err := ch.Acknowledge(ctx, a); err != nil {
					d.logger.Debug("failed to acknowledge command", "channel", ch.Name(), "error", err)
				}
			},
		}

		select {
		case d.queue <- req:
		case <-ctx.Done():
			return
		}
	}
}

// handle executes one request to completion.
func (d *Dispatcher) handle(ctx context.Context, req request) {
	ack := d.execute(ctx, req)

	for _, fn := range d.onAck {
		fn(ack)
	}
	if req.reply != nil {
		req.reply(ack)
	}
}

func (d *Dispatcher) execute(ctx context.Context, req request) Ack {
	var (
		cmd Command
		msg Message
		err error
	)
	if req.cmd != nil {
		cmd = *req.cmd
		msg.Request = string(cmd.Kind)
	} else {
		cmd, msg, err = Decode(req.raw)
	}

	ack := Ack{Request: msg.Request, Source: req.source}

	switch {
	case errors.Is(err, ErrUnknownRequest):
		d.logger.Warn("ignoring unrecognised command", "source", req.source, "request", msg.Request)
		ack.Outcome = OutcomeUnknown
		ack.Detail = err.Error()
	case errors.Is(err, ErrInvalidParams):
		d.logger.Warn("ignoring start with invalid params", "source", req.source, "error", err)
		ack.Outcome = round.OutcomeIgnored
		ack.Detail = err.Error()
	case err != nil:
		d.logger.Warn("ignoring undecodable command", "source", req.source, "error", err)
		ack.Outcome = OutcomeInvalid
		ack.Detail = err.Error()
	default:
		d.logger.Info("handling command", "source", req.source, "request", cmd.Kind)
		ack.Outcome = d.dispatch(ctx, cmd)
	}

	st := d.handler.Status()
	ack.State = st.State
	ack.RoundID = st.RoundID
	ack.Time = time.Now()
	return ack
}

func (d *Dispatcher) dispatch(ctx context.Context, cmd Command) round.Outcome {
	switch cmd.Kind {
	case KindStart:
		return d.handler.Start(ctx, cmd.Mode, cmd.Zone)
	case KindStop:
		return d.handler.Stop(ctx)
	case KindUpload:
		return d.handler.Upload(ctx)
	default:
		return OutcomeUnknown
	}
}
