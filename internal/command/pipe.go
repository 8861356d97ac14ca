package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// FIFO permissions.
const (
	pipeDirPermissions  = 0750
	pipeFilePermissions = 0660
	maxRecordSize       = 64 * 1024
	ackWriteTimeout     = 200 * time.Millisecond
)

// PipeConfig locates the FIFO pair.
type PipeConfig struct {
	// Directory holds both FIFOs. Created if missing.
	Directory string

	// Inbound is the FIFO name commands are read from.
	Inbound string

	// Outbound is the FIFO name acks are written to.
	Outbound string
}

// PipeChannel reads commands from one named pipe and writes acks to another.
//
// Both FIFOs are recreated on open. The inbound FIFO is held open read-write
// so that writers coming and going never produce EOF. Acks are written
// without blocking: if nobody is reading the outbound FIFO the ack is dropped.
type PipeChannel struct {
	inPath  string
	outPath string
	in      *os.File
	records chan []byte

	mu     sync.Mutex
	out    *os.File
	closed bool
	logger Logger
}

// OpenPipe creates the FIFO pair and starts reading the inbound side.
func OpenPipe(cfg PipeConfig) (*PipeChannel, error) {
	if cfg.Directory == "" || cfg.Inbound == "" || cfg.Outbound == "" {
		return nil, fmt.Errorf("opening command pipes: directory, inbound and outbound are required")
	}
	if err := os.MkdirAll(cfg.Directory, pipeDirPermissions); err != nil {
		return nil, fmt.Errorf("creating pipe directory: %w", err)
	}

	p := &PipeChannel{
		inPath:  filepath.Join(cfg.Directory, cfg.Inbound),
		outPath: filepath.Join(cfg.Directory, cfg.Outbound),
		records: make(chan []byte),
		logger:  noopLogger{},
	}

	for _, path := range []string{p.inPath, p.outPath} {
		if err := makeFIFO(path); err != nil {
			return nil, err
		}
	}

	in, err := os.OpenFile(p.inPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening inbound pipe: %w", err)
	}
	p.in = in

	go p.read()

	return p, nil
}

// makeFIFO replaces whatever is at path with a fresh FIFO.
func makeFIFO(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale pipe %s: %w", path, err)
	}
	if err := syscall.Mkfifo(path, pipeFilePermissions); err != nil {
		return fmt.Errorf("creating pipe %s: %w", path, err)
	}
	return nil
}

// SetLogger sets the logger for discarded records and read failures.
func (p *PipeChannel) SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	p.mu.Lock()
	p.logger = logger
	p.mu.Unlock()
}

func (p *PipeChannel) log() Logger {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logger
}

// read splits the inbound stream into records until the pipe is closed.
// A line longer than maxRecordSize is dropped up to its newline and reading
// carries on with the next one.
func (p *PipeChannel) read() {
	defer close(p.records)

	r := bufio.NewReaderSize(p.in, 4096)
	var rec []byte
	dropped := 0
	for {
		chunk, more, err := r.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.log().Error("reading command pipe failed", "path", p.inPath, "error", err)
			}
			return
		}

		switch {
		case dropped > 0:
			dropped += len(chunk)
		case len(rec)+len(chunk) > maxRecordSize:
			dropped = len(rec) + len(chunk)
			rec = rec[:0]
		default:
			rec = append(rec, chunk...)
		}
		if more {
			continue
		}

		if dropped > 0 {
			p.log().Warn("discarding oversized command record", "bytes", dropped, "limit", maxRecordSize)
			dropped = 0
			continue
		}
		if len(rec) > 0 {
			p.records <- append([]byte(nil), rec...)
		}
		rec = rec[:0]
	}
}

// Name implements Channel.
func (p *PipeChannel) Name() string {
	return "pipe"
}

// InboundPath returns the path commands are read from.
func (p *PipeChannel) InboundPath() string {
	return p.inPath
}

// OutboundPath returns the path acks are written to.
func (p *PipeChannel) OutboundPath() string {
	return p.outPath
}

// Receive implements Channel.
func (p *PipeChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case rec, ok := <-p.records:
		if !ok {
			return nil, ErrChannelClosed
		}
		return rec, nil
	}
}

// Acknowledge implements Channel. The ack is dropped when no reader has the
// outbound pipe open.
func (p *PipeChannel) Acknowledge(_ context.Context, ack Ack) error {
	data, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("encoding ack: %w", err)
	}
	data = append(data, '\n')

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrChannelClosed
	}
	if p.out == nil {
		out, err := os.OpenFile(p.outPath, os.O_WRONLY|syscall.O_NONBLOCK, 0)
		if err != nil {
			if errors.Is(err, syscall.ENXIO) {
				// No reader attached
				return nil
			}
			return fmt.Errorf("opening outbound pipe: %w", err)
		}
		p.out = out
	}

	// A stalled reader must not hold up the control loop
	p.out.SetWriteDeadline(time.Now().Add(ackWriteTimeout)) //nolint:errcheck // Unsupported only for non-pollable files
	if _, err := p.out.Write(data); err != nil {
		p.out.Close() //nolint:errcheck // Reopened on next ack
		p.out = nil
		return fmt.Errorf("writing ack: %w", err)
	}
	return nil
}

// Close stops reading and removes both FIFOs.
func (p *PipeChannel) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.out != nil {
		p.out.Close() //nolint:errcheck // Closing on shutdown
		p.out = nil
	}
	p.mu.Unlock()

	err := p.in.Close()

	// Unblock the reader if it is waiting to hand over a record
	go func() {
		for range p.records {
		}
	}()

	for _, path := range []string{p.inPath, p.outPath} {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
			err = rmErr
		}
	}
	if err != nil {
		return fmt.Errorf("closing command pipes: %w", err)
	}
	return nil
}
