package kernel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ordo-sh/ordo/internal/log"
	"github.com/ordo-sh/ordo/internal/protocol"
)

// Server speaks the front-end protocol: newline-delimited JSON requests on
// in, one JSON response per line on out. Responses may interleave out of
// request order; the write mutex keeps each line whole.
type Server struct {
	kernel *Kernel
	in     io.Reader
	out    io.Writer

	writeMu sync.Mutex
}

// NewServer wraps a started kernel. in and out are normally os.Stdin and
// os.Stdout.
func NewServer(k *Kernel, in io.Reader, out io.Writer) *Server {
	return &Server{kernel: k, in: in, out: out}
}

// Run serves until the input stream ends, a SHUTDOWN request lands, or ctx
// is cancelled. End of input is a clean shutdown, not an error.
func (s *Server) Run(ctx context.Context) error {
	lines := make(chan []byte)
	log.SafeGo("kernel.stdin", func() { s.readLoop(lines) })

	log.Info(log.CatKernel, "serving requests")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.kernel.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				s.kernel.RequestShutdown("input stream closed")
				return nil
			}
			s.serveLine(ctx, line)
		}
	}
}

func (s *Server) readLoop(lines chan<- []byte) {
	defer close(lines)

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxRequestBytes)
	for scanner.Scan() {
		// Scanner reuses its buffer between calls.
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		lines <- line
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			// Framing is lost past an oversized line, so answer once and
			// let the stream wind down.
			s.write(protocol.ErrResponse("", protocol.CodeValidationFailed,
				fmt.Sprintf("request line exceeds the %d byte limit", protocol.MaxRequestBytes)))
		}
		log.ErrorErr(log.CatKernel, "request stream read failed", err)
	}
}

func (s *Server) serveLine(ctx context.Context, line []byte) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return
	}
	req, err := protocol.DecodeRequest(trimmed)
	if err != nil {
		s.write(protocol.ErrResponse(recoverID(trimmed), protocol.CodeValidationFailed,
			"malformed request: "+err.Error()))
		return
	}
	s.kernel.Handle(ctx, req, len(line), s.write)
}

// recoverID salvages the request id from a line that failed to decode so
// the error response still correlates. Empty when nothing is salvageable.
func recoverID(line []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return ""
	}
	return probe.ID
}

func (s *Server) write(resp protocol.Response) {
	data, err := protocol.EncodeResponse(resp)
	if err != nil {
		log.ErrorErr(log.CatKernel, "response encoding failed", err, "request_id", resp.ID)
		fallback := protocol.ErrResponse(resp.ID, protocol.CodeInternal, "response encoding failed")
		data, _ = protocol.EncodeResponse(fallback)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		log.ErrorErr(log.CatKernel, "response write failed", err, "request_id", resp.ID)
	}
}
