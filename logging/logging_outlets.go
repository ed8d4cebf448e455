package logging

import (
	"bytes"
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/mtth/verdon/logger"
)

type WriterOutlet struct {
	formatter EntryFormatter
	writer    io.Writer
}

func NewWriterOutlet(formatter EntryFormatter, writer io.Writer) WriterOutlet {
	return WriterOutlet{formatter, writer}
}

func (h WriterOutlet) WriteEntry(entry logger.Entry) error {
	bytes, err := h.formatter.Format(&entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(bytes)
	if err != nil {
		return err
	}
	_, err = h.writer.Write([]byte("\n"))
	return err
}

// TCPOutlet ships entries to a remote collector. Between a connection
// error and the next reconnection attempt, entries that do not fit the
// one-entry buffer are dropped and WriteEntry returns an error.
type TCPOutlet struct {
	formatter EntryFormatter
	connect   func(ctx context.Context) (net.Conn, error)
	entryChan chan *bytes.Buffer
}

func NewTCPOutlet(formatter EntryFormatter, network, address string, retryInterval time.Duration) *TCPOutlet {
	connect := func(ctx context.Context) (net.Conn, error) {
		deadl, ok := ctx.Deadline()
		if !ok {
			deadl = time.Time{}
		}
		dialer := net.Dialer{Deadline: deadl}
		return dialer.DialContext(ctx, network, address)
	}

	// allow one message in flight while the previous one is being copied
	entryChan := make(chan *bytes.Buffer, 1)

	o := &TCPOutlet{
		formatter: formatter,
		connect:   connect,
		entryChan: entryChan,
	}
	go o.outLoop(retryInterval)
	return o
}

func (h *TCPOutlet) Close() {
	close(h.entryChan)
}

func (h *TCPOutlet) outLoop(retryInterval time.Duration) {
	var retry time.Time
	var conn net.Conn
	for msg := range h.entryChan {
		var err error
		for conn == nil {
			time.Sleep(time.Until(retry))
			ctx, cancel := context.WithDeadline(context.TODO(), time.Now().Add(retryInterval))
			conn, err = h.connect(ctx)
			cancel()
			if err != nil {
				retry = time.Now().Add(retryInterval)
				conn = nil
			}
		}
		conn.SetWriteDeadline(time.Now().Add(retryInterval)) //nolint:errcheck
		_, err = io.Copy(conn, msg)
		if err != nil {
			retry = time.Now().Add(retryInterval)
			conn.Close()
			conn = nil
		}
	}
}

func (h *TCPOutlet) WriteEntry(e logger.Entry) error {
	ebytes, err := h.formatter.Format(&e)
	if err != nil {
		return err
	}
	buf := new(bytes.Buffer)
	buf.Write(ebytes)
	buf.WriteString("\n")
	select {
	case h.entryChan <- buf:
		return nil
	default:
		return errors.New("connection broken or not fast enough")
	}
}
