package iiod

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// TextBackend implements the IIOD text protocol.
// This backend is used when binary probing fails or when explicitly forced.
type TextBackend struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

// NewTextBackend attaches a TCP connection to a new TextBackend.
func NewTextBackend(conn net.Conn) *TextBackend {
	return &TextBackend{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
}

// ensureNewline ensures commands sent to IIOD always end with \n.
func ensureNewline(s string) string {
	if !strings.HasSuffix(s, "\n") {
		return s + "\n"
	}
	return s
}

// readLineStrict reads a full line and trims \r\n.
func (tb *TextBackend) readLineStrict(ctx context.Context) (string, error) {
	tb.conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	line, err := tb.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

///////////////////////////////////////////////////////////////////////////////////////////////////
// Backend interface implementation
///////////////////////////////////////////////////////////////////////////////////////////////////

// Probe checks whether conn speaks the IIOD text protocol by issuing VERSION
// and checking for the "N N" reply the text servers use, rather than the
// binary status/length header the binary backend expects.
func (tb *TextBackend) Probe(ctx context.Context, conn net.Conn) error {
	if _, err := tb.writer.WriteString("VERSION\n"); err != nil {
		return err
	}
	if err := tb.writer.Flush(); err != nil {
		return err
	}

	line, err := tb.readLineStrict(ctx)
	if err != nil {
		return fmt.Errorf("text probe: %w", err)
	}

	var major, minor int
	if _, err := fmt.Sscanf(line, "%d.%d", &major, &minor); err != nil {
		if _, err := fmt.Sscanf(line, "%d %d", &major, &minor); err != nil {
			return fmt.Errorf("text probe: unrecognised VERSION reply %q", line)
		}
	}
	return nil
}

func (tb *TextBackend) ReadAttr(ctx context.Context, device string, channel string, attr string) (string, error) {
	var cmd string

	if channel == "" {
		cmd = fmt.Sprintf("READ %s %s", device, attr)
	} else {
		cmd = fmt.Sprintf("READ %s %s %s", device, channel, attr)
	}

	_, err := tb.writer.WriteString(ensureNewline(cmd))
	if err != nil {
		return "", err
	}
	tb.writer.Flush()

	// Reply is exactly 1 line containing the attribute value.
	line, err := tb.readLineStrict(ctx)
	if err != nil {
		return "", err
	}
	return line, nil
}

func (tb *TextBackend) WriteAttr(ctx context.Context, device string, channel string, attr string, value string) error {
	var cmd string

	if channel == "" {
		cmd = fmt.Sprintf("WRITE %s %s %s", device, attr, value)
	} else {
		cmd = fmt.Sprintf("WRITE %s %s %s %s", device, channel, attr, value)
	}

	_, err := tb.writer.WriteString(ensureNewline(cmd))
	if err != nil {
		return err
	}
	tb.writer.Flush()

	// Expect "OK"
	reply, err := tb.readLineStrict(ctx)
	if err != nil {
		return err
	}

	if reply != "OK" {
		return fmt.Errorf("text WRITE failed: %s", reply)
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////////////////////////////
// Buffer operations (Pluto only supports limited text buffer features)
///////////////////////////////////////////////////////////////////////////////////////////////////

// OpenBuffer opens a streaming buffer over the text protocol. cyclic is
// accepted for Backend conformance but has no text-protocol equivalent;
// the Pluto-era IIOD text servers this backend targets always stream
// non-cyclically.
func (tb *TextBackend) OpenBuffer(ctx context.Context, device string, samples int, cyclic bool) (int, error) {
	cmd := fmt.Sprintf("BUFFER_OPEN %s %d", device, samples)
	_, err := tb.writer.WriteString(ensureNewline(cmd))
	if err != nil {
		return -1, err
	}
	tb.writer.Flush()

	reply, err := tb.readLineStrict(ctx)
	if err != nil {
		return -1, err
	}

	var id int
	_, err = fmt.Sscanf(reply, "%d", &id)
	if err != nil {
		return -1, fmt.Errorf("invalid buffer id: %s", reply)
	}

	return id, nil
}

func (tb *TextBackend) WriteBuffer(ctx context.Context, bufID int, data []byte) (int, error) {
	cmd := fmt.Sprintf("BUFFER_WRITE %d %d", bufID, len(data))
	_, err := tb.writer.WriteString(ensureNewline(cmd))
	if err != nil {
		return 0, err
	}
	tb.writer.Flush()

	_, err = tb.writer.Write(data)
	if err != nil {
		return 0, err
	}
	tb.writer.WriteByte('\n')
	tb.writer.Flush()

	reply, err := tb.readLineStrict(ctx)
	if err != nil {
		return 0, err
	}

	var written int
	fmt.Sscanf(reply, "%d", &written)
	return written, nil
}

func (tb *TextBackend) CloseBuffer(ctx context.Context, bufID int) error {
	cmd := fmt.Sprintf("BUFFER_CLOSE %d", bufID)
	_, err := tb.writer.WriteString(ensureNewline(cmd))
	if err != nil {
		return err
	}
	tb.writer.Flush()

	reply, err := tb.readLineStrict(ctx)
	if err != nil {
		return err
	}
	if reply != "OK" {
		return fmt.Errorf("close buffer: %s", reply)
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////////////////////////////
// Shutdown
///////////////////////////////////////////////////////////////////////////////////////////////////

func (tb *TextBackend) Close() error {
	return tb.conn.Close()
}
