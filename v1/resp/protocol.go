package resp

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
)

var errProtocol = errors.New("ERR protocol error")

// maxBulkLen bounds a single argument, as Redis does with proto-max-bulk-len.
const maxBulkLen = 512 << 20

// maxMultiBulkLen bounds the number of arguments of a command.
const maxMultiBulkLen = 1024 * 1024

// Reader parses client commands: RESP arrays of bulk strings, or inline
// commands separated by spaces.
type Reader struct {
	rd *bufio.Reader
}

// NewReader returns a Reader reading from rd.
func NewReader(rd *bufio.Reader) *Reader {
	return &Reader{rd: rd}
}

// Buffered reports how many bytes of pipelined input are already buffered.
func (r *Reader) Buffered() int { return r.rd.Buffered() }

// ReadCommand reads the next command and its arguments.
func (r *Reader) ReadCommand() ([][]byte, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '*' {
		fields := bytes.Fields(line)
		args := make([][]byte, len(fields))
		for i, f := range fields {
			args[i] = append([]byte(nil), f...)
		}
		return args, nil
	}

	count, err := strconv.Atoi(string(line[1:]))
	if err != nil || count < 0 || count > maxMultiBulkLen {
		return nil, errProtocol
	}
	// grown as arguments arrive, not sized from the declared count
	var args [][]byte
	for i := 0; i < count; i++ {
		line, err = r.readLine()
		if err != nil {
			return nil, err
		}
		if len(line) == 0 || line[0] != '$' {
			return nil, errProtocol
		}
		n, err := strconv.Atoi(string(line[1:]))
		if err != nil || n > maxBulkLen {
			return nil, errProtocol
		}
		if n < 0 {
			args = append(args, nil)
			continue
		}
		var buf bytes.Buffer
		if _, err := io.CopyN(&buf, r.rd, int64(n)+2); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		data := buf.Bytes()
		if data[n] != '\r' || data[n+1] != '\n' {
			return nil, errProtocol
		}
		args = append(args, data[:n:n])
	}
	return args, nil
}

// readLine returns the next CRLF terminated line without its terminator.
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.rd.ReadSlice('\n')
	if err != nil {
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, errProtocol
	}
	return line[:len(line)-2], nil
}

// Writer encodes RESP2 replies.
type Writer struct {
	wr      *bufio.Writer
	scratch []byte
}

// NewWriter returns a Writer writing to wr.
func NewWriter(wr *bufio.Writer) *Writer {
	return &Writer{wr: wr, scratch: make([]byte, 0, 32)}
}

func (w *Writer) WriteError(msg string) {
	w.wr.WriteByte('-')
	w.wr.WriteString(msg)
	w.wr.WriteString("\r\n")
}

func (w *Writer) WriteSimpleString(msg string) {
	w.wr.WriteByte('+')
	w.wr.WriteString(msg)
	w.wr.WriteString("\r\n")
}

func (w *Writer) WriteBulk(data []byte) {
	w.writePrefixed('$', int64(len(data)))
	w.wr.Write(data)
	w.wr.WriteString("\r\n")
}

// WriteNull writes the RESP2 null bulk string.
func (w *Writer) WriteNull() {
	w.wr.WriteString("$-1\r\n")
}

func (w *Writer) WriteInt(n int64) {
	w.writePrefixed(':', n)
}

// WriteArrayHeader starts an array of n elements.
func (w *Writer) WriteArrayHeader(n int) {
	w.writePrefixed('*', int64(n))
}

func (w *Writer) writePrefixed(prefix byte, n int64) {
	w.wr.WriteByte(prefix)
	w.scratch = strconv.AppendInt(w.scratch[:0], n, 10)
	w.wr.Write(w.scratch)
	w.wr.WriteString("\r\n")
}

func (w *Writer) Flush() error {
	return w.wr.Flush()
}
