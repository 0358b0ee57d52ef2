package tcpapi

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ErrFrameTooLong is returned for a netstring whose declared length exceeds
// the reader's limit.
var ErrFrameTooLong = errors.New("netstring too long")

// readNetstring reads one "<len>:<data>," frame.
func readNetstring(r *bufio.Reader, limit int) ([]byte, error) {
	head, err := r.ReadString(':')
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(head[:len(head)-1])
	if err != nil || n < 0 {
		return nil, fmt.Errorf("bad netstring length %q", head)
	}
	if n > limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLong, n, limit)
	}
	buf := make([]byte, n+1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	if buf[n] != ',' {
		return nil, fmt.Errorf("netstring missing terminator")
	}
	return buf[:n], nil
}

// writeNetstring writes data as one frame.
func writeNetstring(w *bufio.Writer, data string) error {
	if _, err := fmt.Fprintf(w, "%d:%s,", len(data), data); err != nil {
		return err
	}
	return w.Flush()
}
