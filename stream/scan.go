package stream

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// Scan decodes r line by line, calling emit for every event as soon as its
// frame has arrived. The events are the same, in the same order, as
// Decode over the complete body.
//
// Until the first frame is seen the body is retained, because a body with no
// frames at all is decoded as a single document once r is exhausted. A read
// error is returned as is: frames completed before it have been emitted, the
// partial line and any retained unframed prefix are dropped.
func Scan(r io.Reader, emit func(Event)) error {
	br := bufio.NewReader(r)

	var pending strings.Builder
	framed := false

	for {
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if len(line) > 0 {
			if !framed {
				pending.WriteString(line)
			}
			if payload, ok := framePayload(strings.TrimSuffix(line, "\n")); ok {
				framed = true
				pending.Reset()
				decodeFrame(payload, emit)
			}
		}
		if err != nil {
			if !framed {
				decodeDocument(pending.String(), emit)
			}
			return nil
		}
	}
}
