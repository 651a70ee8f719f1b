// Package sse decodes line-delimited server-sent-event streams into
// discrete data payloads.
package sse

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"
)

// Stop may be returned from a Scan callback to end the scan early
// without error, e.g. once the payload of interest has been seen.
var Stop = errors.New("sse: stop")

// Scan reads r incrementally and invokes onPayload for every complete
// data: line. A [DONE] payload or end-of-stream ends the scan cleanly.
// Partial trailing text is retained across reads; comment and event-name
// lines are skipped. Any other callback error aborts the scan.
func Scan(r io.Reader, onPayload func(payload string) error) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			perr := handleLine(strings.TrimRight(line, "\r\n"), onPayload)
			if perr != nil {
				if errors.Is(perr, Stop) {
					return nil
				}
				return perr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func handleLine(line string, onPayload func(string) error) error {
	if line == "" || strings.HasPrefix(line, ":") {
		return nil
	}
	if !strings.HasPrefix(line, dataPrefix) {
		return nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if payload == "" {
		return nil
	}
	if payload == doneSentinel {
		return Stop
	}
	return onPayload(payload)
}
