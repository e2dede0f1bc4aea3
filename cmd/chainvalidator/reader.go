package main

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"io"
	"strings"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/services/blockvalidation"
)

// maxPendingHandles is the number of pending handles at which submitResults drops the
// finished ones.
const maxPendingHandles = 1024

// readBlocks calls fn with every block read from r. Block files are a sequence of records of
// the network magic, the little endian payload length and the payload. A zero magic marks
// the preallocated tail of a block file and ends the read.
func readBlocks(r io.Reader, magic uint32, hexLines bool, fn func([]byte) error) error {
	br := bufio.NewReaderSize(r, 1024*1024)

	if hexLines {
		return readHexBlocks(br, fn)
	}

	header := make([]byte, 8)

	for record := 0; ; record++ {
		if _, err := io.ReadFull(br, header); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return errors.NewInvalidArgumentError("truncated record header at record %d", record, err)
		}

		recordMagic := binary.LittleEndian.Uint32(header[:4])
		if recordMagic == 0 {
			return nil
		}

		if recordMagic != magic {
			return errors.NewInvalidArgumentError("record %d has magic %08x, expected %08x", record, recordMagic, magic)
		}

		payload := make([]byte, binary.LittleEndian.Uint32(header[4:]))
		if _, err := io.ReadFull(br, payload); err != nil {
			return errors.NewInvalidArgumentError("truncated block at record %d", record, err)
		}

		if err := fn(payload); err != nil {
			return err
		}
	}
}

func readHexBlocks(br *bufio.Reader, fn func([]byte) error) error {
	for lineNumber := 1; ; lineNumber++ {
		line, readErr := br.ReadString('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return errors.NewInvalidArgumentError("failed to read line %d", lineNumber, readErr)
		}

		line = strings.TrimSpace(line)

		if line != "" && !strings.HasPrefix(line, "#") {
			blockBytes, err := hex.DecodeString(line)
			if err != nil {
				return errors.NewInvalidArgumentError("line %d is not hex", lineNumber, err)
			}

			if err = fn(blockBytes); err != nil {
				return err
			}
		}

		if readErr != nil {
			return nil
		}
	}
}

// submitResults counts the outcome of submitted blocks without holding on to every finished
// handle.
type submitResults struct {
	pending   []*blockvalidation.ValidationSettings
	submitted int
	rejected  int
	orphaned  int
	known     int
	firstErr  error
}

func (r *submitResults) add(handle *blockvalidation.ValidationSettings) {
	r.submitted++
	r.pending = append(r.pending, handle)

	if len(r.pending) < maxPendingHandles {
		return
	}

	// orphans stay pending until their parent arrives
	unfinished := r.pending[:0]

	for _, pending := range r.pending {
		select {
		case <-pending.Done():
			r.record(pending.Error())
		default:
			unfinished = append(unfinished, pending)
		}
	}

	clear(r.pending[len(unfinished):])
	r.pending = unfinished
}

func (r *submitResults) wait() {
	for _, handle := range r.pending {
		r.record(handle.WaitUntilFinished())
	}

	r.pending = nil
}

func (r *submitResults) record(err error) {
	switch {
	case err == nil:
	case errors.IsShutdownError(err):
		r.orphaned++
	case isAlreadyKnown(err):
		r.known++
	default:
		r.rejected++

		if r.firstErr == nil {
			r.firstErr = err
		}
	}
}

// isAlreadyKnown reports whether err rejects a block that is already stored and valid.
func isAlreadyKnown(err error) bool {
	data, ok := errors.GetRejectData(err)

	return ok && data.RejectCode == errors.RejectDuplicate && data.Reason == "duplicate"
}
