package tcp

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/text/encoding/unicode"
)

// ControlCode is one of the fixed 8-character tokens exchanged after a
// frame. On the wire each is 16 bytes of UTF-16LE.
type ControlCode string

const (
	Received             ControlCode = "received"
	Acknowledged         ControlCode = "acknowlg"
	SerializationFailure ControlCode = "ser-fail"
	ProcessingFailure    ControlCode = "proc-err"
	QueueDoesNotExist    ControlCode = "no-queue"
)

const codeSize = 16

var ErrUnknownControlCode = errors.New("unknown control code")

var (
	utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

	knownCodes = []ControlCode{Received, Acknowledged, SerializationFailure, ProcessingFailure, QueueDoesNotExist}
	wireCodes  = make(map[ControlCode][]byte, len(knownCodes))
)

func init() {
	for _, code := range knownCodes {
		b, err := utf16le.NewEncoder().Bytes([]byte(code))
		if err != nil || len(b) != codeSize {
			panic(fmt.Sprintf("control code %q does not encode to %d bytes", code, codeSize))
		}
		wireCodes[code] = b
	}
}

// Bytes returns the wire form of c.
func (c ControlCode) Bytes() []byte {
	b, ok := wireCodes[c]
	if !ok {
		return nil
	}
	return append([]byte(nil), b...)
}

func WriteCode(w io.Writer, code ControlCode) error {
	b, ok := wireCodes[code]
	if !ok {
		return fmt.Errorf("write %q: %w", code, ErrUnknownControlCode)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write control code %s: %w", code, err)
	}
	return nil
}

func ReadCode(r io.Reader) (ControlCode, error) {
	var buf [codeSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return "", fmt.Errorf("read control code: %w", err)
	}

	decoded, err := utf16le.NewDecoder().Bytes(buf[:])
	if err != nil {
		return "", fmt.Errorf("decode control code: %w", err)
	}

	code := ControlCode(decoded)
	if _, ok := wireCodes[code]; !ok {
		return "", fmt.Errorf("read %q: %w", decoded, ErrUnknownControlCode)
	}
	return code, nil
}
