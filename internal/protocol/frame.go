package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// SeqNum is the two-part sequence number (sessionTs, seqNum) carried
// by every frame. It orders lexicographically: a frame from a later
// session always outranks one from an earlier session, regardless of
// seqNum.
type SeqNum struct {
	SessionTs int64
	Num       int64
}

// Less reports whether s sorts strictly before o.
func (s SeqNum) Less(o SeqNum) bool {
	if s.SessionTs != o.SessionTs {
		return s.SessionTs < o.SessionTs
	}
	return s.Num < o.Num
}

// Frame is a decoded wire frame: its sequence number plus the
// payload, or nil Message for a forwarding request (see IsForwardingRequest).
type Frame struct {
	Seq     SeqNum
	Message *Message
}

// ErrMalformedFrame is returned when a frame's length header is
// unreadable or too large; the caller must treat the connection as
// dead. A bad JSON payload, by contrast, is reported via
// ErrInvalidPayload and the connection stays open.
var ErrMalformedFrame = errors.New("protocol: malformed frame header")

// ErrInvalidPayload is returned when the length and sequence headers
// decoded cleanly but the payload failed to unmarshal as a Message.
// The frame should be dropped and the connection kept open.
var ErrInvalidPayload = errors.New("protocol: invalid frame payload")

// maxFrameLength bounds a single frame's payload to guard against a
// corrupted length header causing an unbounded allocation.
const maxFrameLength = 16 * 1024 * 1024

// WriteFrame writes one frame: [length uint32][sessionTs uint32][seqNum uint32][JSON payload].
// A nil msg writes a zero-length forwarding request carrying seq —
// the frame the receiver interprets as "resend anything newer than seq".
func WriteFrame(w io.Writer, seq SeqNum, msg *Message) error {
	var payload []byte
	if msg != nil {
		var err error
		payload, err = json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshaling message: %w", err)
		}
	}

	header := make([]byte, 12)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], uint32(seq.SessionTs))
	binary.BigEndian.PutUint32(header[8:12], uint32(seq.Num))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("writing frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r. A zero-length frame is a
// forwarding request: Frame.Message is nil and Frame.Seq carries the
// sender's last-received sequence number.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	length := binary.BigEndian.Uint32(header[0:4])
	seq := SeqNum{
		SessionTs: int64(binary.BigEndian.Uint32(header[4:8])),
		Num:       int64(binary.BigEndian.Uint32(header[8:12])),
	}

	if length == 0 {
		return Frame{Seq: seq, Message: nil}, nil
	}
	if length > maxFrameLength {
		return Frame{}, fmt.Errorf("%w: length %d exceeds limit", ErrMalformedFrame, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	return Frame{Seq: seq, Message: &msg}, nil
}

// IsForwardingRequest reports whether f is a zero-payload forwarding
// request rather than a normal message frame.
func (f Frame) IsForwardingRequest() bool {
	return f.Message == nil
}
