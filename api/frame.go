package api

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Kind tags the first byte of every frame payload.
type Kind byte

const (
	ReqListClasses     Kind = 1
	Progress           Kind = 2
	ResultClasses      Kind = 3
	ReqClassContent    Kind = 4
	ResultClassContent Kind = 5
	ReqEditField       Kind = 6
	ResultEdit         Kind = 7
	Error              Kind = 8
)

func (k Kind) String() string {
	switch k {
	case ReqListClasses:
		return "REQ_LIST_CLASSES"
	case Progress:
		return "PROGRESS"
	case ResultClasses:
		return "RESULT_CLASSES"
	case ReqClassContent:
		return "REQ_CLASS_CONTENT"
	case ResultClassContent:
		return "RESULT_CLASS_CONTENT"
	case ReqEditField:
		return "REQ_EDIT_FIELD"
	case ResultEdit:
		return "RESULT_EDIT"
	case Error:
		return "ERROR"
	}
	return fmt.Sprintf("KIND(%d)", byte(k))
}

// MaxFrameSize bounds the declared length of a single frame.
const MaxFrameSize = 64 << 20

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Frame is one decoded message: the kind tag and the remaining body.
type Frame struct {
	Kind Kind
	Body []byte
}

// WriteFrame writes [len][kind][body] where len covers kind and body.
func WriteFrame(w io.Writer, kind Kind, body []byte) error {
	n := len(body) + 1
	if n > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 5+len(body))
	binary.BigEndian.PutUint32(buf, uint32(n))
	buf[4] = byte(kind)
	copy(buf[5:], body)
	_, err := w.Write(buf)
	return err
}

// WriteMessage encodes m and writes it as one frame.
func WriteMessage(w io.Writer, m Message) error {
	return WriteFrame(w, m.Kind(), m.encode(nil))
}

// FrameReader decodes frames from a stream.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// Next reads the next frame. A clean end of stream between frames returns io.EOF;
// a stream ending inside a frame returns io.ErrUnexpectedEOF.
func (fr *FrameReader) Next() (*Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return &Frame{Kind: Kind(payload[0]), Body: payload[1:]}, nil
}

// Decode turns a frame into its typed message.
func (f *Frame) Decode() (Message, error) {
	var m Message
	switch f.Kind {
	case ReqListClasses:
		m = &ListClassesRequest{}
	case Progress:
		m = &ProgressUpdate{}
	case ResultClasses:
		m = &ClassesResult{}
	case ReqClassContent:
		m = &ClassContentRequest{}
	case ResultClassContent:
		m = &ClassContentResult{}
	case ReqEditField:
		m = &EditFieldRequest{}
	case ResultEdit:
		m = &EditResult{}
	case Error:
		m = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("unknown message kind %s", f.Kind)
	}
	d := &decoder{buf: f.Body}
	m.decode(d)
	if d.err != nil {
		return nil, fmt.Errorf("decoding %s: %w", f.Kind, d.err)
	}
	if len(d.buf) != 0 {
		return nil, fmt.Errorf("decoding %s: %d trailing bytes", f.Kind, len(d.buf))
	}
	return m, nil
}

type decoder struct {
	buf []byte
	err error
}

var (
	errShortBody  = errors.New("message body truncated")
	errBadPercent = errors.New("progress percent out of range")
)

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf) < n {
		d.err = errShortBody
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) u8() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) boolean() bool {
	return d.u8() != 0
}

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) blob() []byte {
	n := d.u32()
	if d.err == nil && int64(n) > int64(len(d.buf)) {
		d.err = errShortBody
		return nil
	}
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (d *decoder) str() string {
	return string(d.blob())
}

// count reads a repeat count and rejects counts the remaining body cannot hold,
// given that every element needs at least minSize bytes.
func (d *decoder) count(minSize int) int {
	n := d.u32()
	if d.err == nil && int64(n)*int64(minSize) > int64(len(d.buf)) {
		d.err = errShortBody
		return 0
	}
	return int(n)
}

func putUint16(b []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(b, v)
}

func putUint32(b []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(b, v)
}

func putBytes(b, v []byte) []byte {
	b = putUint32(b, uint32(len(v)))
	return append(b, v...)
}

func putString(b []byte, s string) []byte {
	b = putUint32(b, uint32(len(s)))
	return append(b, s...)
}

func putBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}
