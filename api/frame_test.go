package api

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, &ClassContentRequest{ClassName: "a.b.Foo"}))

	raw := buf.Bytes()
	assert.Equal(t, uint32(len(raw)-4), binary.BigEndian.Uint32(raw[:4]))
	assert.Equal(t, byte(ReqClassContent), raw[4])
	assert.Equal(t, uint32(7), binary.BigEndian.Uint32(raw[5:9]))
	assert.Equal(t, "a.b.Foo", string(raw[9:]))
}

func TestMessagesSurviveTheWire(t *testing.T) {
	messages := []Message{
		&ListClassesRequest{},
		&ProgressUpdate{Percent: 42},
		&ClassesResult{Classes: []LoadedClass{
			{Name: "a.b.Foo", LoaderID: "L1"},
			{Name: "Bare", LoaderID: ""},
		}},
		&ClassContentResult{
			Payload: []byte("type Foo struct{}"),
			Fields:  []FieldDescriptor{{Name: "count", Type: "int", Value: "3"}},
		},
		&EditFieldRequest{ClassName: "a.b.Foo", FieldName: "count", Value: "7"},
		&EditResult{Success: true},
		&EditResult{Success: false, Message: "final field"},
		&ErrorMessage{Code: CodeFieldNotFound, Message: "no field x"},
	}

	var buf bytes.Buffer
	for _, m := range messages {
		require.NoError(t, WriteMessage(&buf, m))
	}

	fr := NewFrameReader(&buf)
	for _, want := range messages {
		f, err := fr.Next()
		require.NoError(t, err)
		assert.Equal(t, want.Kind(), f.Kind)
		got, err := f.Decode()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := fr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, &ClassContentRequest{ClassName: "a.b.Foo"}))
	raw := buf.Bytes()[:buf.Len()-2]

	_, err := NewFrameReader(bytes.NewReader(raw)).Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrameReaderRejectsOversizedFrame(t *testing.T) {
	hdr := binary.BigEndian.AppendUint32(nil, MaxFrameSize+1)
	_, err := NewFrameReader(bytes.NewReader(hdr)).Next()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeRejectsMalformedBodies(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{"unknown kind", Frame{Kind: 99}},
		{"short string", Frame{Kind: ReqClassContent, Body: []byte{0, 0, 0, 9, 'a'}}},
		{"huge count", Frame{Kind: ResultClasses, Body: []byte{0xff, 0xff, 0xff, 0xff}}},
		{"percent over 100", Frame{Kind: Progress, Body: []byte{101}}},
		{"trailing bytes", Frame{Kind: ReqListClasses, Body: []byte{1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.frame.Decode()
			assert.Error(t, err)
		})
	}
}

func TestRemoteErrorMatchesSentinels(t *testing.T) {
	err := (&ErrorMessage{Code: CodeTypeCoercion, Message: "bad int"}).Err()
	assert.True(t, errors.Is(err, ErrTypeCoercion))
	assert.False(t, errors.Is(err, ErrFieldNotFound))
	assert.Contains(t, err.Error(), "bad int")

	assert.Equal(t, CodeClassNotFound, CodeOf(ErrClassNotFound))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
}
