package envelope

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tesseract/rpcerror"
)

var sampleEnvelopes = []*Envelope{
	{Kind: KindRequest, CorrelationID: 7, Target: "Echo.Say", Payload: []byte(`"hi"`)},
	{Kind: KindRequest, CorrelationID: 1, Target: "Arith.Add"},
	{Kind: KindResponse, CorrelationID: 7, Payload: []byte(`"hi"`)},
	{Kind: KindResponse, CorrelationID: ^uint64(0)},
	{Kind: KindError, CorrelationID: 42, Payload: rpcerror.Marshal(rpcerror.New(rpcerror.KindNotFound, "Echo.Shout"))},
	{Kind: KindCancel, CorrelationID: 9},
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	for _, want := range sampleEnvelopes {
		t.Run(want.String(), func(t *testing.T) {
			data, err := Marshal(want)
			require.NoError(t, err)
			assert.Len(t, data, want.Size())

			got, err := Unmarshal(data)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestStreamRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	for _, e := range sampleEnvelopes {
		require.NoError(t, Write(&buf, e, DefaultLimits()))
	}

	for _, want := range sampleEnvelopes {
		got, err := Read(&buf, DefaultLimits())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// Clean end of stream between envelopes.
	_, err := Read(&buf, DefaultLimits())
	assert.Equal(t, io.EOF, err)
}

func TestHeaderLayout(t *testing.T) {
	data, err := Marshal(&Envelope{Kind: KindRequest, CorrelationID: 7, Target: "Echo.Say", Payload: []byte("hi")})
	require.NoError(t, err)

	assert.Equal(t, []byte("tsr"), data[0:3])
	assert.Equal(t, Version, data[3])
	assert.Equal(t, byte(KindRequest), data[4])
	assert.Equal(t, uint64(7), binary.BigEndian.Uint64(data[5:13]))
	assert.Equal(t, uint16(8), binary.BigEndian.Uint16(data[13:15]))
	assert.Equal(t, "Echo.Say", string(data[15:23]))
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(data[23:27]))
	assert.Equal(t, "hi", string(data[27:]))
}

func TestUnmarshalFramingErrors(t *testing.T) {
	valid, err := Marshal(&Envelope{Kind: KindRequest, CorrelationID: 3, Target: "Echo.Say", Payload: []byte("payload")})
	require.NoError(t, err)

	unknownKind := append([]byte(nil), valid...)
	unknownKind[4] = 0x09

	badMagic := append([]byte(nil), valid...)
	badMagic[0] = 'x'

	overlong := append([]byte(nil), valid...)
	binary.BigEndian.PutUint32(overlong[23:27], 1000)

	cases := []struct {
		name     string
		data     []byte
		sentinel error
	}{
		{"empty", nil, ErrTruncated},
		{"short header", valid[:PrefixSize-1], ErrTruncated},
		{"missing target", valid[:PrefixSize+3], ErrTruncated},
		{"missing payload length", valid[:PrefixSize+2+8+1], ErrTruncated},
		{"short payload", valid[:len(valid)-1], ErrLengthMismatch},
		{"trailing bytes", append(append([]byte(nil), valid...), 0xff), ErrLengthMismatch},
		{"declared length too long", overlong, ErrLengthMismatch},
		{"unknown kind", unknownKind, ErrUnknownKind},
		{"bad magic", badMagic, ErrBadMagic},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Unmarshal(tc.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.sentinel), "got %v", err)
			assert.True(t, errors.Is(err, rpcerror.ErrFraming), "got %v", err)
		})
	}
}

func TestReadTruncatedStream(t *testing.T) {
	valid, err := Marshal(&Envelope{Kind: KindResponse, CorrelationID: 3, Payload: []byte("payload")})
	require.NoError(t, err)

	for _, n := range []int{1, PrefixSize, PrefixSize + 2, len(valid) - 1} {
		_, err := Read(bytes.NewReader(valid[:n]), DefaultLimits())
		assert.True(t, errors.Is(err, ErrTruncated), "cut at %d: %v", n, err)
	}
}

func TestReadPassesThroughTransportErrors(t *testing.T) {
	boom := errors.New("connection reset")
	_, err := Read(io.MultiReader(bytes.NewReader([]byte("ts")), errReader{boom}), DefaultLimits())
	assert.ErrorIs(t, err, boom)
	assert.False(t, errors.Is(err, rpcerror.ErrFraming))
}

func TestPayloadLimit(t *testing.T) {
	limits := Limits{MaxPayloadBytes: 4}
	e := &Envelope{Kind: KindResponse, CorrelationID: 1, Payload: []byte("too long")}

	err := Write(io.Discard, e, limits)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	data, err := Marshal(e)
	require.NoError(t, err)
	_, err = Read(bytes.NewReader(data), limits)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestMarshalRejectsInvalid(t *testing.T) {
	_, err := Marshal(&Envelope{Kind: 0})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = Marshal(&Envelope{Kind: KindResponse, Target: "Echo.Say"})
	assert.ErrorIs(t, err, ErrUnexpectedTarget)

	_, err = Marshal(&Envelope{Kind: KindRequest, Target: string(make([]byte, MaxTargetLen+1))})
	assert.ErrorIs(t, err, ErrTargetTooLong)
}

func TestSplitTarget(t *testing.T) {
	service, method, err := SplitTarget(Target("Echo", "Say"))
	require.NoError(t, err)
	assert.Equal(t, "Echo", service)
	assert.Equal(t, "Say", method)

	service, method, err = SplitTarget("pkg.v1.Store.Get")
	require.NoError(t, err)
	assert.Equal(t, "pkg.v1.Store", service)
	assert.Equal(t, "Get", method)

	for _, bad := range []string{"", "Echo", ".Say", "Echo."} {
		_, _, err := SplitTarget(bad)
		assert.Error(t, err, bad)
	}
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
