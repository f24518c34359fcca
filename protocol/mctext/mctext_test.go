package mctext_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshcache/agent/internal/ring"
	"github.com/meshcache/agent/internal/stream"
	"github.com/meshcache/agent/protocol"
	"github.com/meshcache/agent/protocol/mctext"
)

type fnvHasher struct{}

func (fnvHasher) Hash(key []byte) int64 {
	var h int64 = 1469598103934665603
	for _, b := range key {
		h ^= int64(b)
		h *= 1099511628211
	}
	return h
}

type recordingVisitor struct {
	cmds []*protocol.HashedCommand
	last []bool
}

func (v *recordingVisitor) Process(cmd *protocol.HashedCommand, last bool) error {
	v.cmds = append(v.cmds, cmd)
	v.last = append(v.last, last)
	return nil
}

func newStream(t *testing.T, data string) stream.Stream {
	t.Helper()
	buf := ring.NewResizedBuffer(4096, 4096, 1<<20)
	dst, err := buf.AsMutBytes()
	require.NoError(t, err)
	n := copy(dst, data)
	require.Equal(t, len(data), n)
	buf.AdvanceWrite(n)
	return stream.New(buf)
}

func TestParseRequestSingleGet(t *testing.T) {
	s := newStream(t, "mg mykey v\r\n")
	var v recordingVisitor
	err := mctext.New().ParseRequest(s, fnvHasher{}, &v)
	require.NoError(t, err)
	require.Len(t, v.cmds, 1)
	require.True(t, v.last[0])
	require.Equal(t, "mykey", string(v.cmds[0].Key))
	require.Equal(t, protocol.OpGet, v.cmds[0].Flag.Operation())
}

func TestParseRequestMultiGetBurstMarksLastOnly(t *testing.T) {
	s := newStream(t, "mg k1 v\r\nmg k2 v\r\nmg k3 v\r\n")
	var v recordingVisitor
	err := mctext.New().ParseRequest(s, fnvHasher{}, &v)
	require.NoError(t, err)
	require.Len(t, v.cmds, 3)
	require.False(t, v.last[0])
	require.False(t, v.last[1])
	require.True(t, v.last[2])
	require.True(t, v.cmds[0].Flag.MKeyFirst())
	require.False(t, v.cmds[1].Flag.MKeyFirst())
}

func TestParseRequestIncompleteSetWaitsForBody(t *testing.T) {
	s := newStream(t, "ms mykey 5 T60\r\nhel")
	var v recordingVisitor
	err := mctext.New().ParseRequest(s, fnvHasher{}, &v)
	require.NoError(t, err)
	require.Empty(t, v.cmds)
}

func TestParseResponseHitWithValue(t *testing.T) {
	s := newStream(t, "VA 5\r\nhello\r\n")
	resp, err := mctext.New().ParseResponse(s)
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.True(t, resp.Flag.StatusOK())
}

func TestWriteResponsePassesBytesThrough(t *testing.T) {
	s := newStream(t, "HD\r\n")
	resp, err := mctext.New().ParseResponse(s)
	require.NoError(t, err)

	var out strings.Builder
	err = mctext.New().WriteResponse(nil, resp, &out)
	require.NoError(t, err)
	require.Equal(t, "HD\r\n", out.String())
}

func TestBuildWriteBackRequestOnRetrievalHit(t *testing.T) {
	s := newStream(t, "VA 5\r\nhello\r\n")
	resp, err := mctext.New().ParseResponse(s)
	require.NoError(t, err)

	req := &protocol.HashedCommand{
		Hash: 1,
		Flag: protocol.NewFlag(0, protocol.OpGet),
		Key:  []byte("mykey"),
	}
	wb, ok := mctext.New().BuildWriteBackRequest(req, resp)
	require.True(t, ok)
	require.True(t, wb.Flag.SentOnly())
	require.Equal(t, protocol.OpStore, wb.Flag.Operation())
	require.Contains(t, string(wb.Payload.Bytes()), "ms mykey 5")
	require.Contains(t, string(wb.Payload.Bytes()), "hello\r\n")
}

func TestBuildWriteBackRequestSkipsNonRetrieval(t *testing.T) {
	req := &protocol.HashedCommand{Flag: protocol.NewFlag(0, protocol.OpStore)}
	_, ok := mctext.New().BuildWriteBackRequest(req, &protocol.Command{})
	require.False(t, ok)
}
