package resp_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshcache/agent/internal/ring"
	"github.com/meshcache/agent/internal/stream"
	"github.com/meshcache/agent/protocol"
	"github.com/meshcache/agent/protocol/resp"
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
	s := newStream(t, "*2\r\n$3\r\nGET\r\n$5\r\nmykey\r\n")
	var v recordingVisitor
	err := resp.New().ParseRequest(s, fnvHasher{}, &v)
	require.NoError(t, err)
	require.Len(t, v.cmds, 1)
	require.True(t, v.last[0])
	require.Equal(t, "mykey", string(v.cmds[0].Key))
	require.Equal(t, protocol.OpGet, v.cmds[0].Flag.Operation())
}

func TestParseRequestIncompleteWaitsForMoreBytes(t *testing.T) {
	s := newStream(t, "*2\r\n$3\r\nGET\r\n$5\r\nmyk")
	var v recordingVisitor
	err := resp.New().ParseRequest(s, fnvHasher{}, &v)
	require.NoError(t, err)
	require.Empty(t, v.cmds)
}

func TestParseRequestMGetSplitsIntoIndependentGets(t *testing.T) {
	s := newStream(t, "*4\r\n$4\r\nMGET\r\n$2\r\nk1\r\n$2\r\nk2\r\n$2\r\nk3\r\n")
	var v recordingVisitor
	err := resp.New().ParseRequest(s, fnvHasher{}, &v)
	require.NoError(t, err)
	require.Len(t, v.cmds, 3)
	require.False(t, v.last[0])
	require.False(t, v.last[1])
	require.True(t, v.last[2])
	require.True(t, v.cmds[0].Flag.MKeyFirst())
	require.False(t, v.cmds[1].Flag.MKeyFirst())
	require.EqualValues(t, 3, v.cmds[0].Flag.KeyCount())
	require.EqualValues(t, 0, v.cmds[0].Flag.PaddingRspIndex())
	require.EqualValues(t, 2, v.cmds[2].Flag.PaddingRspIndex())
}

func TestParseRequestMSetSplitsIntoIndependentSets(t *testing.T) {
	s := newStream(t, "*5\r\n$4\r\nMSET\r\n$2\r\nk1\r\n$2\r\nv1\r\n$2\r\nk2\r\n$2\r\nv2\r\n")
	var v recordingVisitor
	err := resp.New().ParseRequest(s, fnvHasher{}, &v)
	require.NoError(t, err)
	require.Len(t, v.cmds, 2)
	require.Equal(t, protocol.OpStore, v.cmds[0].Flag.Operation())
	require.True(t, v.last[1])
}

func TestParseResponseBulkStringHit(t *testing.T) {
	s := newStream(t, "$5\r\nhello\r\n")
	resp2, err := resp.New().ParseResponse(s)
	require.NoError(t, err)
	require.NotNil(t, resp2)
	require.True(t, resp2.Flag.StatusOK())
}

func TestParseResponseNilBulkIsMiss(t *testing.T) {
	s := newStream(t, "$-1\r\n")
	resp2, err := resp.New().ParseResponse(s)
	require.NoError(t, err)
	require.NotNil(t, resp2)
	require.False(t, resp2.Flag.StatusOK())
}

func TestWriteResponseMGetReassemblesArray(t *testing.T) {
	p := resp.New()
	req := &protocol.HashedCommand{Key: []byte("k1")}
	f := protocol.NewFlag('G', protocol.OpGet)
	f.SetKeyCount(2)
	f.SetPaddingRspIndex(0)
	f.SetMKeyFirst(true)
	req.Flag = f

	s := newStream(t, "$5\r\nhello\r\n")
	hit, err := p.ParseResponse(s)
	require.NoError(t, err)

	var out strings.Builder
	err = p.WriteResponse(req, hit, &out)
	require.NoError(t, err)
	require.Equal(t, "*2\r\n$5\r\nhello\r\n", out.String())
}

func TestWriteResponseMSetOnlyLastProducesOK(t *testing.T) {
	p := resp.New()
	first := &protocol.HashedCommand{Key: []byte("k1")}
	f1 := protocol.NewFlag('S', protocol.OpStore)
	f1.SetKeyCount(2)
	f1.SetPaddingRspIndex(0)
	first.Flag = f1

	var out strings.Builder
	err := p.WriteResponse(first, &protocol.Command{}, &out)
	require.NoError(t, err)
	require.Empty(t, out.String())

	last := &protocol.HashedCommand{Key: []byte("k2")}
	f2 := protocol.NewFlag('S', protocol.OpStore)
	f2.SetKeyCount(2)
	f2.SetPaddingRspIndex(1)
	last.Flag = f2
	okResp := &protocol.Command{}
	okResp.Flag.SetStatusOK(true)

	err = p.WriteResponse(last, okResp, &out)
	require.NoError(t, err)
	require.Equal(t, "+OK\r\n", out.String())
}

func TestBuildWriteBackRequestFromGetHit(t *testing.T) {
	p := resp.New()
	ctx := &protocol.HashedCommand{Key: []byte("mykey"), Flag: protocol.NewFlag('G', protocol.OpGet)}

	s := newStream(t, "$5\r\nhello\r\n")
	hit, err := p.ParseResponse(s)
	require.NoError(t, err)

	wb, ok := p.BuildWriteBackRequest(ctx, hit)
	require.True(t, ok)
	require.Equal(t, protocol.OpStore, wb.Flag.Operation())
	require.Contains(t, string(wb.Payload.Bytes()), "mykey")
	require.Contains(t, string(wb.Payload.Bytes()), "hello")
}

func TestBuildWriteBackRequestSkipsMiss(t *testing.T) {
	p := resp.New()
	ctx := &protocol.HashedCommand{Key: []byte("mykey"), Flag: protocol.NewFlag('G', protocol.OpGet)}

	s := newStream(t, "$-1\r\n")
	miss, err := p.ParseResponse(s)
	require.NoError(t, err)

	_, ok := p.BuildWriteBackRequest(ctx, miss)
	require.False(t, ok)
}
