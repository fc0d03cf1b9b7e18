package multistream

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexp2p/go-nexp2p/pkg/types"
)

const (
	protoEcho = types.ProtocolID("/echo/1.0.0")
	protoPing = types.ProtocolID("/ping/1.0.0")
)

// pipePair 返回一对互联的全双工连接
func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	_ = a.SetDeadline(time.Now().Add(5 * time.Second))
	_ = b.SetDeadline(time.Now().Add(5 * time.Second))
	return a, b
}

// ============================================================================
//                     协商基础测试
// ============================================================================

// TestNegotiate_Match 测试双方命中同一协议
func TestNegotiate_Match(t *testing.T) {
	a, b := pipePair(t)

	type handleResult struct {
		res *Result
		err error
	}
	done := make(chan handleResult, 1)
	go func() {
		res, err := Handle(b, []types.ProtocolID{protoPing, protoEcho})
		done <- handleResult{res, err}
	}()

	res, err := Negotiate(a, []types.ProtocolID{protoEcho})
	require.NoError(t, err)
	assert.Equal(t, protoEcho, res.Protocol)
	assert.Empty(t, res.Remainder)

	hr := <-done
	require.NoError(t, hr.err)
	assert.Equal(t, protoEcho, hr.res.Protocol)
}

// TestNegotiate_FallbackToSecondChoice 测试首选被回绝后命中次选
func TestNegotiate_FallbackToSecondChoice(t *testing.T) {
	a, b := pipePair(t)

	go func() {
		_, _ = Handle(b, []types.ProtocolID{protoPing})
	}()

	res, err := Negotiate(a, []types.ProtocolID{protoEcho, protoPing})
	require.NoError(t, err)
	assert.Equal(t, protoPing, res.Protocol)
}

// TestNegotiate_NoMatch 测试所有提议被回绝
func TestNegotiate_NoMatch(t *testing.T) {
	a, b := pipePair(t)

	go func() {
		_, _ = Handle(b, []types.ProtocolID{"/other/1.0.0"})
	}()

	_, err := Negotiate(a, []types.ProtocolID{protoEcho, protoPing})
	assert.ErrorIs(t, err, ErrNoProtocolMatched)
}

// TestNegotiate_EmptyProposal 测试空提议列表
func TestNegotiate_EmptyProposal(t *testing.T) {
	a, _ := pipePair(t)
	_, err := Negotiate(a, nil)
	assert.ErrorIs(t, err, ErrNoProtocolMatched)
}

// TestNegotiateLazy_Match 测试乐观协商
func TestNegotiateLazy_Match(t *testing.T) {
	a, b := pipePair(t)

	go func() {
		_, _ = Handle(b, []types.ProtocolID{protoEcho})
	}()

	res, err := NegotiateLazy(a, []types.ProtocolID{protoEcho})
	require.NoError(t, err)
	assert.Equal(t, protoEcho, res.Protocol)
}

// TestNegotiateLazy_Fallback 测试乐观协商首选被回绝
func TestNegotiateLazy_Fallback(t *testing.T) {
	a, b := pipePair(t)

	go func() {
		_, _ = Handle(b, []types.ProtocolID{protoPing})
	}()

	res, err := NegotiateLazy(a, []types.ProtocolID{protoEcho, protoPing})
	require.NoError(t, err)
	assert.Equal(t, protoPing, res.Protocol)
}

// ============================================================================
//                     剩余字节测试
// ============================================================================

// scriptedRW 预置读内容、丢弃写内容的流
type scriptedRW struct {
	io.Reader
}

func (s *scriptedRW) Write(p []byte) (int, error) {
	return len(p), nil
}

// TestNegotiate_Remainder 测试协商后尾随字节经 Remainder 交还
//
// 对端回复之后紧跟的尾字节 T 必须完整出现在 Remainder 中，
// 不得遗留在内部缓冲里丢失。
func TestNegotiate_Remainder(t *testing.T) {
	tail := []byte("tail-bytes-after-negotiation")

	var script []byte
	script = appendMessage(script, HeaderID)
	script = appendMessage(script, string(protoEcho))
	script = append(script, tail...)

	rw := &scriptedRW{Reader: bytes.NewReader(script)}
	res, err := Negotiate(rw, []types.ProtocolID{protoEcho})
	require.NoError(t, err)
	assert.Equal(t, protoEcho, res.Protocol)
	assert.Equal(t, tail, res.Remainder)
}

// TestHandle_Remainder 测试应答方的剩余字节
func TestHandle_Remainder(t *testing.T) {
	tail := []byte{0xde, 0xad, 0xbe, 0xef}

	var script []byte
	script = appendMessage(script, HeaderID)
	script = appendMessage(script, string(protoEcho))
	script = append(script, tail...)

	rw := &scriptedRW{Reader: bytes.NewReader(script)}
	res, err := Handle(rw, []types.ProtocolID{protoEcho})
	require.NoError(t, err)
	assert.Equal(t, protoEcho, res.Protocol)
	assert.Equal(t, tail, res.Remainder)
}

// ============================================================================
//                     错误路径测试
// ============================================================================

// TestNegotiate_HeaderMismatch 测试协商头不符
func TestNegotiate_HeaderMismatch(t *testing.T) {
	var script []byte
	script = appendMessage(script, "/not-multistream/9.9.9")

	rw := &scriptedRW{Reader: bytes.NewReader(script)}
	_, err := Negotiate(rw, []types.ProtocolID{protoEcho})
	assert.ErrorIs(t, err, ErrProtocolMismatch)
}

// TestNegotiate_UnexpectedReply 测试对端回复第三方协议
func TestNegotiate_UnexpectedReply(t *testing.T) {
	var script []byte
	script = appendMessage(script, HeaderID)
	script = appendMessage(script, "/something/else")

	rw := &scriptedRW{Reader: bytes.NewReader(script)}
	_, err := Negotiate(rw, []types.ProtocolID{protoEcho})
	assert.ErrorIs(t, err, ErrProtocolMismatch)
}

// TestReadMessage_TooLarge 测试超长消息
func TestReadMessage_TooLarge(t *testing.T) {
	var script []byte
	script = appendMessage(script, HeaderID)
	// 声称 1MB 的长度前缀
	script = append(script, 0x80, 0x80, 0x40)

	rw := &scriptedRW{Reader: bytes.NewReader(script)}
	_, err := Negotiate(rw, []types.ProtocolID{protoEcho})
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

// TestNegotiate_ClosedMidNegotiation 测试中途关闭
func TestNegotiate_ClosedMidNegotiation(t *testing.T) {
	var script []byte
	script = appendMessage(script, HeaderID)
	// 之后流直接结束

	rw := &scriptedRW{Reader: bytes.NewReader(script)}
	_, err := Negotiate(rw, []types.ProtocolID{protoEcho})
	assert.ErrorIs(t, err, ErrClosedMidNegotiation)
}

// TestWriteMessage_TooLarge 测试写出超长消息
func TestWriteMessage_TooLarge(t *testing.T) {
	big := make([]byte, MaxMessageSize)
	for i := range big {
		big[i] = 'a'
	}
	err := writeMessage(io.Discard, string(big))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}
