// Package multistream 实现 multistream-select 协议协商
//
// 帧格式：无符号 varint 长度前缀 + UTF-8 协议行 + '\n'。
// 单条消息上限 64 KiB。
//
// 协商结束后缓冲区内可能残留已读出的后续字节（安全握手、
// 复用帧或应用数据），通过 Result.Remainder 交还调用方。
// 任何层边界都必须回放该剩余字节，否则产生丢字节缺陷。
package multistream

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"

	"github.com/nexp2p/go-nexp2p/pkg/types"
)

const (
	// HeaderID multistream-select 协商头
	HeaderID = "/multistream/1.0.0"

	// NA 协议不支持回复
	NA = "na"

	// MaxMessageSize 单条消息上限
	MaxMessageSize = 64 * 1024
)

// Result 协商结果
type Result struct {
	// Protocol 协商出的协议
	Protocol types.ProtocolID

	// Remainder 末条协商消息换行符之后已读出的字节
	Remainder []byte
}

// ============================================================================
//                              发起方
// ============================================================================

// Negotiate 作为发起方协商协议
//
// 写入协商头后逐个提议协议并等待回复；
// 对端回显即选定该协议。所有提议都被回绝时
// 返回 ErrNoProtocolMatched。
func Negotiate(rw io.ReadWriter, proposed []types.ProtocolID) (*Result, error) {
	if len(proposed) == 0 {
		return nil, ErrNoProtocolMatched
	}

	br := bufio.NewReader(rw)

	if err := exchangeHeader(rw, br, nil); err != nil {
		return nil, err
	}

	for _, p := range proposed {
		if err := writeMessage(rw, string(p)); err != nil {
			return nil, err
		}
		reply, err := readMessage(br)
		if err != nil {
			return nil, err
		}
		switch reply {
		case string(p):
			return &Result{Protocol: p, Remainder: drain(br)}, nil
		case NA:
			continue
		default:
			return nil, fmt.Errorf("%w: proposed %q, peer replied %q", ErrProtocolMismatch, p, reply)
		}
	}

	return nil, ErrNoProtocolMatched
}

// NegotiateLazy 作为发起方乐观协商协议
//
// 协商头与首选协议一次写出，不等待中间回复；
// 之后才读取头回显与协议回复。首选被回绝时
// 退化为逐个提议。
func NegotiateLazy(rw io.ReadWriter, proposed []types.ProtocolID) (*Result, error) {
	if len(proposed) == 0 {
		return nil, ErrNoProtocolMatched
	}

	br := bufio.NewReader(rw)

	// 头和首选协议合并写出，不等待中间回复
	eager := appendMessage(nil, HeaderID)
	eager = appendMessage(eager, string(proposed[0]))
	if err := exchangeHeader(rw, br, eager); err != nil {
		return nil, err
	}

	for i, p := range proposed {
		if i > 0 {
			if err := writeMessage(rw, string(p)); err != nil {
				return nil, err
			}
		}
		reply, err := readMessage(br)
		if err != nil {
			return nil, err
		}
		switch reply {
		case string(p):
			return &Result{Protocol: p, Remainder: drain(br)}, nil
		case NA:
			continue
		default:
			return nil, fmt.Errorf("%w: proposed %q, peer replied %q", ErrProtocolMismatch, p, reply)
		}
	}

	return nil, ErrNoProtocolMatched
}

// ============================================================================
//                              应答方
// ============================================================================

// Handle 作为应答方协商协议
//
// 写入协商头后循环读取提议：命中 supported 即回显并返回，
// 否则回复 na 继续等待。
func Handle(rw io.ReadWriter, supported []types.ProtocolID) (*Result, error) {
	br := bufio.NewReader(rw)

	if err := exchangeHeader(rw, br, nil); err != nil {
		return nil, err
	}

	supportedSet := make(map[string]types.ProtocolID, len(supported))
	for _, p := range supported {
		supportedSet[string(p)] = p
	}

	for {
		proposal, err := readMessage(br)
		if err != nil {
			return nil, err
		}
		if p, ok := supportedSet[proposal]; ok {
			if err := writeMessage(rw, proposal); err != nil {
				return nil, err
			}
			return &Result{Protocol: p, Remainder: drain(br)}, nil
		}
		if err := writeMessage(rw, NA); err != nil {
			return nil, err
		}
	}
}

// ============================================================================
//                              帧读写
// ============================================================================

// appendMessage 追加一条带长度前缀的消息
func appendMessage(dst []byte, s string) []byte {
	dst = append(dst, varint.ToUvarint(uint64(len(s)+1))...)
	dst = append(dst, s...)
	dst = append(dst, '\n')
	return dst
}

// writeMessage 写出一条消息
func writeMessage(w io.Writer, s string) error {
	if len(s)+1 > MaxMessageSize {
		return ErrMessageTooLarge
	}
	if _, err := w.Write(appendMessage(nil, s)); err != nil {
		return wrapIOErr(err)
	}
	return nil
}

// readMessage 读取一条消息（去掉末尾换行）
func readMessage(br *bufio.Reader) (string, error) {
	n, err := varint.ReadUvarint(br)
	if err != nil {
		if isClosedErr(err) {
			return "", ErrClosedMidNegotiation
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidVarint, err)
	}
	if n > MaxMessageSize {
		return "", ErrMessageTooLarge
	}
	if n == 0 {
		return "", fmt.Errorf("%w: empty message", ErrProtocolMismatch)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return "", wrapIOErr(err)
	}
	if buf[n-1] != '\n' {
		return "", fmt.Errorf("%w: message not newline-terminated", ErrProtocolMismatch)
	}
	return string(buf[:n-1]), nil
}

// exchangeHeader 并行完成协商头的写出与读取
//
// 两端都先写头再读头；在无缓冲的底层（net.Pipe、内存管道）上
// 串行写读会互相死锁，因此写出放到并行分支。
// payload 非空时代替默认头帧整体写出（乐观协商用）。
func exchangeHeader(w io.Writer, br *bufio.Reader, payload []byte) error {
	if payload == nil {
		payload = appendMessage(nil, HeaderID)
	}

	writeErr := make(chan error, 1)
	go func() {
		_, err := w.Write(payload)
		writeErr <- wrapIOErr(err)
	}()

	if err := readHeader(br); err != nil {
		return err
	}
	return <-writeErr
}

// readHeader 读取并校验协商头
func readHeader(br *bufio.Reader) error {
	header, err := readMessage(br)
	if err != nil {
		return err
	}
	if header != HeaderID {
		return fmt.Errorf("%w: expected %q, got %q", ErrProtocolMismatch, HeaderID, header)
	}
	return nil
}

// drain 取出缓冲区内已读出的剩余字节
func drain(br *bufio.Reader) []byte {
	n := br.Buffered()
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	// Buffered() 字节必然可读，此处不会失败
	_, _ = io.ReadFull(br, buf)
	return buf
}

// wrapIOErr 将底层读写错误归一
func wrapIOErr(err error) error {
	if isClosedErr(err) {
		return ErrClosedMidNegotiation
	}
	return err
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe)
}
