package muxer

import (
	"errors"
	"io"
	"time"

	"github.com/libp2p/go-yamux/v5"

	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
)

// 确保实现了接口
var _ ifc.MuxedStream = (*stream)(nil)

// stream 包装 yamux.Stream，实现 MuxedStream 接口
type stream struct {
	s *yamux.Stream
}

func (s *stream) Read(p []byte) (int, error) {
	n, err := s.s.Read(p)
	return n, mapErr(err)
}

func (s *stream) Write(p []byte) (int, error) {
	n, err := s.s.Write(p)
	return n, mapErr(err)
}

func (s *stream) Close() error {
	return mapErr(s.s.Close())
}

func (s *stream) CloseWrite() error {
	return mapErr(s.s.CloseWrite())
}

func (s *stream) CloseRead() error {
	return mapErr(s.s.CloseRead())
}

func (s *stream) Reset() error {
	return mapErr(s.s.Reset())
}

func (s *stream) SetDeadline(t time.Time) error {
	return s.s.SetDeadline(t)
}

func (s *stream) SetReadDeadline(t time.Time) error {
	return s.s.SetReadDeadline(t)
}

func (s *stream) SetWriteDeadline(t time.Time) error {
	return s.s.SetWriteDeadline(t)
}

// mapErr 将 yamux 错误归一为本仓库语义
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, yamux.ErrStreamReset):
		return ErrStreamReset
	case errors.Is(err, yamux.ErrStreamClosed):
		return io.EOF
	case errors.Is(err, yamux.ErrSessionShutdown):
		return ErrConnClosed
	default:
		return err
	}
}
