// Package relaypb 实现 Circuit Relay v2 的线上编码
//
// 消息形状遵循 libp2p circuit v2 规范的 protobuf 定义
// （HopMessage / StopMessage 及 Peer / Reservation / Limit 子记录），
// 字段标签与状态码取值与规范一致；Peer.ID 与各地址字段承载的是
// PeerID 与多地址的文本字节，而非二进制 multihash / multiaddr 编码。
// 子流上的每条消息带无符号 varint 长度前缀。
package relaypb

import (
	"fmt"
	"io"
	"time"

	"github.com/multiformats/go-varint"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// MaxMessageSize 单条中继控制消息上限
const MaxMessageSize = 4096

// ============================================================================
//                              枚举
// ============================================================================

// HopType HOP 消息类型
type HopType int32

const (
	// HopReserve 预留请求
	HopReserve HopType = 0
	// HopConnect 连接请求
	HopConnect HopType = 1
	// HopStatus 状态回复
	HopStatus HopType = 2
)

// StopType STOP 消息类型
type StopType int32

const (
	// StopConnect 连接递交
	StopConnect StopType = 0
	// StopStatus 状态回复
	StopStatus StopType = 1
)

// Status 状态码（取值与 libp2p circuit v2 规范一致）
type Status int32

const (
	// StatusUnset 未携带状态
	StatusUnset Status = 0
	// StatusOK 成功
	StatusOK Status = 100
	// StatusReservationRefused 预留被拒绝
	StatusReservationRefused Status = 200
	// StatusResourceLimitExceeded 资源限制
	StatusResourceLimitExceeded Status = 201
	// StatusPermissionDenied 权限拒绝
	StatusPermissionDenied Status = 202
	// StatusConnectionFailed 连接目标失败
	StatusConnectionFailed Status = 203
	// StatusNoReservation 目标无预留
	StatusNoReservation Status = 204
	// StatusMalformedMessage 消息格式错误
	StatusMalformedMessage Status = 400
	// StatusUnexpectedMessage 意外的消息类型
	StatusUnexpectedMessage Status = 401
)

// String 返回状态码描述
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusReservationRefused:
		return "RESERVATION_REFUSED"
	case StatusResourceLimitExceeded:
		return "RESOURCE_LIMIT_EXCEEDED"
	case StatusPermissionDenied:
		return "PERMISSION_DENIED"
	case StatusConnectionFailed:
		return "CONNECTION_FAILED"
	case StatusNoReservation:
		return "NO_RESERVATION"
	case StatusMalformedMessage:
		return "MALFORMED_MESSAGE"
	case StatusUnexpectedMessage:
		return "UNEXPECTED_MESSAGE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// ============================================================================
//                              子记录
// ============================================================================

// Peer 节点记录
type Peer struct {
	// ID 节点标识
	ID types.PeerID

	// Addrs 节点地址
	Addrs []*types.Multiaddr
}

// Reservation 预留记录
type Reservation struct {
	// Expire 过期时刻（unix 秒）
	Expire uint64

	// Addrs 中继地址
	Addrs []*types.Multiaddr

	// Voucher 凭证（可选）
	Voucher []byte
}

// ExpireTime 过期时刻
func (r *Reservation) ExpireTime() time.Time {
	return time.Unix(int64(r.Expire), 0)
}

// Limit 电路限制
type Limit struct {
	// DurationSeconds 最长存续（秒，0 不限制）
	DurationSeconds uint32

	// Data 最大传输字节（0 不限制）
	Data uint64
}

// Duration 最长存续
func (l *Limit) Duration() time.Duration {
	return time.Duration(l.DurationSeconds) * time.Second
}

// ============================================================================
//                              消息
// ============================================================================

// HopMessage HOP 协议消息
type HopMessage struct {
	Type        HopType
	Peer        *Peer
	Reservation *Reservation
	Limit       *Limit
	Status      Status
}

// StopMessage STOP 协议消息
type StopMessage struct {
	Type   StopType
	Peer   *Peer
	Limit  *Limit
	Status Status
}

// ============================================================================
//                              编码
// ============================================================================

func appendPeerField(buf []byte, p *Peer) []byte {
	var sub []byte
	sub = protowire.AppendTag(sub, 1, protowire.BytesType)
	sub = protowire.AppendBytes(sub, []byte(p.ID))
	for _, a := range p.Addrs {
		sub = protowire.AppendTag(sub, 2, protowire.BytesType)
		sub = protowire.AppendBytes(sub, a.Bytes())
	}
	buf = protowire.AppendBytes(buf, sub)
	return buf
}

func appendReservationField(buf []byte, r *Reservation) []byte {
	var sub []byte
	sub = protowire.AppendTag(sub, 1, protowire.VarintType)
	sub = protowire.AppendVarint(sub, r.Expire)
	for _, a := range r.Addrs {
		sub = protowire.AppendTag(sub, 2, protowire.BytesType)
		sub = protowire.AppendBytes(sub, a.Bytes())
	}
	if len(r.Voucher) > 0 {
		sub = protowire.AppendTag(sub, 3, protowire.BytesType)
		sub = protowire.AppendBytes(sub, r.Voucher)
	}
	buf = protowire.AppendBytes(buf, sub)
	return buf
}

func appendLimitField(buf []byte, l *Limit) []byte {
	var sub []byte
	if l.DurationSeconds > 0 {
		sub = protowire.AppendTag(sub, 1, protowire.VarintType)
		sub = protowire.AppendVarint(sub, uint64(l.DurationSeconds))
	}
	if l.Data > 0 {
		sub = protowire.AppendTag(sub, 2, protowire.VarintType)
		sub = protowire.AppendVarint(sub, l.Data)
	}
	buf = protowire.AppendBytes(buf, sub)
	return buf
}

// MarshalHop 编码 HOP 消息
func MarshalHop(m *HopMessage) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.Type))
	if m.Peer != nil {
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = appendPeerField(buf, m.Peer)
	}
	if m.Reservation != nil {
		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = appendReservationField(buf, m.Reservation)
	}
	if m.Limit != nil {
		buf = protowire.AppendTag(buf, 4, protowire.BytesType)
		buf = appendLimitField(buf, m.Limit)
	}
	if m.Status != StatusUnset {
		buf = protowire.AppendTag(buf, 5, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(m.Status))
	}
	return buf
}

// MarshalStop 编码 STOP 消息
func MarshalStop(m *StopMessage) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.Type))
	if m.Peer != nil {
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = appendPeerField(buf, m.Peer)
	}
	if m.Limit != nil {
		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = appendLimitField(buf, m.Limit)
	}
	if m.Status != StatusUnset {
		buf = protowire.AppendTag(buf, 4, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(m.Status))
	}
	return buf
}

// ============================================================================
//                              解码
// ============================================================================

func parsePeer(data []byte) (*Peer, error) {
	p := &Peer{}
	err := walkFields(data, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			p.ID = types.PeerID(v)
		case 2:
			a, err := types.NewMultiaddr(string(v))
			if err != nil {
				return err
			}
			p.Addrs = append(p.Addrs, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func parseReservation(data []byte) (*Reservation, error) {
	r := &Reservation{}
	err := walkMixed(data,
		func(num protowire.Number, v uint64) {
			if num == 1 {
				r.Expire = v
			}
		},
		func(num protowire.Number, v []byte) error {
			switch num {
			case 2:
				a, err := types.NewMultiaddr(string(v))
				if err != nil {
					return err
				}
				r.Addrs = append(r.Addrs, a)
			case 3:
				r.Voucher = append([]byte(nil), v...)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func parseLimit(data []byte) (*Limit, error) {
	l := &Limit{}
	err := walkMixed(data,
		func(num protowire.Number, v uint64) {
			switch num {
			case 1:
				l.DurationSeconds = uint32(v)
			case 2:
				l.Data = v
			}
		}, nil)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// UnmarshalHop 解码 HOP 消息
func UnmarshalHop(data []byte) (*HopMessage, error) {
	m := &HopMessage{}
	err := walkAll(data,
		func(num protowire.Number, v uint64) {
			switch num {
			case 1:
				m.Type = HopType(v)
			case 5:
				m.Status = Status(v)
			}
		},
		func(num protowire.Number, v []byte) error {
			var err error
			switch num {
			case 2:
				m.Peer, err = parsePeer(v)
			case 3:
				m.Reservation, err = parseReservation(v)
			case 4:
				m.Limit, err = parseLimit(v)
			}
			return err
		})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

// UnmarshalStop 解码 STOP 消息
func UnmarshalStop(data []byte) (*StopMessage, error) {
	m := &StopMessage{}
	err := walkAll(data,
		func(num protowire.Number, v uint64) {
			switch num {
			case 1:
				m.Type = StopType(v)
			case 4:
				m.Status = Status(v)
			}
		},
		func(num protowire.Number, v []byte) error {
			var err error
			switch num {
			case 2:
				m.Peer, err = parsePeer(v)
			case 3:
				m.Limit, err = parseLimit(v)
			}
			return err
		})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

// ============================================================================
//                              流式读写
// ============================================================================

// WriteHop 向子流写出 HOP 消息
func WriteHop(w io.Writer, m *HopMessage) error {
	return writeFramed(w, MarshalHop(m))
}

// WriteStop 向子流写出 STOP 消息
func WriteStop(w io.Writer, m *StopMessage) error {
	return writeFramed(w, MarshalStop(m))
}

// ReadHop 从子流读取 HOP 消息
func ReadHop(r io.Reader) (*HopMessage, error) {
	data, err := readFramed(r)
	if err != nil {
		return nil, err
	}
	return UnmarshalHop(data)
}

// ReadStop 从子流读取 STOP 消息
func ReadStop(r io.Reader) (*StopMessage, error) {
	data, err := readFramed(r)
	if err != nil {
		return nil, err
	}
	return UnmarshalStop(data)
}

func writeFramed(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	buf := varint.ToUvarint(uint64(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	n, err := varint.ReadUvarint(byteReader{r})
	if err != nil {
		return nil, err
	}
	if n > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// byteReader 单字节读取适配器（varint 不读超）
type byteReader struct {
	io.Reader
}

func (b byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.Reader, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
