package relaypb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// walkAll 遍历 protobuf 记录的全部字段
//
// varint 字段交给 onVarint，长度前缀字段交给 onBytes；
// 其他线型视为格式错误（本协议只使用这两类）。
func walkAll(data []byte, onVarint func(protowire.Number, uint64), onBytes func(protowire.Number, []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			if onVarint != nil {
				onVarint(num, v)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			if onBytes != nil {
				if err := onBytes(num, v); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("unexpected wire type %d for field %d", typ, num)
		}
	}
	return nil
}

// walkFields 仅遍历长度前缀字段
func walkFields(data []byte, onBytes func(protowire.Number, []byte) error) error {
	return walkAll(data, nil, onBytes)
}

// walkMixed walkAll 的别名形式（调用处语义清晰）
func walkMixed(data []byte, onVarint func(protowire.Number, uint64), onBytes func(protowire.Number, []byte) error) error {
	return walkAll(data, onVarint, onBytes)
}
