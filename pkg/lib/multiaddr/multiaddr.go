// Package multiaddr 实现自描述网络地址
//
// Multiaddr 是由有序协议组件构成的自描述地址，
// 文本格式为 "/" 分隔的 proto/value 序列。
// 例如：/ip4/127.0.0.1/tcp/4001/p2p/4XTTM...
//
// 组件顺序保持不变；两个多地址相等当且仅当组件序列相等。
package multiaddr

import (
	"fmt"
	"strings"
)

// Component 多地址组件
//
// 一个组件对应一个协议段，如 {ip4, 127.0.0.1} 或 {quic-v1, ""}。
type Component struct {
	// Protocol 协议名称
	Protocol string

	// Value 协议值（无值协议为空字符串）
	Value string
}

// String 返回组件的文本表示
func (c Component) String() string {
	if c.Value == "" && !protocols[c.Protocol].HasValue {
		return "/" + c.Protocol
	}
	return "/" + c.Protocol + "/" + c.Value
}

// Multiaddr 多地址
//
// 不可变值：所有修改操作都返回新的 Multiaddr。
type Multiaddr struct {
	comps []Component
	str   string
}

// NewMultiaddr 从字符串解析多地址
func NewMultiaddr(s string) (*Multiaddr, error) {
	if s == "" {
		return nil, ErrEmptyAddr
	}
	if !strings.HasPrefix(s, "/") {
		return nil, fmt.Errorf("%w: must begin with '/': %q", ErrInvalidFormat, s)
	}

	parts := strings.Split(s[1:], "/")
	var comps []Component
	for i := 0; i < len(parts); i++ {
		name := parts[i]
		if name == "" {
			return nil, fmt.Errorf("%w: empty protocol in %q", ErrInvalidFormat, s)
		}
		proto, ok := protocols[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidProtocol, name)
		}
		comp := Component{Protocol: name}
		if proto.HasValue {
			i++
			if i >= len(parts) {
				return nil, fmt.Errorf("%w: protocol %q requires a value", ErrInvalidFormat, name)
			}
			comp.Value = parts[i]
			if err := proto.Validate(comp.Value); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
			}
		}
		comps = append(comps, comp)
	}

	if len(comps) == 0 {
		return nil, ErrEmptyAddr
	}
	return fromComponents(comps), nil
}

// fromComponents 从组件序列构造多地址（内部方法，不做校验）
func fromComponents(comps []Component) *Multiaddr {
	var sb strings.Builder
	for _, c := range comps {
		sb.WriteString(c.String())
	}
	return &Multiaddr{comps: comps, str: sb.String()}
}

// String 返回多地址的文本表示
func (m *Multiaddr) String() string {
	if m == nil {
		return ""
	}
	return m.str
}

// Bytes 返回多地址的字节表示
func (m *Multiaddr) Bytes() []byte {
	if m == nil {
		return nil
	}
	return []byte(m.str)
}

// Components 返回组件序列的副本
func (m *Multiaddr) Components() []Component {
	if m == nil {
		return nil
	}
	out := make([]Component, len(m.comps))
	copy(out, m.comps)
	return out
}

// Equal 比较两个多地址是否相等
//
// 相等当且仅当组件序列相等。
func (m *Multiaddr) Equal(o *Multiaddr) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.str == o.str
}

// Protocols 返回组件的协议名序列
func (m *Multiaddr) Protocols() []string {
	if m == nil {
		return nil
	}
	names := make([]string, len(m.comps))
	for i, c := range m.comps {
		names[i] = c.Protocol
	}
	return names
}

// HasProtocol 检查地址是否包含指定协议
func (m *Multiaddr) HasProtocol(name string) bool {
	if m == nil {
		return false
	}
	for _, c := range m.comps {
		if c.Protocol == name {
			return true
		}
	}
	return false
}

// ValueForProtocol 返回第一个匹配协议的值
func (m *Multiaddr) ValueForProtocol(name string) (string, error) {
	if m == nil {
		return "", ErrProtocolNotFound
	}
	for _, c := range m.comps {
		if c.Protocol == name {
			return c.Value, nil
		}
	}
	return "", ErrProtocolNotFound
}

// Encapsulate 在尾部追加另一个多地址的组件
func (m *Multiaddr) Encapsulate(o *Multiaddr) *Multiaddr {
	if m == nil {
		return o
	}
	if o == nil {
		return m
	}
	comps := make([]Component, 0, len(m.comps)+len(o.comps))
	comps = append(comps, m.comps...)
	comps = append(comps, o.comps...)
	return fromComponents(comps)
}

// Decapsulate 截断到指定协议首次出现之前
//
// 地址不包含该协议时返回原地址。
func (m *Multiaddr) Decapsulate(name string) *Multiaddr {
	if m == nil {
		return nil
	}
	for i, c := range m.comps {
		if c.Protocol == name {
			if i == 0 {
				return nil
			}
			return fromComponents(m.comps[:i])
		}
	}
	return m
}

// SplitFirst 分离第一个组件和剩余部分
func SplitFirst(m *Multiaddr) (Component, *Multiaddr) {
	if m == nil || len(m.comps) == 0 {
		return Component{}, nil
	}
	if len(m.comps) == 1 {
		return m.comps[0], nil
	}
	return m.comps[0], fromComponents(m.comps[1:])
}

// ForEach 遍历多地址中的每个组件
//
// fn 返回 false 时停止遍历。
func ForEach(m *Multiaddr, fn func(Component) bool) {
	if m == nil {
		return
	}
	for _, c := range m.comps {
		if !fn(c) {
			return
		}
	}
}
