package multiaddr

// 本文件提供 /p2p 组件与传输地址的分离、合并等工具函数。

// Split 分离传输地址和尾部 /p2p 组件
//
// 输入：/ip4/1.2.3.4/tcp/4001/p2p/4XTTM...
// 输出：/ip4/1.2.3.4/tcp/4001, "4XTTM..."
//
// 地址不含尾部 /p2p 组件时返回 (m, "")。
func Split(m *Multiaddr) (transport *Multiaddr, peerID string) {
	if m == nil || len(m.comps) == 0 {
		return m, ""
	}
	last := m.comps[len(m.comps)-1]
	if last.Protocol != P_P2P {
		return m, ""
	}
	if len(m.comps) == 1 {
		return nil, last.Value
	}
	return fromComponents(m.comps[:len(m.comps)-1]), last.Value
}

// Join 合并传输地址和 PeerID
func Join(transport *Multiaddr, peerID string) *Multiaddr {
	p2p := fromComponents([]Component{{Protocol: P_P2P, Value: peerID}})
	if transport == nil {
		return p2p
	}
	return transport.Encapsulate(p2p)
}

// GetPeerID 从多地址中提取尾部 PeerID
func GetPeerID(m *Multiaddr) (string, error) {
	_, id := Split(m)
	if id == "" {
		return "", ErrNoPeerID
	}
	return id, nil
}

// WithPeerID 为多地址添加或替换尾部 PeerID
func WithPeerID(m *Multiaddr, peerID string) (*Multiaddr, error) {
	if err := validateBase58(peerID); err != nil {
		return nil, err
	}
	transport, _ := Split(m)
	return Join(transport, peerID), nil
}

// WithoutPeerID 移除多地址中的尾部 PeerID
func WithoutPeerID(m *Multiaddr) *Multiaddr {
	transport, _ := Split(m)
	return transport
}

// HasCircuit 检查地址是否经过中继
func HasCircuit(m *Multiaddr) bool {
	return m.HasProtocol(P_CIRCUIT)
}

// FilterAddrs 过滤多地址
func FilterAddrs(addrs []*Multiaddr, filters ...func(*Multiaddr) bool) []*Multiaddr {
	var out []*Multiaddr
outer:
	for _, a := range addrs {
		for _, f := range filters {
			if !f(a) {
				continue outer
			}
		}
		out = append(out, a)
	}
	return out
}

// UniqueAddrs 去重多地址
func UniqueAddrs(addrs []*Multiaddr) []*Multiaddr {
	seen := make(map[string]struct{}, len(addrs))
	var out []*Multiaddr
	for _, a := range addrs {
		if a == nil {
			continue
		}
		if _, ok := seen[a.String()]; ok {
			continue
		}
		seen[a.String()] = struct{}{}
		out = append(out, a)
	}
	return out
}

// HasProtocol 检查多地址是否包含指定协议
func HasProtocol(m *Multiaddr, name string) bool {
	return m.HasProtocol(name)
}
