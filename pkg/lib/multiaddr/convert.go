package multiaddr

import (
	"fmt"
	"net"
	"strconv"
)

// ============================================================================
//                              net.Addr 转换
// ============================================================================

// FromTCPAddr 从 TCP 地址创建多地址
func FromTCPAddr(a *net.TCPAddr) (*Multiaddr, error) {
	return fromIPPort(a.IP, a.Port, P_TCP)
}

// FromUDPAddr 从 UDP 地址创建多地址
func FromUDPAddr(a *net.UDPAddr) (*Multiaddr, error) {
	return fromIPPort(a.IP, a.Port, P_UDP)
}

// FromNetAddr 从 net.Addr 创建多地址
func FromNetAddr(a net.Addr) (*Multiaddr, error) {
	switch addr := a.(type) {
	case *net.TCPAddr:
		return FromTCPAddr(addr)
	case *net.UDPAddr:
		return FromUDPAddr(addr)
	default:
		return nil, fmt.Errorf("%w: unsupported net.Addr %T", ErrInvalidFormat, a)
	}
}

// ToTCPAddr 将 /ip4|ip6/.../tcp/<port> 多地址转为 net.TCPAddr
func ToTCPAddr(m *Multiaddr) (*net.TCPAddr, error) {
	ip, err := ipOf(m)
	if err != nil {
		return nil, err
	}
	portStr, err := m.ValueForProtocol(P_TCP)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("%w: bad port %q", ErrInvalidFormat, portStr)
	}
	return &net.TCPAddr{IP: ip, Port: port}, nil
}

func fromIPPort(ip net.IP, port int, transport string) (*Multiaddr, error) {
	var ipProto string
	var ipStr string
	switch {
	case ip == nil || ip.IsUnspecified() && ip.To4() == nil:
		ipProto, ipStr = P_IP6, "::"
	case ip.To4() != nil:
		ipProto, ipStr = P_IP4, ip.To4().String()
	default:
		ipProto, ipStr = P_IP6, ip.String()
	}
	return NewMultiaddr(fmt.Sprintf("/%s/%s/%s/%d", ipProto, ipStr, transport, port))
}

func ipOf(m *Multiaddr) (net.IP, error) {
	if v, err := m.ValueForProtocol(P_IP4); err == nil {
		return net.ParseIP(v), nil
	}
	if v, err := m.ValueForProtocol(P_IP6); err == nil {
		return net.ParseIP(v), nil
	}
	return nil, ErrProtocolNotFound
}

// IsIPUnspecified 检查地址是否绑定在通配 IP 上（0.0.0.0 / ::）
func IsIPUnspecified(m *Multiaddr) bool {
	ip, err := ipOf(m)
	if err != nil || ip == nil {
		return false
	}
	return ip.IsUnspecified()
}

// ResolveUnspecified 将通配绑定展开为实际接口地址
//
// 输入 /ip4/0.0.0.0/tcp/4001 时，针对每个接口 IP 生成一个地址。
// 非通配地址原样返回。
func ResolveUnspecified(m *Multiaddr) []*Multiaddr {
	if !IsIPUnspecified(m) {
		return []*Multiaddr{m}
	}

	wantV4 := m.HasProtocol(P_IP4)

	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return []*Multiaddr{m}
	}

	rest := m.comps[1:]
	var out []*Multiaddr
	for _, ia := range ifaceAddrs {
		ipNet, ok := ia.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if (ip.To4() != nil) != wantV4 {
			continue
		}
		var first Component
		if wantV4 {
			first = Component{Protocol: P_IP4, Value: ip.To4().String()}
		} else {
			first = Component{Protocol: P_IP6, Value: ip.String()}
		}
		comps := append([]Component{first}, rest...)
		out = append(out, fromComponents(comps))
	}
	if len(out) == 0 {
		return []*Multiaddr{m}
	}
	return out
}
