package multiaddr

import (
	"fmt"
	"net"
	"strconv"

	"github.com/mr-tron/base58"
)

// ============================================================================
//                              协议表
// ============================================================================

// 协议名称常量
const (
	P_IP4     = "ip4"
	P_IP6     = "ip6"
	P_TCP     = "tcp"
	P_UDP     = "udp"
	P_DNS     = "dns"
	P_DNS4    = "dns4"
	P_DNS6    = "dns6"
	P_WS      = "ws"
	P_WSS     = "wss"
	P_QUIC_V1 = "quic-v1"
	P_CIRCUIT = "p2p-circuit"
	P_P2P     = "p2p"
	P_MEMORY  = "memory"
)

// Protocol 协议描述
type Protocol struct {
	// Name 协议名称，如 "ip4"
	Name string

	// HasValue 该协议是否携带值
	//
	// 如 /tcp/4001 携带端口值，/quic-v1 不携带值。
	HasValue bool

	// Validate 值校验函数（HasValue 为 true 时非空）
	Validate func(value string) error
}

// protocols 已注册协议表
var protocols = map[string]Protocol{
	P_IP4:     {Name: P_IP4, HasValue: true, Validate: validateIP4},
	P_IP6:     {Name: P_IP6, HasValue: true, Validate: validateIP6},
	P_TCP:     {Name: P_TCP, HasValue: true, Validate: validatePort},
	P_UDP:     {Name: P_UDP, HasValue: true, Validate: validatePort},
	P_DNS:     {Name: P_DNS, HasValue: true, Validate: validateDomain},
	P_DNS4:    {Name: P_DNS4, HasValue: true, Validate: validateDomain},
	P_DNS6:    {Name: P_DNS6, HasValue: true, Validate: validateDomain},
	P_WS:      {Name: P_WS},
	P_WSS:     {Name: P_WSS},
	P_QUIC_V1: {Name: P_QUIC_V1},
	P_CIRCUIT: {Name: P_CIRCUIT},
	P_P2P:     {Name: P_P2P, HasValue: true, Validate: validateBase58},
	P_MEMORY:  {Name: P_MEMORY, HasValue: true, Validate: validateNonEmpty},
}

// ProtocolWithName 根据名称查找协议
//
// 未注册的协议返回零值 Protocol（Name 为空）。
func ProtocolWithName(name string) Protocol {
	return protocols[name]
}

// ============================================================================
//                              校验函数
// ============================================================================

func validateIP4(value string) error {
	ip := net.ParseIP(value)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("invalid ip4 address: %q", value)
	}
	return nil
}

func validateIP6(value string) error {
	ip := net.ParseIP(value)
	if ip == nil || ip.To4() != nil {
		return fmt.Errorf("invalid ip6 address: %q", value)
	}
	return nil
}

func validatePort(value string) error {
	port, err := strconv.Atoi(value)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("invalid port: %q", value)
	}
	return nil
}

func validateDomain(value string) error {
	if value == "" {
		return fmt.Errorf("empty domain")
	}
	return nil
}

func validateBase58(value string) error {
	if value == "" {
		return fmt.Errorf("empty peer id")
	}
	if _, err := base58.Decode(value); err != nil {
		return fmt.Errorf("invalid base58 peer id: %q", value)
	}
	return nil
}

func validateNonEmpty(value string) error {
	if value == "" {
		return fmt.Errorf("empty value")
	}
	return nil
}
