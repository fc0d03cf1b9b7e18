// Package types 定义 NexP2P 的基础类型
//
// 本文件定义所有 ID 类型，是整个系统的核心标识类型。
// 这些类型是纯值类型，不依赖任何其他 nexp2p 内部包。
package types

import (
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
)

// ============================================================================
//                              PeerID - 节点标识
// ============================================================================

// PeerID 节点唯一标识符
//
// PeerID 由公钥确定性派生，确保全网唯一性和可验证性。
// 外部表示格式为 Base58 编码（用户可读、可分享）。
//
// 示例：
//
//	id, err := types.ParsePeerID("4XTTMGDF...")
//	fmt.Println(id.ShortString()) // "4XTTMGDF..." 加 ID 末 3 字符
type PeerID string

// EmptyPeerID 空节点ID
const EmptyPeerID PeerID = ""

// String 返回 PeerID 的字符串表示
func (id PeerID) String() string {
	return string(id)
}

// ShortString 返回 PeerID 的短字符串表示
//
// 格式：前 8 字符 + "..." + 后 3 字符，用于日志中的简短标识。
func (id PeerID) ShortString() string {
	s := string(id)
	if len(s) <= 14 {
		return s
	}
	return s[:8] + "..." + s[len(s)-3:]
}

// Bytes 返回 PeerID 的字节切片
func (id PeerID) Bytes() []byte {
	return []byte(id)
}

// IsEmpty 检查 PeerID 是否为空
func (id PeerID) IsEmpty() bool {
	return id == EmptyPeerID
}

// Equal 比较两个 PeerID 是否相等
func (id PeerID) Equal(other PeerID) bool {
	return id == other
}

// Less 按字节序比较两个 PeerID
//
// PeerID 上的全序关系，用于同时连接的对称裁决：
// 双方以同一规则确定胜出方向。
func (id PeerID) Less(other PeerID) bool {
	return string(id) < string(other)
}

// Validate 验证 PeerID 格式
//
// 验证流程：
//  1. 检查是否为空
//  2. Base58 解码验证
//  3. 长度验证（SHA256 派生的 32 字节）
func (id PeerID) Validate() error {
	if id.IsEmpty() {
		return ErrEmptyPeerID
	}

	decoded, err := base58.Decode(string(id))
	if err != nil {
		return fmt.Errorf("invalid base58: %w", err)
	}

	// Base58(SHA256(pubKey))，SHA256 输出是 32 字节
	if len(decoded) != 32 {
		return fmt.Errorf("invalid peer id: length %d (expected 32)", len(decoded))
	}
	return nil
}

// MatchesPublicKey 验证 PeerID 是否与给定公钥匹配
func (id PeerID) MatchesPublicKey(pubKey []byte) bool {
	if id.IsEmpty() || len(pubKey) == 0 {
		return false
	}
	derived, err := PeerIDFromPublicKey(pubKey)
	if err != nil {
		return false
	}
	return id == derived
}

// ParsePeerID 从字符串解析 PeerID
//
// 支持 Base58 编码格式（用于用户输入和配置）。
func ParsePeerID(s string) (PeerID, error) {
	if s == "" {
		return EmptyPeerID, ErrEmptyPeerID
	}
	id := PeerID(s)
	if err := id.Validate(); err != nil {
		return EmptyPeerID, err
	}
	return id, nil
}

// PeerIDFromPublicKey 从公钥派生 PeerID
//
// 派生算法：Base58(SHA256(pubKey))。
// 相同的公钥总是派生出相同的 PeerID。
func PeerIDFromPublicKey(pubKey []byte) (PeerID, error) {
	if len(pubKey) == 0 {
		return EmptyPeerID, ErrEmptyPublicKey
	}
	hash := sha256.Sum256(pubKey)
	return PeerID(base58.Encode(hash[:])), nil
}

// ============================================================================
//                              辅助类型
// ============================================================================

// PeerIDSlice 用于排序的 PeerID 切片
type PeerIDSlice []PeerID

func (s PeerIDSlice) Len() int           { return len(s) }
func (s PeerIDSlice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s PeerIDSlice) Less(i, j int) bool { return s[i].Less(s[j]) }
