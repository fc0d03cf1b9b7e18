// Package crypto 提供节点身份密钥
//
// 身份密钥使用 ed25519，PeerID 由公钥确定性派生
// （Base58(SHA256(pubKey))，见 pkg/types）。
// 本包不实现任何传输加密；安全升级器由外部提供。
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// KeyPair 节点身份密钥对
type KeyPair struct {
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	peerID types.PeerID
}

// GenerateKeyPair 生成新的身份密钥对
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return newKeyPair(priv, pub)
}

// KeyPairFromSeed 从 32 字节种子派生密钥对
//
// 相同种子总是派生出相同的密钥对，用于测试和确定性身份。
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length %d (expected %d)", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return newKeyPair(priv, priv.Public().(ed25519.PublicKey))
}

func newKeyPair(priv ed25519.PrivateKey, pub ed25519.PublicKey) (*KeyPair, error) {
	id, err := types.PeerIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &KeyPair{priv: priv, pub: pub, peerID: id}, nil
}

// PeerID 返回密钥对派生的节点 ID
func (k *KeyPair) PeerID() types.PeerID {
	return k.peerID
}

// PublicKey 返回公钥字节
func (k *KeyPair) PublicKey() []byte {
	out := make([]byte, len(k.pub))
	copy(out, k.pub)
	return out
}

// Sign 对消息签名
func (k *KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}

// Verify 验证签名
func Verify(pubKey, msg, sig []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), msg, sig)
}
