package plain

import "errors"

var (
	// ErrNilKeyPair 缺少身份密钥
	ErrNilKeyPair = errors.New("plain: key pair is nil")

	// ErrHandshakeFailed 握手读写失败
	ErrHandshakeFailed = errors.New("plain: handshake failed")

	// ErrIdentityMismatch 身份校验失败
	ErrIdentityMismatch = errors.New("plain: identity mismatch")
)
