package server

import "errors"

var (
	// ErrCircuitLimit 电路传输超过字节限制
	ErrCircuitLimit = errors.New("relay: circuit data limit exceeded")
)
