package pool

import "errors"

var (
	// ErrNotFound 条目不存在
	ErrNotFound = errors.New("pool: managed connection not found")
)
