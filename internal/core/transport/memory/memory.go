// Package memory 实现进程内存传输
//
// 地址形如 /memory/<id>。监听即在进程级注册表中占用 id，
// 拨号通过注册表找到监听器并以 net.Pipe 建立双工管道。
// 用于测试与单机多节点场景，不产生任何网络流量。
package memory

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/lib/multiaddr"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// ============================================================================
//                              注册表
// ============================================================================

// hub 进程级监听注册表
type hub struct {
	mu        sync.Mutex
	listeners map[string]*listener
	nextID    uint64
}

var globalHub = &hub{listeners: make(map[string]*listener)}

func (h *hub) register(id string, l *listener) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.listeners[id]; ok {
		return fmt.Errorf("memory: address /memory/%s already in use", id)
	}
	h.listeners[id] = l
	return nil
}

func (h *hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners, id)
}

func (h *hub) lookup(id string) *listener {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listeners[id]
}

func (h *hub) allocID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		h.nextID++
		id := fmt.Sprintf("%d", h.nextID)
		if _, ok := h.listeners[id]; !ok {
			return id
		}
	}
}

// ============================================================================
//                              Transport
// ============================================================================

// 确保实现了接口
var _ ifc.Transport = (*Transport)(nil)

// Transport 内存传输
type Transport struct{}

// New 创建内存传输
func New() *Transport {
	return &Transport{}
}

// CanDial 检查是否可以拨号到指定地址
func (t *Transport) CanDial(addr *types.Multiaddr) bool {
	return addr.HasProtocol(multiaddr.P_MEMORY)
}

// CanListen 检查是否可以监听指定地址
func (t *Transport) CanListen(addr *types.Multiaddr) bool {
	return addr.HasProtocol(multiaddr.P_MEMORY)
}

// Protocols 返回支持的协议组件名
func (t *Transport) Protocols() [][]string {
	return [][]string{{multiaddr.P_MEMORY}}
}

// PathKind 返回路径类别
func (t *Transport) PathKind() ifc.PathKind {
	return ifc.PathLocal
}

// Dial 建立出站连接
func (t *Transport) Dial(ctx context.Context, addr *types.Multiaddr) (ifc.RawConn, error) {
	target := multiaddr.WithoutPeerID(addr)
	id, err := target.ValueForProtocol(multiaddr.P_MEMORY)
	if err != nil {
		return nil, fmt.Errorf("memory: not a memory address: %s", addr)
	}

	l := globalHub.lookup(id)
	if l == nil {
		return nil, fmt.Errorf("memory: no listener at /memory/%s: %w", id, ErrConnectionRefused)
	}

	dialSide, acceptSide := net.Pipe()
	localAddr, _ := multiaddr.NewMultiaddr("/memory/" + globalHub.allocID())

	dconn := &Conn{Conn: dialSide, local: localAddr, remote: target}
	aconn := &Conn{Conn: acceptSide, local: target, remote: localAddr}

	select {
	case l.incoming <- aconn:
		return dconn, nil
	case <-l.done:
		dialSide.Close()
		acceptSide.Close()
		return nil, ErrConnectionRefused
	case <-ctx.Done():
		dialSide.Close()
		acceptSide.Close()
		return nil, ctx.Err()
	}
}

// Listen 监听入站连接
func (t *Transport) Listen(addr *types.Multiaddr) (ifc.Listener, error) {
	target := multiaddr.WithoutPeerID(addr)
	id, err := target.ValueForProtocol(multiaddr.P_MEMORY)
	if err != nil {
		return nil, fmt.Errorf("memory: not a memory address: %s", addr)
	}
	if id == "0" {
		// /memory/0 表示自动分配
		id = globalHub.allocID()
		target, _ = multiaddr.NewMultiaddr("/memory/" + id)
	}

	l := &listener{
		addr:     target,
		id:       id,
		incoming: make(chan *Conn, 16),
		done:     make(chan struct{}),
	}
	if err := globalHub.register(id, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Close 关闭传输层
func (t *Transport) Close() error {
	return nil
}

// ============================================================================
//                              Listener
// ============================================================================

type listener struct {
	addr     *types.Multiaddr
	id       string
	incoming chan *Conn
	done     chan struct{}
	closeOne sync.Once
}

func (l *listener) Accept() (ifc.RawConn, error) {
	select {
	case c := <-l.incoming:
		return c, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

func (l *listener) Multiaddr() *types.Multiaddr {
	return l.addr
}

func (l *listener) Close() error {
	l.closeOne.Do(func() {
		globalHub.unregister(l.id)
		close(l.done)
	})
	return nil
}

// ============================================================================
//                              Conn
// ============================================================================

// 确保实现了接口
var _ ifc.RawConn = (*Conn)(nil)

// Conn 内存连接
//
// net.Pipe 的一端，附带多地址信息。
type Conn struct {
	net.Conn
	local  *types.Multiaddr
	remote *types.Multiaddr
}

// NewPipe 建立一对互联的内存连接（测试辅助）
func NewPipe() (*Conn, *Conn) {
	a, b := net.Pipe()
	addrA, _ := multiaddr.NewMultiaddr("/memory/" + globalHub.allocID())
	addrB, _ := multiaddr.NewMultiaddr("/memory/" + globalHub.allocID())
	return &Conn{Conn: a, local: addrA, remote: addrB},
		&Conn{Conn: b, local: addrB, remote: addrA}
}

// LocalMultiaddr 本地多地址
func (c *Conn) LocalMultiaddr() *types.Multiaddr {
	return c.local
}

// RemoteMultiaddr 远程多地址
func (c *Conn) RemoteMultiaddr() *types.Multiaddr {
	return c.remote
}

// SetDeadline 设置读写截止时间
func (c *Conn) SetDeadline(t time.Time) error {
	return c.Conn.SetDeadline(t)
}
