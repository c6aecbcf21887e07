package websocket

import (
	"context"
	"log"

	"fluxur-go/internal/projection"
)

// delivery 是一条待写给某个连接的帧。
type delivery struct {
	client  *Client
	payload []byte
}

// Hub 维护在线连接。同一用户可以有多个连接，每个连接持有自己的会话。
// clients 只在 Run 所在的 goroutine 中读写。
type Hub struct {
	clients map[string]map[*Client]bool

	register chan *Client

	unregister chan *Client

	outbound chan delivery

	changes chan projection.Change

	done chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		outbound:   make(chan delivery, 256),
		changes:    make(chan projection.Change, 256),
		done:       make(chan struct{}),
	}
}

// Notify 把一次投影变更交给 Hub 分发，签名与 projection.Listener 一致。
// 监听器在写路径上被同步调用，所以这里不能阻塞。
func (h *Hub) Notify(_ context.Context, ch projection.Change) {
	select {
	case h.changes <- ch:
	default:
		log.Printf("警告: Hub 变更通道已满，丢弃 %s/%s 的变更", ch.Collection, ch.ID)
	}
}

func (h *Hub) deliver(c *Client, payload []byte) {
	select {
	case h.outbound <- delivery{client: c, payload: payload}:
	default:
		log.Printf("警告: Hub 发送通道已满，丢弃发给用户 %s 的帧", c.UserID)
	}
}

// Run 处理注册、注销、变更分发和帧投递，直到 ctx 结束。
func (h *Hub) Run(ctx context.Context) {
	log.Println("WebSocket Hub Run loop started.")
	for {
		select {
		case <-ctx.Done():
			for _, conns := range h.clients {
				for client := range conns {
					close(client.send)
				}
			}
			h.clients = make(map[string]map[*Client]bool)
			close(h.done)
			log.Println("WebSocket Hub Run loop stopped.")
			return

		case client := <-h.register:
			conns, ok := h.clients[client.UserID]
			if !ok {
				conns = make(map[*Client]bool)
				h.clients[client.UserID] = conns
			}
			conns[client] = true
			log.Printf("客户端已注册: UserID %s (连接数 %d)", client.UserID, len(conns))

		case client := <-h.unregister:
			h.remove(client)

		case ch := <-h.changes:
			// 变更帧直接写入各连接的发送队列，不经过 outbound
			for _, conns := range h.clients {
				for client := range conns {
					for _, payload := range client.handleChange(ctx, ch) {
						h.sendTo(client, payload)
					}
				}
			}

		case d := <-h.outbound:
			h.sendTo(d.client, d.payload)
		}
	}
}

// sendTo 把帧写入已注册连接的发送队列，队列满时移除该连接。只能在 Run 中调用。
func (h *Hub) sendTo(client *Client, payload []byte) {
	if !h.clients[client.UserID][client] {
		return
	}
	select {
	case client.send <- payload:
	default:
		log.Printf("警告: UserID %s 的发送通道已满，移除客户端。", client.UserID)
		h.remove(client)
	}
}

func (h *Hub) remove(client *Client) {
	conns, ok := h.clients[client.UserID]
	if !ok || !conns[client] {
		log.Printf("尝试注销一个不匹配或已过期的客户端连接: UserID %s", client.UserID)
		return
	}
	delete(conns, client)
	if len(conns) == 0 {
		delete(h.clients, client.UserID)
	}
	close(client.send)
	log.Printf("客户端已注销: UserID %s", client.UserID)
}
