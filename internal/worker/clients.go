package worker

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultClientBuffer = 8

// Message 是推送给客户端的通知，序列化后形如 {"action":"reload"}。
type Message struct {
	Action string `json:"action"`
}

// ReloadMessage 通知客户端新缓存代已生效，应当重新加载页面。
func ReloadMessage() Message {
	return Message{Action: "reload"}
}

// Client 是一个已连接的客户端（浏览器标签页），通过 Messages 接收通知。
type Client struct {
	ID          string
	ConnectedAt time.Time

	messages   chan Message
	controller string
}

// Messages 返回只读通知通道，Disconnect 或 Close 后通道关闭。
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// ClientInfo 是客户端的只读视图，供诊断接口输出。
type ClientInfo struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connected_at"`
	Controller  string    `json:"controller,omitempty"`
}

// Clients 维护当前连接，广播不会等待慢客户端：通道写满时只丢弃该客户端的这条消息。
type Clients struct {
	mu      sync.RWMutex
	buffer  int
	clients map[string]*Client
	closed  bool
}

// NewClients 创建客户端集合，buffer<=0 时使用默认缓冲。
func NewClients(buffer int) *Clients {
	if buffer <= 0 {
		buffer = defaultClientBuffer
	}
	return &Clients{
		buffer:  buffer,
		clients: make(map[string]*Client),
	}
}

// Connect 注册新客户端。controller 为当前已激活版本的 ID，为空表示未受控。
func (h *Clients) Connect(controller string) *Client {
	client := &Client{
		ID:          uuid.NewString(),
		ConnectedAt: time.Now().UTC(),
		messages:    make(chan Message, h.buffer),
		controller:  controller,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(client.messages)
		return client
	}
	h.clients[client.ID] = client
	return client
}

// Disconnect 移除客户端并关闭其通道，重复调用无副作用。
func (h *Clients) Disconnect(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client, ok := h.clients[id]
	if !ok {
		return
	}
	delete(h.clients, id)
	close(client.messages)
}

// Broadcast 向所有受控客户端投递消息，返回成功投递的数量。
func (h *Clients) Broadcast(msg Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, client := range h.clients {
		if client.controller == "" {
			continue
		}
		select {
		case client.messages <- msg:
			delivered++
		default:
		}
	}
	return delivered
}

// Claim 让 versionID 接管全部客户端，返回控制者发生变化的数量。
func (h *Clients) Claim(versionID string) int {
	if versionID == "" {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	claimed := 0
	for _, client := range h.clients {
		if client.controller != versionID {
			client.controller = versionID
			claimed++
		}
	}
	return claimed
}

// List 按连接时间返回客户端快照。
func (h *Clients) List() []ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	infos := make([]ClientInfo, 0, len(h.clients))
	for _, client := range h.clients {
		infos = append(infos, ClientInfo{
			ID:          client.ID,
			ConnectedAt: client.ConnectedAt,
			Controller:  client.controller,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// Len 返回当前连接数。
func (h *Clients) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close 断开所有客户端，之后的 Connect 得到已关闭的通道。
func (h *Clients) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.messages)
	}
}
