package sse

// Hub 管理基于 topic 的 SSE 订阅者。
//
// 说明：
//   - 每个 topic（这里是 user_id）对应一组客户端通道（chan []byte），Hub 会把发布到
//     该 topic 的消息广播到所有订阅该 topic 的通道上。
//   - Hub 使用三个内部控制通道（subscribe/unsubscribe/publish）在单个 goroutine 中
//     串行化对 topics 数据结构的访问，从而避免在外部并发访问时出现竞态。
type Hub struct {
	// topics 保存 topic -> 客户端 channel 集合，channel 的所有者（SSE handler）
	// 负责关闭该 channel，Hub 仅负责向其发送消息。
	topics map[string]map[chan []byte]bool

	subscribe   chan subscription
	unsubscribe chan subscription
	publish     chan topicMessage
	done        chan struct{}
}

type subscription struct {
	ch    chan []byte
	topic string
}

type topicMessage struct {
	topic string
	msg   []byte
}

// NewHub 创建并返回一个新的 SSE Hub 实例。
//
// 注意：publish 通道具有缓冲（100），用于缓冲短时突发的发布操作，避免发布者被阻塞。
func NewHub() *Hub {
	return &Hub{
		topics:      make(map[string]map[chan []byte]bool),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		publish:     make(chan topicMessage, 100),
		done:        make(chan struct{}),
	}
}

// Run 启动 Hub 的事件循环，处理订阅、取消订阅与消息发布。
// 应在单独的 goroutine 中运行：go hub.Run()
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return
		case s := <-h.subscribe:
			subs, ok := h.topics[s.topic]
			if !ok {
				subs = make(map[chan []byte]bool)
				h.topics[s.topic] = subs
			}
			subs[s.ch] = true
		case s := <-h.unsubscribe:
			if subs, ok := h.topics[s.topic]; ok {
				delete(subs, s.ch)
				if len(subs) == 0 {
					delete(h.topics, s.topic)
				}
			}
		case tm := <-h.publish:
			for ch := range h.topics[tm.topic] {
				select {
				case ch <- tm.msg:
				default:
					// 客户端不读则丢弃
				}
			}
		}
	}
}

// Stop 结束事件循环
func (h *Hub) Stop() {
	close(h.done)
}

// PublishTopic 将消息发布到指定 topic 的所有订阅者。
func (h *Hub) PublishTopic(topic string, msg []byte) {
	select {
	case h.publish <- topicMessage{topic: topic, msg: msg}:
	case <-h.done:
	}
}

// Subscribe 将指定通道注册为 topic 的订阅者。
// 调用方应提供有缓冲的 channel，并在不再需要时取消订阅并自行关闭通道。
func (h *Hub) Subscribe(ch chan []byte, topic string) {
	h.subscribe <- subscription{ch: ch, topic: topic}
}

// Unsubscribe 取消某个通道对 topic 的订阅。
func (h *Hub) Unsubscribe(ch chan []byte, topic string) {
	h.unsubscribe <- subscription{ch: ch, topic: topic}
}
