package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lvdashuaibi/littlerank/internal/model"
)

// Hub 排行榜广播中心。每个订阅者持有独立的有界队列，
// 慢订阅者不会阻塞发布路径，也不会影响其他订阅者。
// 序列号在Hub实例内严格递增，订阅者据此检测丢失的消息。
type Hub struct {
	mu        sync.Mutex
	sequence  uint64
	nextSubID uint64
	subs      map[uint64]*Subscription
	queueSize int
	closed    bool

	// 最近一次发布的消息，序列号与快照内容在同一把锁内配对
	latest    model.BroadcastMessage
	hasLatest bool
}

// Subscription 订阅句柄，订阅者按入队顺序消费消息
type Subscription struct {
	id      uint64
	ch      chan model.BroadcastMessage
	dropped uint64
}

func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Hub{
		subs:      make(map[uint64]*Subscription),
		queueSize: queueSize,
	}
}

// Subscribe 注册一个新的订阅者
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSubID++
	sub := &Subscription{
		id: h.nextSubID,
		ch: make(chan model.BroadcastMessage, h.queueSize),
	}
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub.id] = sub
	return sub
}

// Unsubscribe 移除订阅者，未消费的消息直接丢弃
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	close(sub.ch)
}

// Publish 分配下一个序列号并向所有当前订阅者投递快照。
// 队列满时丢弃该订阅者最旧的一条消息并计数，订阅者通过序列号
// 不连续感知空洞，发布方永不阻塞等待慢消费者。
func (h *Hub) Publish(entries []model.LeaderboardEntry) model.BroadcastMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sequence++
	msg := model.BroadcastMessage{
		Sequence:  h.sequence,
		UpdatedAt: time.Now(),
		Entries:   entries,
	}
	h.latest = msg
	h.hasLatest = true

	for _, sub := range h.subs {
		select {
		case sub.ch <- msg:
		default:
			// 队列已满，丢最旧的一条再入队
			select {
			case <-sub.ch:
				atomic.AddUint64(&sub.dropped, 1)
			default:
			}
			select {
			case sub.ch <- msg:
			default:
				atomic.AddUint64(&sub.dropped, 1)
			}
		}
	}

	return msg
}

// Sequence 返回已发布的最新序列号
func (h *Hub) Sequence() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sequence
}

// Latest 返回最近一次发布的消息。序列号与快照内容是发布时在同一把锁内
// 配对的，读取方据此得到自洽的（序列号，快照）组合，还没有发布过消息
// 时返回false。
func (h *Hub) Latest() (model.BroadcastMessage, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest, h.hasLatest
}

// Close 关闭Hub，所有订阅者的通道都会被关闭
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}

// Messages 订阅者的消息通道，Hub关闭或取消订阅后通道被关闭
func (s *Subscription) Messages() <-chan model.BroadcastMessage {
	return s.ch
}

// Dropped 因队列溢出被丢弃的消息数
func (s *Subscription) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}
