package checkpoint

import (
	"log"
	"time"

	"github.com/lvdashuaibi/littlerank/config"
	"github.com/lvdashuaibi/littlerank/internal/broadcast"
	"github.com/lvdashuaibi/littlerank/internal/leaderboard"
	"github.com/lvdashuaibi/littlerank/internal/lock"
	"github.com/lvdashuaibi/littlerank/internal/model"
)

const (
	CheckpointerLockName = "leaderboard:checkpointer:lock"
)

// SnapshotSink 检查点快照的落地目标，由Redis仓库实现
type SnapshotSink interface {
	SetLeaderboardSnapshot(msg *model.BroadcastMessage) (bool, error)
}

// Checkpointer 排行榜检查点写入器。多实例部署时通过分布式锁选举，
// 只有持锁实例定期把当前排行榜快照写入Redis，供跨实例查询回退和
// 重启恢复使用。
type Checkpointer struct {
	index    *leaderboard.Index
	hub      *broadcast.Hub
	sink     SnapshotSink
	distLock lock.Lock

	ticker       *time.Ticker
	stopChan     chan struct{}
	isLeader     bool          // 标识该实例是否为检查点写入者
	leaderLockCh chan struct{} // 用于同步获取写入者锁的通道
}

func NewCheckpointer(
	index *leaderboard.Index,
	hub *broadcast.Hub,
	sink SnapshotSink,
	distributedLock lock.Lock,
	isLeader bool,
) *Checkpointer {
	return &Checkpointer{
		index:        index,
		hub:          hub,
		sink:         sink,
		distLock:     distributedLock,
		stopChan:     make(chan struct{}),
		isLeader:     isLeader,
		leaderLockCh: make(chan struct{}, 1),
	}
}

// Start 启动检查点写入循环
func (c *Checkpointer) Start() {
	interval := config.AppConfig.Leaderboard.CheckpointInterval

	// 非写入者实例同样启动定时器，以便接管后立即开始写入
	c.ticker = time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-c.ticker.C:
				if c.isLeader {
					c.checkpoint()
				}
			case <-c.stopChan:
				c.ticker.Stop()
				log.Println("检查点写入器已停止")
				return
			}
		}
	}()

	// 启动另一个协程维持写入者锁
	if c.isLeader {
		go c.maintainLeaderLock()
	}
}

// maintainLeaderLock 维持写入者锁状态
func (c *Checkpointer) maintainLeaderLock() {
	// 每隔一半的写入间隔检查一次写入者状态
	checkInterval := config.AppConfig.Leaderboard.CheckpointInterval / 2
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	// 初始化时尝试获取写入者锁
	c.tryAcquireLeaderLock()

	for {
		select {
		case <-ticker.C:
			c.tryAcquireLeaderLock()
		case <-c.stopChan:
			return
		}
	}
}

// tryAcquireLeaderLock 尝试获取写入者锁
func (c *Checkpointer) tryAcquireLeaderLock() {
	acquired, err := c.distLock.AcquireLock(CheckpointerLockName, config.AppConfig.Token.LockTimeout)
	if err != nil {
		log.Printf("检查检查点写入者锁失败: %v", err)
		return
	}

	// 如果成功获取锁，说明之前的锁已经过期或释放
	if acquired {
		c.isLeader = true

		// 通知写入协程
		select {
		case c.leaderLockCh <- struct{}{}:
		default:
		}
	}
}

// Stop 停止检查点写入器
func (c *Checkpointer) Stop() {
	close(c.stopChan)
	// 释放写入者锁
	if c.isLeader {
		c.distLock.ReleaseLock(CheckpointerLockName)
	}
}

// checkpoint 执行一次检查点写入
func (c *Checkpointer) checkpoint() {
	var lockAcquired bool
	var err error

	// 检查leaderLockCh是否有信号
	select {
	case <-c.leaderLockCh:
		// 已在maintainLeaderLock中获取了锁
		lockAcquired = true
	default:
		lockAcquired, err = c.distLock.AcquireLock(CheckpointerLockName, config.AppConfig.Token.LockTimeout)
		if err != nil {
			log.Printf("获取检查点写入者锁失败: %v", err)
			return
		}
	}

	if !lockAcquired {
		log.Println("未能获取检查点写入者锁，跳过当前写入")
		return
	}

	c.writeSnapshot()

	if err := c.distLock.ReleaseLock(CheckpointerLockName); err != nil {
		log.Printf("释放检查点写入者锁失败: %v", err)
	}
}

// writeSnapshot 将当前排行榜快照写入Redis，不包含锁逻辑。
// 快照取自Hub最近一次发布的消息，序列号与快照内容在发布时就已配对，
// Redis侧再通过序列号比较保证不回退。
func (c *Checkpointer) writeSnapshot() {
	latest, ok := c.hub.Latest()
	if !ok {
		// 还没有广播过（冷启动或仅预热数据），退回当前榜单内容
		latest = model.BroadcastMessage{
			Sequence:  c.hub.Sequence(),
			UpdatedAt: time.Now(),
			Entries:   c.index.Snapshot(),
		}
	}
	msg := &latest

	written, err := c.sink.SetLeaderboardSnapshot(msg)
	if err != nil {
		log.Printf("写入排行榜快照检查点失败: %v", err)
		return
	}
	if !written {
		// Redis中已有更新的快照，说明其他实例写入更快
		log.Printf("快照序列号 %d 已落后，跳过本次检查点", msg.Sequence)
	}
}
