package leaderboard

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lvdashuaibi/littlerank/internal/model"
)

// Index 增量维护的Top-N排行榜。
// 写路径单写者（互斥锁串行化），读路径通过不可变快照指针交换实现，
// 读者永远不会观察到半更新的条目，也不会被写者阻塞。
//
// 更新是候选-截断式的：已在榜内的参与者原地更新重排（O(N)），
// 榜外参与者先与第N名比较，不够格直接丢弃，与总参与者数量无关。
type Index struct {
	mu       sync.Mutex
	capacity int
	snapshot atomic.Value // []model.LeaderboardEntry，不可变
}

func NewIndex(capacity int) *Index {
	idx := &Index{capacity: capacity}
	idx.snapshot.Store(make([]model.LeaderboardEntry, 0, capacity))
	return idx
}

// Update 插入或更新参与者的榜上条目，返回可见的Top-N集合或顺序是否发生变化
// （用于决定是否需要广播）。
func (idx *Index) Update(participantID string, score int64, updatedAt time.Time) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	old := idx.snapshot.Load().([]model.LeaderboardEntry)

	pos := -1
	for i := range old {
		if old[i].ParticipantID == participantID {
			pos = i
			break
		}
	}

	candidate := model.LeaderboardEntry{
		ParticipantID: participantID,
		Score:         score,
		UpdatedAt:     updatedAt,
	}

	var entries []model.LeaderboardEntry
	switch {
	case pos >= 0:
		// 已在榜内，原地更新后局部重排
		entries = make([]model.LeaderboardEntry, len(old))
		copy(entries, old)
		entries[pos] = candidate
	case len(old) < idx.capacity:
		// 榜未满，直接插入
		entries = make([]model.LeaderboardEntry, len(old), len(old)+1)
		copy(entries, old)
		entries = append(entries, candidate)
	default:
		// 榜已满，与第N名比较，不够格则不产生任何变化
		cutoff := old[len(old)-1]
		if !ranksBefore(candidate, cutoff) {
			return false
		}
		entries = make([]model.LeaderboardEntry, len(old))
		copy(entries, old)
		entries[len(entries)-1] = candidate
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return ranksBefore(entries[i], entries[j])
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}

	if !visibleChanged(old, entries) {
		return false
	}

	idx.snapshot.Store(entries)
	return true
}

// Snapshot 返回当前排行榜快照副本，按名次升序，长度不超过N
func (idx *Index) Snapshot() []model.LeaderboardEntry {
	entries := idx.snapshot.Load().([]model.LeaderboardEntry)
	copied := make([]model.LeaderboardEntry, len(entries))
	copy(copied, entries)
	return copied
}

// RankOf 返回参与者当前名次，不在可见Top-N内返回false
func (idx *Index) RankOf(participantID string) (int, bool) {
	entries := idx.snapshot.Load().([]model.LeaderboardEntry)
	for i := range entries {
		if entries[i].ParticipantID == participantID {
			return entries[i].Rank, true
		}
	}
	return 0, false
}

// ranksBefore 排序规则：积分降序，同分按最后更新时间早者在前，
// 时间也相同按参与者ID保证确定性
func ranksBefore(a, b model.LeaderboardEntry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.Before(b.UpdatedAt)
	}
	return a.ParticipantID < b.ParticipantID
}

// visibleChanged 判断可见的成员或顺序（含分数）是否发生变化
func visibleChanged(old, updated []model.LeaderboardEntry) bool {
	if len(old) != len(updated) {
		return true
	}
	for i := range old {
		if old[i].ParticipantID != updated[i].ParticipantID || old[i].Score != updated[i].Score {
			return true
		}
	}
	return false
}
