package checkpoint

import (
	"testing"
	"time"

	"github.com/lvdashuaibi/littlerank/internal/broadcast"
	"github.com/lvdashuaibi/littlerank/internal/leaderboard"
	"github.com/lvdashuaibi/littlerank/internal/model"
)

type fakeSink struct {
	written []*model.BroadcastMessage
}

func (s *fakeSink) SetLeaderboardSnapshot(msg *model.BroadcastMessage) (bool, error) {
	s.written = append(s.written, msg)
	return true, nil
}

type fakeLock struct{}

func (l *fakeLock) AcquireLock(lockName string, timeout time.Duration) (bool, error) {
	return true, nil
}
func (l *fakeLock) RefreshLock(lockName string, timeout time.Duration) (bool, error) {
	return true, nil
}
func (l *fakeLock) ReleaseLock(lockName string) error { return nil }
func (l *fakeLock) ReleaseAllLocks()                  {}
func (l *fakeLock) Close() error                      { return nil }

// 检查点写入的是最近一次广播的消息，序列号与快照内容在发布时配对，
// 不受榜单此后未广播的变化影响
func TestWriteSnapshotUsesLatestBroadcast(t *testing.T) {
	index := leaderboard.NewIndex(10)
	hub := broadcast.NewHub(4)
	defer hub.Close()

	now := time.Now()
	index.Update("A", 100, now)
	hub.Publish(index.Snapshot())

	// 榜单又有了新变化，但尚未发布
	index.Update("A", 200, now.Add(time.Second))

	sink := &fakeSink{}
	c := NewCheckpointer(index, hub, sink, &fakeLock{}, true)
	c.writeSnapshot()

	if len(sink.written) != 1 {
		t.Fatalf("应写入1条快照，实际写入 %d 条", len(sink.written))
	}
	msg := sink.written[0]
	if msg.Sequence != 1 {
		t.Fatalf("快照序列号应为1，实际为 %d", msg.Sequence)
	}
	if len(msg.Entries) != 1 || msg.Entries[0].Score != 100 {
		t.Fatalf("快照应为序列号1发布时的内容，实际为 %+v", msg.Entries)
	}
}

// 尚未广播过时回退到当前榜单内容
func TestWriteSnapshotColdStartFallback(t *testing.T) {
	index := leaderboard.NewIndex(10)
	hub := broadcast.NewHub(4)
	defer hub.Close()

	index.Update("A", 50, time.Now())

	sink := &fakeSink{}
	c := NewCheckpointer(index, hub, sink, &fakeLock{}, true)
	c.writeSnapshot()

	if len(sink.written) != 1 {
		t.Fatalf("应写入1条快照，实际写入 %d 条", len(sink.written))
	}
	msg := sink.written[0]
	if msg.Sequence != 0 {
		t.Fatalf("未广播过时快照序列号应为0，实际为 %d", msg.Sequence)
	}
	if len(msg.Entries) != 1 || msg.Entries[0].Score != 50 {
		t.Fatalf("快照应为当前榜单内容，实际为 %+v", msg.Entries)
	}
}
