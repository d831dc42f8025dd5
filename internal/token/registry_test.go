package token

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lvdashuaibi/littlerank/internal/model"
)

func TestIssueAndRedeem(t *testing.T) {
	r := NewRegistry(time.Minute, time.Minute)

	issued, err := r.Issue("A", "daily_checkin", 100, time.Minute)
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}
	if issued.ID == "" {
		t.Fatal("令牌ID不能为空")
	}
	if issued.State != model.TokenUnredeemed {
		t.Fatalf("新令牌状态应为未兑换，实际为 %v", issued.State)
	}

	redeemed, err := r.Redeem(issued.ID)
	if err != nil {
		t.Fatalf("兑换令牌失败: %v", err)
	}
	if redeemed.ParticipantID != "A" || redeemed.PointValue != 100 {
		t.Fatalf("兑换结果错误: %+v", redeemed)
	}
}

func TestIssueInvalidPointValue(t *testing.T) {
	r := NewRegistry(time.Minute, time.Minute)

	for _, value := range []int64{0, -1} {
		if _, err := r.Issue("A", "bad", value, time.Minute); !errors.Is(err, model.ErrInvalidPointValue) {
			t.Fatalf("积分值 %d 应返回 ErrInvalidPointValue，实际为 %v", value, err)
		}
	}
}

func TestRedeemNotFound(t *testing.T) {
	r := NewRegistry(time.Minute, time.Minute)

	if _, err := r.Redeem("no-such-token"); !errors.Is(err, model.ErrTokenNotFound) {
		t.Fatalf("应返回 ErrTokenNotFound，实际为 %v", err)
	}
}

func TestRedeemTwice(t *testing.T) {
	r := NewRegistry(time.Minute, time.Minute)

	issued, err := r.Issue("A", "daily_checkin", 10, time.Minute)
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}

	if _, err := r.Redeem(issued.ID); err != nil {
		t.Fatalf("首次兑换失败: %v", err)
	}
	if _, err := r.Redeem(issued.ID); !errors.Is(err, model.ErrTokenAlreadyUsed) {
		t.Fatalf("重复兑换应返回 ErrTokenAlreadyUsed，实际为 %v", err)
	}
}

func TestRedeemExpired(t *testing.T) {
	r := NewRegistry(time.Minute, time.Minute)

	issued, err := r.Issue("A", "daily_checkin", 10, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	if _, err := r.Redeem(issued.ID); !errors.Is(err, model.ErrTokenExpired) {
		t.Fatalf("过期兑换应返回 ErrTokenExpired，实际为 %v", err)
	}
}

// 同一令牌的并发兑换必须恰好一个成功，其余全部返回 ErrTokenAlreadyUsed
func TestConcurrentRedeemExactlyOnce(t *testing.T) {
	r := NewRegistry(time.Minute, time.Minute)

	issued, err := r.Issue("A", "daily_checkin", 10, time.Minute)
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}

	const workers = 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	alreadyUsed := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Redeem(issued.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, model.ErrTokenAlreadyUsed):
				alreadyUsed++
			default:
				t.Errorf("意外的兑换错误: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("并发兑换成功次数应为1，实际为 %d", succeeded)
	}
	if alreadyUsed != workers-1 {
		t.Fatalf("ErrTokenAlreadyUsed 次数应为 %d，实际为 %d", workers-1, alreadyUsed)
	}
}

func TestReclaimRespectsRetention(t *testing.T) {
	retention := time.Minute
	r := NewRegistry(retention, time.Minute)

	redeemedToken, err := r.Issue("A", "daily_checkin", 10, time.Minute)
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}
	if _, err := r.Redeem(redeemedToken.ID); err != nil {
		t.Fatalf("兑换令牌失败: %v", err)
	}

	expiredToken, err := r.Issue("B", "daily_checkin", 10, time.Millisecond)
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}

	// 保留窗口内不回收，重复提交仍能得到确定性错误
	if removed := r.reclaim(time.Now()); removed != 0 {
		t.Fatalf("保留窗口内不应回收令牌，实际回收 %d 个", removed)
	}
	if _, err := r.Redeem(redeemedToken.ID); !errors.Is(err, model.ErrTokenAlreadyUsed) {
		t.Fatalf("保留窗口内重复兑换应返回 ErrTokenAlreadyUsed，实际为 %v", err)
	}

	// 超过保留窗口后全部回收
	removed := r.reclaim(time.Now().Add(retention + time.Minute))
	if removed != 2 {
		t.Fatalf("应回收2个令牌，实际回收 %d 个", removed)
	}
	if _, err := r.Redeem(redeemedToken.ID); !errors.Is(err, model.ErrTokenNotFound) {
		t.Fatalf("回收后兑换应返回 ErrTokenNotFound，实际为 %v", err)
	}
	if _, ok := r.Get(expiredToken.ID); ok {
		t.Fatal("过期令牌回收后不应再能查询到")
	}
}
