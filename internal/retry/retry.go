package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

var (
	randFloat64         = rand.Float64
	defaultBaseInterval = 100 * time.Millisecond
	defaultMaxInterval  = 5 * time.Second
)

// RetryはExponential Backoff and Jitter方式のリトライを行います。
//
// Jitterは 0.5 ~ 1.5のランダム値です。
type Retry struct {
	// 最大試行回数。0はリトライをし続けます。デフォルトは0です。
	MaxAttempt int

	// 基準リトライ間隔。デフォルトは100ミリ秒です。
	BaseInterval time.Duration

	// 最大基準リトライ間隔。デフォルトは5秒です。
	MaxBaseInterval time.Duration

	// 固定間隔でリトライします。trueの場合、BaseIntervalの間隔でJitterなしにリトライします。
	Constant bool
}

// RetryFuncは、リトライを実施する関数です。
type RetryFunc func() (end bool)

// Doは、fがtrueを返すか試行回数の上限に達するまでfを繰り返し実行します。
func (r Retry) Do(f RetryFunc) {
	_ = r.DoContext(context.Background(), f)
}

// DoContextは、Doと同様ですがコンテキストのキャンセルで待機を中断します。
//
// fがtrueを返した場合はnilを、試行回数の上限に達した場合はcontext.DeadlineExceededを、
// キャンセルされた場合はコンテキストのエラーを返却します。
func (r Retry) DoContext(ctx context.Context, f RetryFunc) error {
	baseInterval := r.BaseInterval
	if baseInterval == 0 {
		baseInterval = defaultBaseInterval
	}
	maxBaseInterval := r.MaxBaseInterval
	if maxBaseInterval == 0 {
		maxBaseInterval = defaultMaxInterval
	}
	var retryCount int
	for {
		if r.MaxAttempt != 0 && retryCount >= r.MaxAttempt {
			return context.DeadlineExceeded
		}
		if f() {
			return nil
		}
		sleep := baseInterval
		if !r.Constant {
			sleep = nextSleep(retryCount, baseInterval, maxBaseInterval)
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		retryCount++
	}
}

func nextSleep(count int, base, max time.Duration) time.Duration {
	baseInterval := float64(base) * math.Pow(2, float64(count))
	if baseInterval > float64(max) {
		baseInterval = float64(max)
	}

	jitter := 0.5 + randFloat64()
	return time.Duration(baseInterval * jitter)
}

func Do(f RetryFunc) {
	retry := Retry{}
	retry.Do(f)
}
