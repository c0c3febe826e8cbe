package backoff

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type BackoffWrapper struct {
	ctx       context.Context
	operation backoff.Operation[any]
	options   []backoff.RetryOption
}

func NewBackoff(ctx context.Context, initialInterval time.Duration, randomizationFactor float64, multiplier float64, maxTries uint) *BackoffWrapper {
	exponentialBackOff := backoff.NewExponentialBackOff()

	// リトライの初期間隔
	exponentialBackOff.InitialInterval = initialInterval
	// リトライ間隔を決めるランダム値
	exponentialBackOff.RandomizationFactor = randomizationFactor
	// リトライ間隔を決める乗数
	exponentialBackOff.Multiplier = multiplier

	// v5の場合、操作は設定された最大回数まで実行され、Notifyは試行と試行の間（最大回数-1回）に呼ばれる。
	options := []backoff.RetryOption{backoff.WithBackOff(exponentialBackOff), backoff.WithMaxTries(maxTries)}

	return &BackoffWrapper{
		ctx:     ctx,
		options: options,
	}
}

func (b *BackoffWrapper) SetDoOperation(o backoff.Operation[any]) {
	b.operation = o
}

func (b *BackoffWrapper) SetNotify(n backoff.Notify) {
	b.options = append(b.options, backoff.WithNotify(n))
}

// Exec はリトライ付きで操作を実行し、最後の結果とエラーを返します。
func (b *BackoffWrapper) Exec() (any, error) {
	return backoff.Retry(b.ctx, b.operation, b.options...)
}
