// Package retry повторяет операции с ограниченным экспоненциальным backoff.
//
// Используется supervisor'ом для записей в хранилище: временная ошибка
// БД не должна ронять итерацию, но и бесконечно повторять нельзя.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy - параметры повторов.
type Policy struct {
	MaxRetries int           // 0 = одна попытка без повторов
	InitDelay  time.Duration // задержка перед первым повтором
	MaxDelay   time.Duration // потолок задержки
	Multiplier float64
	Jitter     float64 // 0.0..1.0

	// Retryable решает, стоит ли повторять ошибку.
	// Nil означает "повторять всё, кроме отмены контекста".
	Retryable func(error) bool
}

// DefaultPolicy возвращает политику по умолчанию для записей в БД.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 5,
		InitDelay:  200 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// OnRetry вызывается перед каждым повтором.
type OnRetry func(attempt int, err error, delay time.Duration)

// Do выполняет fn, повторяя её по политике.
// Возвращает последнюю ошибку, если повторы исчерпаны.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, onRetry OnRetry) error {
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !p.retryable(ctx, err) || attempt >= p.MaxRetries {
			break
		}

		delay := p.delay(attempt)
		if onRetry != nil {
			onRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return lastErr
}

func (p Policy) retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

// delay: InitDelay * Multiplier^attempt, не больше MaxDelay, ± Jitter.
func (p Policy) delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		spread := d * p.Jitter
		d = d - spread + rand.Float64()*2*spread
	}
	return time.Duration(d)
}
