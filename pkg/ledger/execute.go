package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxAttempts caps retries of each step, and re-broadcasts after a
	// confirmation timeout.
	MaxAttempts uint64
}

// DefaultRetryPolicy starts at 500ms, caps at 10s and allows 5 retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxAttempts:     5,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxAttempts), ctx)
}

// retryTransient runs op until it succeeds, fails permanently or the
// policy is exhausted. Only IsTransient errors are retried.
func retryTransient(ctx context.Context, p RetryPolicy, log *logrus.Entry, step string, op func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		log.WithError(err).WithFields(logrus.Fields{
			"step":    step,
			"attempt": attempt,
		}).Warn("transient ledger error, retrying")
		return err
	}, p.backOff(ctx))
}

// Execute prepares, broadcasts and confirms call.
//
// ctx is honoured until the transaction is first handed to the node.
// From then on the transaction may be mined regardless of the caller, so
// broadcasting and confirmation continue on a context that ignores
// cancellation. The returned PendingTx is non-nil once signing succeeded,
// even when a later step fails.
//
// A send that may have reached the node (accepted, or failed with a
// transient error) makes a later ErrNonceConsumed mean the transaction
// is already in the pool or mined, so Execute waits for its receipt. If
// no send ever reached the node the nonce is released.
func Execute(ctx context.Context, w Writer, call Call, p RetryPolicy, log *logrus.Entry) (*Receipt, *PendingTx, error) {
	log = log.WithField("method", call.Method)

	var tx *PendingTx
	err := retryTransient(ctx, p, log, "prepare", func() error {
		var err error
		tx, err = w.Prepare(ctx, call)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	if err := ctx.Err(); err != nil {
		release(w, tx)
		return nil, nil, err
	}

	detached := context.WithoutCancel(ctx)
	log = log.WithField("tx_hash", tx.Hash.Hex())

	reached := false
	broadcast := func() error {
		err := w.Broadcast(detached, tx)
		switch {
		case err == nil:
			reached = true
		case errors.Is(err, ErrNonceConsumed) && reached:
			log.WithError(err).Info("nonce taken after an earlier send, waiting for receipt")
			return nil
		case IsTransient(err):
			reached = true
		}
		return err
	}

	for round := uint64(0); ; round++ {
		err = retryTransient(detached, p, log, "broadcast", broadcast)
		if err != nil {
			if !reached {
				release(w, tx)
			}
			return nil, tx, err
		}

		receipt, err := w.WaitConfirmed(detached, tx)
		if err == nil {
			return receipt, tx, nil
		}
		if !errors.Is(err, ErrConfirmTimeout) || round >= p.MaxAttempts {
			return nil, tx, err
		}
		log.WithField("round", round+1).Warn("confirmation timed out, re-broadcasting")
	}
}

// release hands back the nonce of a transaction the node never saw.
func release(w Writer, tx *PendingTx) {
	if r, ok := w.(interface{ Release(*PendingTx) }); ok {
		r.Release(tx)
	}
}
