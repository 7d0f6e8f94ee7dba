package proxy

import (
	"context"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
)

// bindWithRetry calls listen until it returns no error, the retries limit is
// reached, or ctx is canceled, waiting for the configured interval between
// attempts.  listen must not be nil and should carry the result of the binding
// operation itself.  The returned error is the one of the first attempt.
func (p *Proxy) bindWithRetry(ctx context.Context, listen func() (err error)) (err error) {
	err = listen()
	if err == nil {
		return nil
	}

	p.logger.WarnContext(ctx, "binding", "attempt", 1, slogutil.KeyError, err)

	for attempt := uint(1); attempt <= p.bindRetryNum; attempt++ {
		t := time.NewTimer(p.bindRetryIvl)
		select {
		case <-ctx.Done():
			t.Stop()

			return errors.Join(err, ctx.Err())
		case <-t.C:
		}

		retryErr := listen()
		if retryErr == nil {
			return nil
		}

		p.logger.WarnContext(ctx, "binding", "attempt", attempt+1, slogutil.KeyError, retryErr)
	}

	return err
}
