package bridge

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-rpc/contracts"
)

// listenLoop polls the reply address until ctx ends. Poll errors are logged
// and retried after one poll interval.
func (b *Bridge) listenLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		responses, err := b.consumer.Poll(ctx, b.config.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.metrics.recordPollError(ctx)
			b.logger.Warn("failed to poll responses", "error", err)
			if !sleepContext(ctx, b.config.PollInterval) {
				return nil
			}
			continue
		}

		for _, response := range responses {
			b.handleResponse(ctx, response)
		}
	}
}

// handleResponse resolves the pending request matching response. Responses
// without a pending request are late or duplicate and are dropped.
func (b *Bridge) handleResponse(ctx context.Context, response *contracts.ResponseEnvelope) {
	if err := response.Validate(); err != nil {
		b.logger.Warn("dropping malformed response", "error", err)
		return
	}

	entry, ok := b.table.remove(response.CorrelationID)
	if !ok {
		b.metrics.recordLate(ctx)
		b.logger.Debug("no pending request for response", "correlationId", response.CorrelationID)
		return
	}

	// at or past its deadline but not swept yet
	if !b.now().Before(entry.deadline) {
		b.logger.Debug("response arrived after deadline", "correlationId", entry.id)
		b.finish(ctx, entry, Result{
			Err: fmt.Errorf("%w: %s", ErrTimeout, entry.id),
		}, outcomeTimeout)
		return
	}

	if response.IsError() {
		b.finish(ctx, entry, Result{Err: &HandlerError{
			CorrelationID: response.CorrelationID,
			Code:          response.Error.Code,
			Message:       response.Error.Message,
		}}, outcomeHandlerFailure)
		return
	}
	b.finish(ctx, entry, Result{Response: response}, outcomeSuccess)
}
