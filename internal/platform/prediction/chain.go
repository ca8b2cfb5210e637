package prediction

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Observer is told the outcome of every provider attempt.
type Observer interface {
	ProviderResult(provider string, err error)
}

// Chain tries each provider in order and returns the first success.
type Chain struct {
	providers []Provider
	logger    zerolog.Logger
	observer  Observer
}

func NewChain(logger zerolog.Logger, providers ...Provider) *Chain {
	return &Chain{providers: providers, logger: logger}
}

func (c *Chain) Name() string { return "chain" }

// Observe attaches an Observer; nil detaches it.
func (c *Chain) Observe(o Observer) { c.observer = o }

// Providers returns the configured providers in call order.
func (c *Chain) Providers() []Provider { return c.providers }

func (c *Chain) Predict(ctx context.Context, subjectID int64, features Features) (*Prediction, error) {
	if len(c.providers) == 0 {
		return nil, ErrNoProvider
	}

	var errs []error
	for _, p := range c.providers {
		pred, err := p.Predict(ctx, subjectID, features)
		if c.observer != nil {
			c.observer.ProviderResult(p.Name(), err)
		}
		if err == nil {
			return pred, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn().Err(err).Str("provider", p.Name()).Int64("subject_id", subjectID).Msg("prediction provider failed")
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return nil, fmt.Errorf("%w: %w", ErrNoProvider, errors.Join(errs...))
}
