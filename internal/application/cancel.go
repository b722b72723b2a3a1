package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"txledger/internal/domain"

	"github.com/lightningnetwork/lnd/clock"
)

// MinCancelFeePremiumPercent is the smallest fee bump a replacement may carry.
const MinCancelFeePremiumPercent = 20

// Cancellation outcomes reported to the observer.
const (
	CancelSubmitted   = "submitted"
	CancelNonceRace   = "nonce_race"
	CancelUnderpriced = "underpriced"
	CancelDuplicate   = "duplicate"
	CancelFailed      = "failed"
)

type FeeNode interface {
	EstimateFeeRate(ctx context.Context) (*big.Int, error)
}

// Canceller builds and submits same-nonce, zero-value self-transfers that
// outbid a pending submission. It does not decide who wins the race; that is
// settled by whichever hash a receipt attaches to.
type Canceller struct {
	fees           FeeNode
	sender         TransactionSender
	premiumPercent int64
	clock          clock.Clock
	observer       Observer
}

func NewCanceller(fees FeeNode, sender TransactionSender, premiumPercent int, clk clock.Clock, observer Observer) (*Canceller, error) {
	if fees == nil || sender == nil {
		return nil, errors.New("canceller dependencies must not be nil")
	}
	if premiumPercent < MinCancelFeePremiumPercent {
		return nil, fmt.Errorf("cancel fee premium %d%% is below the %d%% minimum", premiumPercent, MinCancelFeePremiumPercent)
	}
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Canceller{
		fees:           fees,
		sender:         sender,
		premiumPercent: int64(premiumPercent),
		clock:          clk,
		observer:       observer,
	}, nil
}

// Cancel submits the replacement for sub and returns it as a submission ready
// to be tracked. A consumed nonce is reported as ErrNonceRace.
func (c *Canceller) Cancel(ctx context.Context, sub domain.PendingSubmission) (domain.PendingSubmission, error) {
	sub = sub.Normalize()
	feeRate, err := c.ReplacementFeeRate(ctx, sub)
	if err != nil {
		c.observer.OnCancellation(CancelFailed)
		return domain.PendingSubmission{}, err
	}

	hash, err := c.sender.SendTransaction(ctx, SendRequest{
		From:     sub.From,
		To:       sub.From,
		Value:    new(big.Int),
		Nonce:    sub.Nonce,
		GasPrice: feeRate,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrNonceRace):
			c.observer.OnCancellation(CancelNonceRace)
		case errors.Is(err, ErrReplacementUnderpriced):
			c.observer.OnCancellation(CancelUnderpriced)
		case errors.Is(err, ErrAlreadySubmitted):
			c.observer.OnCancellation(CancelDuplicate)
		default:
			c.observer.OnCancellation(CancelFailed)
		}
		return domain.PendingSubmission{}, err
	}
	c.observer.OnCancellation(CancelSubmitted)

	slog.Info("cancellation submitted",
		"original", sub.Hash,
		"replacement", hash,
		"from", sub.From,
		"nonce", sub.Nonce,
		"fee_rate", feeRate.String(),
	)

	return domain.PendingSubmission{
		Hash:        hash,
		From:        sub.From,
		To:          sub.From,
		Amount:      "0.0",
		Asset:       domain.AssetNative,
		Nonce:       sub.Nonce,
		SubmittedAt: c.clock.Now(),
		FeeRate:     feeRate.String(),
		Replaces:    sub.Hash,
	}.Normalize(), nil
}

// ReplacementFeeRate bumps the higher of the original bid and the node's
// current estimate by the configured premium, rounding up.
func (c *Canceller) ReplacementFeeRate(ctx context.Context, sub domain.PendingSubmission) (*big.Int, error) {
	base := new(big.Int)
	if original, ok := ParseWei(sub.FeeRate); ok {
		base.Set(original)
	}
	estimate, err := c.fees.EstimateFeeRate(ctx)
	if err != nil {
		return nil, err
	}
	if estimate != nil && estimate.Cmp(base) > 0 {
		base.Set(estimate)
	}
	if base.Sign() == 0 {
		return nil, errors.New("no fee rate available for replacement")
	}

	bumped := new(big.Int).Mul(base, big.NewInt(100+c.premiumPercent))
	bumped.Add(bumped, big.NewInt(99))
	return bumped.Quo(bumped, big.NewInt(100)), nil
}
