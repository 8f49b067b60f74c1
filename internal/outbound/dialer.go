package outbound

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"whatsapp-calling/internal/calls"
	"whatsapp-calling/internal/ratelimit"
	"whatsapp-calling/internal/telephony"
	"whatsapp-calling/pkg/logger"
	"whatsapp-calling/pkg/utils"
)

var ErrInvalidArgument = errors.New("invalid argument")

// RateChecker is the read side of the rate limiter.
type RateChecker interface {
	CheckAndReserve(ctx context.Context, accountID, contact string) (ratelimit.Decision, error)
}

// Registrar records a placed call. calls.Machine implements it and counts the
// call against the rate window exactly once.
type Registrar interface {
	RegisterOutbound(ctx context.Context, accountID, callID, contact string) (calls.CallRecord, error)
}

// Dialer is the only path that places business-initiated calls.
//
// Flow:
// - check the contact's window; deny with *ratelimit.ExceededError when full
// - place the call with the provider (circuit broken)
// - register the record, which counts the call
//
// Initiations for the same contact are serialized so two concurrent dials
// cannot both pass the check for the last slot.
type Dialer struct {
	limiter   RateChecker
	placer    telephony.CallPlacer
	registrar Registrar
	locks     *utils.KeyedMutex
}

func NewDialer(limiter RateChecker, placer telephony.CallPlacer, registrar Registrar) *Dialer {
	return &Dialer{
		limiter:   limiter,
		placer:    placer,
		registrar: registrar,
		locks:     utils.NewKeyedMutex(),
	}
}

// Result is the outcome of a successful dial.
type Result struct {
	Record   calls.CallRecord   `json:"call"`
	Decision ratelimit.Decision `json:"rate_limit"`
}

func (d *Dialer) Dial(ctx context.Context, accountID, contact string) (Result, error) {
	accountID = strings.TrimSpace(accountID)
	contact = strings.TrimSpace(contact)
	if accountID == "" || contact == "" {
		return Result{}, ErrInvalidArgument
	}
	if d.limiter == nil || d.placer == nil || d.registrar == nil {
		return Result{}, errors.New("dialer not configured")
	}
	log := logger.From(ctx).With("account_id", accountID, "contact", contact)

	unlock := d.locks.Lock(accountID + "|" + contact)
	defer unlock()

	dec, err := d.limiter.CheckAndReserve(ctx, accountID, contact)
	if err != nil {
		return Result{}, fmt.Errorf("rate check: %w", err)
	}
	if err := ratelimit.Exceeded(dec); err != nil {
		log.Info("outbound call denied by rate limit", "limit", dec.Limit, "reset_in", dec.ResetIn.String())
		return Result{Decision: dec}, err
	}

	callID, err := d.placer.PlaceCall(ctx, accountID, contact)
	if err != nil {
		log.Warn("outbound call placement failed", "err", err)
		return Result{Decision: dec}, err
	}

	rec, err := d.registrar.RegisterOutbound(ctx, accountID, callID, contact)
	if err != nil {
		// The provider already placed the call; the first webhook will
		// create and count the record.
		log.Error("outbound call placed but not registered", "call_id", callID, "err", err)
		return Result{}, fmt.Errorf("register call %s: %w", callID, err)
	}

	dec.CallCount++
	dec.Remaining = max(0, dec.Remaining-1)
	dec.Allowed = dec.CallCount < dec.Limit
	if dec.Limit > 0 {
		dec.UsagePercent = min(100, float64(dec.CallCount)/float64(dec.Limit)*100)
	}
	log.Info("outbound call placed", "call_id", callID)
	return Result{Record: rec, Decision: dec}, nil
}
