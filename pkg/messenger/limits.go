package messenger

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/butlerhq/butlers/pkg/config"
	"github.com/butlerhq/butlers/pkg/envelope"
	"github.com/butlerhq/butlers/pkg/errclass"
)

// Admission layers three token buckets over outbound traffic: a global
// delivery budget, a per-channel budget and a per-recipient anti-flood
// budget. Replies draw from a reserved slice of the global budget so they
// keep flowing when bulk sends have drained it.
type Admission struct {
	global       *rate.Limiter
	replyReserve *rate.Limiter

	mu         sync.Mutex
	channels   map[string]*rate.Limiter
	recipients map[string]*rate.Limiter

	channelRPS      rate.Limit
	channelBurst    int
	recipientPerMin int
}

// NewAdmission builds the layered limiter set from delivery config.
func NewAdmission(cfg config.DeliveryConfig) *Admission {
	globalRPS := cfg.GlobalRPS
	if globalRPS <= 0 {
		globalRPS = 20
	}
	channelRPS := cfg.ChannelRPS
	if channelRPS <= 0 {
		channelRPS = 10
	}
	recipientPerMin := cfg.RecipientPerMin
	if recipientPerMin <= 0 {
		recipientPerMin = 12
	}
	return &Admission{
		global:          rate.NewLimiter(rate.Limit(globalRPS), globalRPS*2),
		replyReserve:    rate.NewLimiter(rate.Limit(globalRPS)/4, globalRPS/2+1),
		channels:        make(map[string]*rate.Limiter),
		recipients:      make(map[string]*rate.Limiter),
		channelRPS:      rate.Limit(channelRPS),
		channelBurst:    channelRPS * 2,
		recipientPerMin: recipientPerMin,
	}
}

// Admit charges all applicable buckets for one delivery. Reactions ride the
// request they decorate and skip the recipient bucket.
func (a *Admission) Admit(intent, channel, recipient string) error {
	if !a.global.Allow() {
		// Replies preempt bulk traffic under contention.
		if intent != envelope.IntentReply || !a.replyReserve.Allow() {
			return errclass.New(errclass.OverloadRejected, "global delivery budget exhausted")
		}
	}
	if !a.channelLimiter(channel).Allow() {
		return errclass.New(errclass.OverloadRejected, "channel %s delivery budget exhausted", channel)
	}
	if intent != envelope.IntentReact && recipient != "" {
		if !a.recipientLimiter(channel + ":" + recipient).Allow() {
			return errclass.New(errclass.OverloadRejected, "recipient flood budget exhausted")
		}
	}
	return nil
}

func (a *Admission) channelLimiter(channel string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.channels[channel]
	if !ok {
		l = rate.NewLimiter(a.channelRPS, a.channelBurst)
		a.channels[channel] = l
	}
	return l
}

func (a *Admission) recipientLimiter(key string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.recipients[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(a.recipientPerMin)/60.0), a.recipientPerMin)
		a.recipients[key] = l
	}
	return l
}
