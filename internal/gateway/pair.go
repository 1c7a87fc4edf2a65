package gateway

import (
	"context"
	"fmt"
	"log/slog"
)

// GatewayURL is Discord's documented gateway endpoint, pinned to the
// JSON wire format at API version 10.
const GatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// Pair owns the two gateway sessions a generation needs: the user
// token (required to send interactions) and the bot token (receives
// richer payloads, including component metadata on grid messages).
// Both forward DISPATCH events to the same handler so a caller sees
// one merged stream; deduplication by message id happens upstream in
// the observer, not here.
type Pair struct {
	User *Session
	Bot  *Session
}

// NewPair constructs both sessions against the same gateway URL and
// dispatch handler.
func NewPair(userToken, botToken string, onEvent DispatchHandler, logger *slog.Logger) *Pair {
	return &Pair{
		User: NewSession(userToken, false, GatewayURL, onEvent, logger),
		Bot:  NewSession(botToken, true, GatewayURL, onEvent, logger),
	}
}

// Start connects both sessions concurrently and waits for both to
// reach their first READY (or fail fatally). If either session fails
// fatally, the other is stopped and the error is returned.
func (p *Pair) Start(ctx context.Context) error {
	type result struct {
		who string
		err error
	}
	results := make(chan result, 2)

	go func() { results <- result{"user", p.User.Start(ctx)} }()
	go func() { results <- result{"bot", p.Bot.Start(ctx)} }()

	var firstErr error
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s session: %w", r.who, r.err)
		}
	}
	if firstErr != nil {
		p.Stop()
		return firstErr
	}
	return nil
}

// Stop tears down both sessions.
func (p *Pair) Stop() {
	p.User.Stop()
	p.Bot.Stop()
}

// SessionID returns the user session's session_id: interactions are
// sent with the user token, so that is the id Discord's interactions
// API expects on every request payload.
func (p *Pair) SessionID() string {
	return p.User.SessionID()
}
