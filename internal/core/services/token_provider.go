package services

import (
	"context"
	"errors"
	"fmt"

	"teleconsulta/internal/core/domain"
	"teleconsulta/internal/core/ports"
)

// TokenState is the provider's view of the current credential.
type TokenState struct {
	Credential *domain.Credential
	RoomName   domain.RoomName
	Connected  bool
	Err        error
}

// TokenProvider acquires join credentials for a consultation. It runs on the
// session loop; the fetch itself is handed to the executor.
type TokenProvider struct {
	env         Env
	fetcher     ports.TokenFetcher
	participant string

	state    TokenState
	inFlight bool
	epoch    uint64

	onResult func(TokenState)
}

func NewTokenProvider(env Env, fetcher ports.TokenFetcher, participant string) *TokenProvider {
	return &TokenProvider{
		env:         env.withDefaults(),
		fetcher:     fetcher,
		participant: participant,
	}
}

// OnResult registers the callback run on the loop after each completed fetch.
func (p *TokenProvider) OnResult(fn func(TokenState)) {
	p.onResult = fn
}

// Connect starts fetching a credential for identifier. A call made while a
// fetch is running does nothing and returns domain.ErrConnectInFlight.
func (p *TokenProvider) Connect(ctx context.Context, identifier string) error {
	if p.inFlight {
		return domain.ErrConnectInFlight
	}
	if err := domain.ValidateIdentifier(identifier); err != nil {
		p.state = TokenState{Err: err}
		return err
	}

	room := domain.NormalizeRoomName(identifier)
	p.inFlight = true
	p.state = TokenState{RoomName: room}

	epoch := p.epoch
	req := ports.TokenRequest{RoomName: room, ParticipantName: p.participant}
	started := p.env.Clock.Now()

	p.env.Logger.Infow("requesting session token", "room_name", room)

	p.env.Exec.Go(func() {
		cred, err := p.fetcher.FetchToken(ctx, req)
		p.env.Loop.Post(func() {
			p.env.Metrics.ObserveTokenFetch(p.env.Clock.Now().Sub(started), err)
			p.finish(epoch, room, cred, err)
		})
	})
	return nil
}

func (p *TokenProvider) finish(epoch uint64, room domain.RoomName, cred *domain.Credential, err error) {
	if epoch != p.epoch {
		return
	}
	p.inFlight = false

	switch {
	case err == nil && cred == nil:
		err = fmt.Errorf("%w: empty credential", domain.ErrTokenAcquisition)
		fallthrough
	case err != nil:
		if !errors.Is(err, domain.ErrTokenAcquisition) {
			err = fmt.Errorf("%w: %v", domain.ErrTokenAcquisition, err)
		}
		p.state = TokenState{RoomName: room, Err: err}
		p.env.Logger.Warnw("session token request failed", "room_name", room, "error", err)
	default:
		c := *cred
		if c.RoomName == "" {
			c.RoomName = room
		}
		p.state = TokenState{Credential: &c, RoomName: c.RoomName, Connected: true}
		p.env.Logger.Infow("session token acquired", "room_name", c.RoomName, "relay_url", c.RelayURL)
	}

	if p.onResult != nil {
		p.onResult(p.state)
	}
}

// Disconnect drops the credential. A fetch still running is ignored when it
// completes. It does not touch the relay connection.
func (p *TokenProvider) Disconnect() {
	p.epoch++
	p.inFlight = false
	p.state = TokenState{}
}

func (p *TokenProvider) State() TokenState {
	return p.state
}

func (p *TokenProvider) InFlight() bool {
	return p.inFlight
}
