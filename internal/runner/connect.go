package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/eddiefleurent/scranton_condor/internal/broker"
	"github.com/eddiefleurent/scranton_condor/internal/models"
	"github.com/sirupsen/logrus"
)

// ConnectPolicy bounds session establishment.
type ConnectPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
	MaxRounds       uint // full passes over the endpoint list; 0 means unbounded
}

// DefaultConnectPolicy is used for unset fields.
var DefaultConnectPolicy = ConnectPolicy{
	InitialInterval: time.Second,
	MaxInterval:     30 * time.Second,
	MaxElapsed:      2 * time.Minute,
	MaxRounds:       5,
}

// connect opens session on b, trying every endpoint in order on each round
// and backing off exponentially between rounds. Exhaustion is reported as
// models.ErrConnectivity.
func connect(ctx context.Context, b broker.Broker, endpoints []string, clientID int, policy ConnectPolicy, log *logrus.Entry) (broker.Session, error) {
	if len(endpoints) == 0 {
		endpoints = []string{""}
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = DefaultConnectPolicy.InitialInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = DefaultConnectPolicy.MaxInterval
	}
	if policy.MaxElapsed <= 0 {
		policy.MaxElapsed = DefaultConnectPolicy.MaxElapsed
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialInterval
	bo.MaxInterval = policy.MaxInterval

	round := 0
	operation := func() (broker.Session, error) {
		round++
		var errs []error
		for _, ep := range endpoints {
			session := broker.Session{Endpoint: ep, ClientID: clientID}
			err := b.Connect(ctx, session)
			if err == nil {
				log.WithFields(logrus.Fields{"endpoint": ep, "client_id": clientID, "round": round}).Info("Connected")
				return session, nil
			}
			if ctx.Err() != nil {
				return broker.Session{}, backoff.Permanent(ctx.Err())
			}
			log.WithError(err).WithField("endpoint", ep).Warn("Connect attempt failed")
			errs = append(errs, err)
		}
		return broker.Session{}, errors.Join(errs...)
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(policy.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.WithField("retry_in", next.String()).Warn("All endpoints refused, backing off")
		}),
	}
	if policy.MaxRounds > 0 {
		opts = append(opts, backoff.WithMaxTries(policy.MaxRounds))
	}

	session, err := backoff.Retry(ctx, operation, opts...)
	if err != nil {
		if ctx.Err() != nil {
			return broker.Session{}, ctx.Err()
		}
		return broker.Session{}, fmt.Errorf("%w: client %d after %d rounds: %w", models.ErrConnectivity, clientID, round, err)
	}
	return session, nil
}
