/*
Package resilience provides a circuit breaker for remote session setup.

# Overview

Dialing a dead endpoint repeatedly is slow and noisy. The breaker counts
consecutive failures and, once tripped, rejects calls immediately until a
timeout elapses and a trial call succeeds.

# Usage

	breaker := resilience.New("remote", resilience.Settings{
		Timeout:     30 * time.Second,
		ReadyToTrip: resilience.TripAfter(5),
	})

	session, err := resilience.Execute(breaker, func() (*Session, error) {
		return dial(ctx)
	})

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                    [failure]
	                                           |
	                                           v
	                                         Open
*/
package resilience
