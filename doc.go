// Package redisrate provides distributed rate limiting backed by Redis.
//
// Limits are enforced with the Generic Cell Rate Algorithm (GCRA). Each key
// stores a single timestamp in Redis and every check is one atomic script
// call, so any number of processes can share a limit.
//
// # Quick Start
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	limiter, err := redisrate.New(store.NewRedisStore(client))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	limit := redisrate.MustLimit(10, 20, time.Minute) // 10/min, bursts of 20
//	decision, err := limiter.Allow(ctx, "user-123", limit)
//	if err != nil {
//	    // Redis unreachable: no decision was made
//	}
//	if decision.Limited {
//	    fmt.Printf("Rate limited. Retry after %v\n", decision.RetryAfter)
//	}
//
// # Acceleration
//
// A limiter remembers keys it has seen rejected and answers further checks
// for them locally until the rejection expires. The cache never answers
// "allowed". After Reset, other processes learn about the reset through a
// pub/sub event; run the listener to receive them:
//
//	go redisrate.Supervise(ctx, limiter.Listen, redisrate.Backoff{}, logger)
//
// Disable with WithAcceleration(false).
//
// # Errors
//
// A rejected request is a Decision with Limited set, never an error. Errors
// mean no decision was made: invalid input (ErrInvalidKey, ErrInvalidLimit,
// ErrInvalidCost) or a store failure (ErrBackendUnavailable).
package redisrate
