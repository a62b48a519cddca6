// Package queue defines the queue abstraction with priority ordering
// and per-queue rate limiting.
//
// Queues are named channels that group related jobs: "fetch" for
// downloads, "enrichment" for metadata work, "analysis" for probing.
// Jobs carry a Queue field that determines which queue they belong to.
// The worker pool polls the queues listed in [conveyor.Config.Queues]
// in round-robin order so a busy fetch queue cannot starve analysis.
//
// # Per-Queue Configuration
//
// Use [Config] to set per-queue rate limits and concurrency caps:
//
//	queue.Config{
//	    Name:           "fetch",
//	    MaxConcurrency: 3,      // at most 3 concurrent downloads
//	    RateLimit:      1,      // max 1 fetch/s started from this queue
//	    RateBurst:      2,      // allow bursts up to 2
//	}
//
// Pass configs when building the engine:
//
//	engine.New(
//	    engine.WithQueueConfig(
//	        queue.Config{Name: "fetch", MaxConcurrency: 3},
//	        queue.Config{Name: "enrichment", RateLimit: 5, RateBurst: 10},
//	    ),
//	)
//
// # Manager
//
// [Manager] enforces per-queue limits at lease time. It uses a
// token-bucket rate limiter (golang.org/x/time/rate) and an
// active-count gate for concurrency limits.
//
//	m := queue.NewManager(configs...)
//	if m.Acquire(queueName) {
//	    defer m.Release(queueName)
//	    // process the job
//	}
//
// Queues without a [Config] have no limits beyond the pool-wide concurrency.
package queue
