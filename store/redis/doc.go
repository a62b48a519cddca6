// Package redis implements the job store on go-redis. Suitable for
// high-throughput ephemeral workloads where the job backlog fits in
// memory. Jobs are stored as Hashes; each queue is a Sorted Set scored
// by run time, and ZREM acts as the atomic lease claim.
//
// The caller owns the client lifecycle -- redis never closes it. Pass
// the client through the constructor:
//
//	import (
//	    goredis "github.com/redis/go-redis/v9"
//	    "github.com/prefect421/conveyor/store/redis"
//	)
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	store := redis.New(client)
//	if err := store.Ping(ctx); err != nil { ... }
package redis
