package redis

// Redis key naming conventions. All keys are prefixed with "conveyor:"
// to avoid collisions with other tenants of the same database.

const keyPrefix = "conveyor:"

// jobKey returns the Hash key for a job entity: conveyor:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// queueKey returns the Sorted Set key for a queue: conveyor:queue:{name}
func queueKey(name string) string { return keyPrefix + "queue:" + name }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"
