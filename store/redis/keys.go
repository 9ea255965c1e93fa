package redis

// Redis key naming conventions for delivery ledger data.
// All keys are prefixed with "conveyor:" to avoid collisions.

const keyPrefix = "conveyor:"

// deliveryKey returns the Hash key for a record: conveyor:delivery:{id}
func deliveryKey(id string) string { return keyPrefix + "delivery:" + id }

// deliveryIDsKey is the Set tracking all record IDs for enumeration.
const deliveryIDsKey = keyPrefix + "delivery_ids"

// dueKey is the Sorted Set indexing retryable failures by their
// next_retry_at unix timestamp.
const dueKey = keyPrefix + "delivery_due"
