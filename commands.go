package redis

import "strconv"

// commands.go layers named, typed-argument convenience methods over
// CommandClient.Call for the common verbs. Every one of them is a thin
// wrapper: arguments are formatted to strings and handed to Call, and the
// returned Future carries whatever Frame.Value() produces for that reply
// shape (int64 for integer replies, []byte for bulk, []interface{} for
// arrays). None of this is required to talk to the server — Call alone
// covers every verb — it exists purely so the common case reads like a
// command name instead of a string literal.

// Get executes <https://redis.io/commands/get>. The resolved value is nil
// if key does not exist.
func (c *CommandClient) Get(key string) *Future {
	return c.Call("get", key)
}

// MGet executes <https://redis.io/commands/mget>, resolving with one
// []interface{} element per key, in the same order, nil where a key does
// not exist.
func (c *CommandClient) MGet(keys ...string) *Future {
	return c.Call("mget", keys...)
}

// Set executes <https://redis.io/commands/set>.
func (c *CommandClient) Set(key, value string) *Future {
	return c.Call("set", key, value)
}

// Del executes <https://redis.io/commands/del>.
func (c *CommandClient) Del(key string) *Future {
	return c.Call("del", key)
}

// Incr executes <https://redis.io/commands/incr>.
func (c *CommandClient) Incr(key string) *Future {
	return c.Call("incr", key)
}

// IncrBy executes <https://redis.io/commands/incrby>.
func (c *CommandClient) IncrBy(key string, increment int64) *Future {
	return c.Call("incrby", key, strconv.FormatInt(increment, 10))
}

// Append executes <https://redis.io/commands/append>.
func (c *CommandClient) Append(key, value string) *Future {
	return c.Call("append", key, value)
}

// LLen executes <https://redis.io/commands/llen>. The resolved value is 0
// if key does not exist.
func (c *CommandClient) LLen(key string) *Future {
	return c.Call("llen", key)
}

// LIndex executes <https://redis.io/commands/lindex>. The resolved value is
// nil if key does not exist or index is out of range.
func (c *CommandClient) LIndex(key string, index int64) *Future {
	return c.Call("lindex", key, strconv.FormatInt(index, 10))
}

// LRange executes <https://redis.io/commands/lrange>. The resolved value is
// empty if key does not exist.
func (c *CommandClient) LRange(key string, start, stop int64) *Future {
	return c.Call("lrange", key, strconv.FormatInt(start, 10), strconv.FormatInt(stop, 10))
}

// LPop executes <https://redis.io/commands/lpop>. The resolved value is nil
// if key does not exist.
func (c *CommandClient) LPop(key string) *Future {
	return c.Call("lpop", key)
}

// RPop executes <https://redis.io/commands/rpop>. The resolved value is nil
// if key does not exist.
func (c *CommandClient) RPop(key string) *Future {
	return c.Call("rpop", key)
}

// LTrim executes <https://redis.io/commands/ltrim>.
func (c *CommandClient) LTrim(key string, start, stop int64) *Future {
	return c.Call("ltrim", key, strconv.FormatInt(start, 10), strconv.FormatInt(stop, 10))
}

// LSet executes <https://redis.io/commands/lset>.
func (c *CommandClient) LSet(key string, index int64, value string) *Future {
	return c.Call("lset", key, strconv.FormatInt(index, 10), value)
}

// LPush executes <https://redis.io/commands/lpush>.
func (c *CommandClient) LPush(key, value string) *Future {
	return c.Call("lpush", key, value)
}

// RPush executes <https://redis.io/commands/rpush>.
func (c *CommandClient) RPush(key, value string) *Future {
	return c.Call("rpush", key, value)
}

// HGet executes <https://redis.io/commands/hget>. The resolved value is nil
// if key or field does not exist.
func (c *CommandClient) HGet(key, field string) *Future {
	return c.Call("hget", key, field)
}

// HSet executes <https://redis.io/commands/hset>.
func (c *CommandClient) HSet(key, field, value string) *Future {
	return c.Call("hset", key, field, value)
}

// HDel executes <https://redis.io/commands/hdel>.
func (c *CommandClient) HDel(key, field string) *Future {
	return c.Call("hdel", key, field)
}

// Move executes <https://redis.io/commands/move>.
func (c *CommandClient) Move(key string, db int64) *Future {
	return c.Call("move", key, strconv.FormatInt(db, 10))
}

// FlushDB executes <https://redis.io/commands/flushdb>.
func (c *CommandClient) FlushDB(async bool) *Future {
	if async {
		return c.Call("flushdb", "async")
	}
	return c.Call("flushdb")
}

// FlushAll executes <https://redis.io/commands/flushall>.
func (c *CommandClient) FlushAll(async bool) *Future {
	if async {
		return c.Call("flushall", "async")
	}
	return c.Call("flushall")
}

// Publish executes <https://redis.io/commands/publish>, resolving with the
// number of subscribers that received the message.
func (c *CommandClient) Publish(channel, message string) *Future {
	return c.Call("publish", channel, message)
}
