package redis

const (
	// releaseLockScript deletes the write lock only while it still holds
	// the caller's token, so an expired lock taken over by another writer
	// is left alone.
	releaseLockScript = `
local lock_key = KEYS[1]        -- {prefix}:lock

local token = ARGV[1]

if redis.call('GET', lock_key) == token then
  return redis.call('DEL', lock_key)
end

return 0
`
)
