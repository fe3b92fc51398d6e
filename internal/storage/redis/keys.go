package redis

import "github.com/goodtune/rotator/internal/storage"

// keyspace builds every key the store touches. All keys share the
// configured prefix so several deployments can share one Redis database.
//
//	{p}:account:{id}                  hash   account record
//	{p}:account:{id}:quotas           set    providers with a quota record
//	{p}:account:{id}:sessions         set    session ids of the account
//	{p}:owner:{owner}:accounts        set    account ids of the owner
//	{p}:owner:{owner}:email:{email}   string account id holding the address
//	{p}:owner:{owner}:sessions        zset   session ids scored by start (ms)
//	{p}:owner:{owner}:open            string id of the owner's open session
//	{p}:quota:{id}:{provider}         hash   quota record
//	{p}:session:{id}                  hash   session record
//	{p}:lock                          string write lock token
type keyspace struct {
	prefix string
}

func (k keyspace) account(id string) string {
	return k.prefix + ":account:" + id
}

func (k keyspace) accountQuotas(id string) string {
	return k.prefix + ":account:" + id + ":quotas"
}

func (k keyspace) accountSessions(id string) string {
	return k.prefix + ":account:" + id + ":sessions"
}

func (k keyspace) ownerAccounts(owner string) string {
	return k.prefix + ":owner:" + owner + ":accounts"
}

func (k keyspace) email(owner, email string) string {
	return k.prefix + ":owner:" + owner + ":email:" + storage.EmailKey(email)
}

func (k keyspace) ownerSessions(owner string) string {
	return k.prefix + ":owner:" + owner + ":sessions"
}

func (k keyspace) open(owner string) string {
	return k.prefix + ":owner:" + owner + ":open"
}

func (k keyspace) quota(accountID string, provider storage.Provider) string {
	return k.prefix + ":quota:" + accountID + ":" + string(provider)
}

func (k keyspace) session(id string) string {
	return k.prefix + ":session:" + id
}

func (k keyspace) lock() string {
	return k.prefix + ":lock"
}
