package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"transcribe/models"

	"github.com/redis/go-redis/v9"
)

// RedisActiveIndex keeps the Active-Job Index in Redis. Every (user, job
// type) pair owns two SETs of job ids, one per non-terminal state, so the
// concurrency check is a single SCARD. SREM is idempotent, which makes a
// double release harmless.
type RedisActiveIndex struct {
	client *redis.Client
	prefix string
}

func NewRedisActiveIndex(client *redis.Client, prefix string) *RedisActiveIndex {
	return &RedisActiveIndex{client: client, prefix: prefix}
}

func (r *RedisActiveIndex) ownersKey() string {
	return r.prefix + "active:owners"
}

func (r *RedisActiveIndex) setKey(userID, jobType string, state models.JobStatus) string {
	return fmt.Sprintf("%sactive:%s:%s", r.prefix, ownerMember(userID, jobType), state)
}

// Track records jobID under the given state, removing it from the other one
// in the same transaction.
func (r *RedisActiveIndex) Track(ctx context.Context, e models.ActiveEntry) error {
	from := models.StatusQueued
	if e.State == models.StatusQueued {
		from = models.StatusProcessing
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, r.setKey(e.UserID, e.JobType, from), e.JobID)
		pipe.SAdd(ctx, r.setKey(e.UserID, e.JobType, e.State), e.JobID)
		pipe.SAdd(ctx, r.ownersKey(), ownerMember(e.UserID, e.JobType))
		return nil
	})
	if err != nil {
		return fmt.Errorf("track active job %s: %w", e.JobID, err)
	}
	return nil
}

func (r *RedisActiveIndex) Release(ctx context.Context, userID, jobType, jobID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, r.setKey(userID, jobType, models.StatusQueued), jobID)
		pipe.SRem(ctx, r.setKey(userID, jobType, models.StatusProcessing), jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("release active job %s: %w", jobID, err)
	}
	return nil
}

func (r *RedisActiveIndex) CountProcessing(ctx context.Context, userID, jobType string) (int64, error) {
	return r.client.SCard(ctx, r.setKey(userID, jobType, models.StatusProcessing)).Result()
}

// pruneOwner drops an owner whose queued and processing sets are both
// empty. It runs as a script so a concurrent Track cannot be lost.
var pruneOwner = redis.NewScript(`
if redis.call("SCARD", KEYS[1]) == 0 and redis.call("SCARD", KEYS[2]) == 0 then
	return redis.call("SREM", KEYS[3], ARGV[1])
end
return 0
`)

func (r *RedisActiveIndex) cursorKey() string {
	return r.prefix + "active:sweep_cursor"
}

// Entries lists every index member.
func (r *RedisActiveIndex) Entries(ctx context.Context) ([]models.ActiveEntry, error) {
	var all []models.ActiveEntry
	var cursor uint64
	for {
		entries, next, err := r.scan(ctx, cursor, 0)
		all = append(all, entries...)
		if err != nil || next == 0 {
			return all, err
		}
		cursor = next
	}
}

// NextPage returns roughly limit entries following the sweep cursor stored
// in Redis and advances it, wrapping to the start after the last owner.
// Successive calls visit every entry, whichever process makes them.
func (r *RedisActiveIndex) NextPage(ctx context.Context, limit int) ([]models.ActiveEntry, error) {
	cursor, err := r.client.Get(ctx, r.cursorKey()).Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read sweep cursor: %w", err)
	}

	entries, next, err := r.scan(ctx, cursor, limit)
	if err != nil {
		return entries, err
	}
	if err := r.client.Set(ctx, r.cursorKey(), next, 0).Err(); err != nil {
		return entries, fmt.Errorf("store sweep cursor: %w", err)
	}
	return entries, nil
}

// scan walks the owners set with SSCAN from cursor until at least limit
// entries are collected or the set is exhausted (next cursor 0). An
// owner's entries are never split across pages.
func (r *RedisActiveIndex) scan(ctx context.Context, cursor uint64, limit int) ([]models.ActiveEntry, uint64, error) {
	count := int64(limit)
	if count <= 0 {
		count = 100
	}

	var entries []models.ActiveEntry
	for {
		owners, next, err := r.client.SScan(ctx, r.ownersKey(), cursor, "", count).Result()
		if err != nil {
			return entries, cursor, fmt.Errorf("scan active owners: %w", err)
		}
		for _, owner := range owners {
			found, err := r.ownerEntries(ctx, owner)
			if err != nil {
				return entries, cursor, err
			}
			entries = append(entries, found...)
		}
		cursor = next
		if cursor == 0 || (limit > 0 && len(entries) >= limit) {
			return entries, cursor, nil
		}
	}
}

func (r *RedisActiveIndex) ownerEntries(ctx context.Context, owner string) ([]models.ActiveEntry, error) {
	userID, jobType, ok := parseOwnerMember(owner)
	if !ok {
		if err := r.client.SRem(ctx, r.ownersKey(), owner).Err(); err != nil {
			return nil, fmt.Errorf("drop malformed owner %q: %w", owner, err)
		}
		return nil, nil
	}

	var entries []models.ActiveEntry
	for _, state := range []models.JobStatus{models.StatusProcessing, models.StatusQueued} {
		ids, err := r.client.SMembers(ctx, r.setKey(userID, jobType, state)).Result()
		if err != nil {
			return nil, fmt.Errorf("list active jobs for %s: %w", userID, err)
		}
		for _, id := range ids {
			entries = append(entries, models.ActiveEntry{UserID: userID, JobType: jobType, JobID: id, State: state})
		}
	}
	if len(entries) > 0 {
		return entries, nil
	}

	keys := []string{
		r.setKey(userID, jobType, models.StatusQueued),
		r.setKey(userID, jobType, models.StatusProcessing),
		r.ownersKey(),
	}
	if err := pruneOwner.Run(ctx, r.client, keys, owner).Err(); err != nil {
		return nil, fmt.Errorf("prune active owner %s: %w", owner, err)
	}
	return nil, nil
}

func ownerMember(userID, jobType string) string {
	return url.QueryEscape(userID) + ":" + url.QueryEscape(jobType)
}

func parseOwnerMember(member string) (string, string, bool) {
	user, jobType, ok := strings.Cut(member, ":")
	if !ok {
		return "", "", false
	}
	u, err := url.QueryUnescape(user)
	if err != nil {
		return "", "", false
	}
	t, err := url.QueryUnescape(jobType)
	if err != nil {
		return "", "", false
	}
	return u, t, true
}
