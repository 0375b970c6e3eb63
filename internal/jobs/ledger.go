package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eslieh/grid-worker/internal/task"
)

const (
	leaseKeyPrefix  = "grid:lease:"
	ledgerKeyPrefix = "grid:ledger:"
)

// 保持者が一致する場合だけリースを削除する
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// 保持者が一致する場合だけリースを延長する
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Ledger はジョブの処理権（リース）と完了記録を Redis に保存します。
// 同じジョブが重複して配送された場合に、ハンドラーの二重実行と結果の二重配送を防ぎます。
type Ledger struct {
	rdb      *redis.Client
	leaseTTL time.Duration
	ttl      time.Duration
	now      func() time.Time
}

// NewLedger は Ledger を作成します。
func NewLedger(rdb *redis.Client, leaseTTL, ttl time.Duration) *Ledger {
	if leaseTTL <= 0 {
		leaseTTL = 10 * time.Minute
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Ledger{
		rdb:      rdb,
		leaseTTL: leaseTTL,
		ttl:      ttl,
		now:      time.Now,
	}
}

// LedgerKey はタスク種別とタスクIDからキーを作ります。
func LedgerKey(t task.Type, taskID string) string {
	return string(t) + ":" + taskID
}

// LeaseTTL はリースの有効期限です。
func (l *Ledger) LeaseTTL() time.Duration {
	return l.leaseTTL
}

// Claim は key の処理権を owner として取得します。
// owner は配送ごとに一意でなければなりません。保持中のリースは ClaimBusy と残り時間を返します。
func (l *Ledger) Claim(ctx context.Context, key, owner string) (*Claim, error) {
	if key == "" || owner == "" {
		return nil, errors.New("key and owner are required")
	}
	entry, err := l.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return &Claim{State: ClaimCompleted, Entry: entry}, nil
	}

	ok, err := l.rdb.SetNX(ctx, leaseKey(key), owner, l.leaseTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if ok {
		return &Claim{State: ClaimAcquired}, nil
	}

	wait, err := l.rdb.PTTL(ctx, leaseKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read lease: %w", err)
	}
	switch {
	case wait == -2:
		// 確認の間に解放された
		return l.Claim(ctx, key, owner)
	case wait < 0:
		wait = l.leaseTTL
	}
	return &Claim{State: ClaimBusy, Wait: wait}, nil
}

// Extend は owner が保持しているリースの期限を延長します。保持していなければ false です。
func (l *Ledger) Extend(ctx context.Context, key, owner string) (bool, error) {
	n, err := extendScript.Run(ctx, l.rdb, []string{leaseKey(key)}, owner, l.leaseTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to extend lease: %w", err)
	}
	return n == 1, nil
}

// Release は owner が保持しているリースを解放します。
func (l *Ledger) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{leaseKey(key)}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Get は完了記録を取得します。存在しない場合は nil を返します。
func (l *Ledger) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := l.rdb.Get(ctx, ledgerKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Complete は終端状態の結果を記録し、リースを解放します。
func (l *Ledger) Complete(ctx context.Context, key, owner string, rec *task.Result) error {
	if rec == nil {
		return errors.New("record is nil")
	}
	entry := &Entry{
		Key:       key,
		Status:    rec.Status,
		Owner:     owner,
		Result:    rec,
		UpdatedAt: l.now().UTC(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := l.rdb.Set(ctx, ledgerKey(key), payload, l.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store ledger entry: %w", err)
	}
	return l.Release(ctx, key, owner)
}

// MarkDelivered は結果を配送キューへ渡したことを記録します。
func (l *Ledger) MarkDelivered(ctx context.Context, key string) error {
	k := ledgerKey(key)
	for {
		err := l.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, k).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return fmt.Errorf("ledger entry not found: %s", key)
				}
				return err
			}
			var entry Entry
			if err := json.Unmarshal(data, &entry); err != nil {
				return err
			}
			entry.Delivered = true
			entry.UpdatedAt = l.now().UTC()
			payload, err := json.Marshal(&entry)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, k, payload, l.ttl)
				return nil
			})
			return err
		}, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
}

func leaseKey(key string) string {
	return leaseKeyPrefix + key
}

func ledgerKey(key string) string {
	return ledgerKeyPrefix + key
}
