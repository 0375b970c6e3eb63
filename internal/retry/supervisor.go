package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/eslieh/grid-worker/internal/task"
)

// State は1回の呼び出しにおける状態です。
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateRetrying  State = "retrying"
	StateExhausted State = "exhausted"
	// StateRejected は Fatal による即時終了です。試行回数を消費しません。
	StateRejected State = "rejected"
)

// Terminal はこれ以上再試行しない状態かどうかを返します。
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateExhausted || s == StateRejected
}

// Policy は再試行ポリシーです。待ち時間は固定で、指数バックオフは行いません。
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultPolicy は 3 回・3 秒固定のポリシーです。
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Delay: 3 * time.Second}
}

// Normalize は不正な値を補正したポリシーを返します。
func (p Policy) Normalize() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	return p
}

// MaxRetry はキューに設定する再配送回数（初回を除く）です。
func (p Policy) MaxRetry() int {
	return p.Normalize().MaxAttempts - 1
}

// RetryState は呼び出し単位の試行状態です。プロセス再起動を跨いで保持はしません。
type RetryState struct {
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
}

// Decision は1回の試行の判定結果です。
type Decision struct {
	State State
	Retry RetryState
	// Record は終端状態で配送すべきレコードです（成功時はハンドラーのもの、失敗時は failed）。
	Record *task.Result
	Err    error
}

// Supervisor はハンドラー呼び出しを試行回数の上限付きで包みます。
// 再実行そのものはキューの再配送に委ねます。
type Supervisor struct {
	name   string
	policy Policy
	logger zerolog.Logger
}

// NewSupervisor は Supervisor を作成します。
func NewSupervisor(name string, policy Policy, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		name:   name,
		policy: policy.Normalize(),
		logger: logger.With().Str("supervisor", name).Logger(),
	}
}

// Policy は適用中のポリシーを返します。
func (s *Supervisor) Policy() Policy {
	return s.policy
}

// Run は1回分の試行を実行し、次の状態を判定します。
// attempt はこれまでに失敗した試行の回数です。
func (s *Supervisor) Run(ctx context.Context, taskID string, attempt int, fn func(context.Context) Outcome) Decision {
	st := RetryState{
		Attempt:     attempt,
		MaxAttempts: s.policy.MaxAttempts,
		Delay:       s.policy.Delay,
	}
	log := s.logger.With().Str("task_id", taskID).Int("attempt", attempt+1).Int("max_attempts", st.MaxAttempts).Logger()
	log.Debug().Str("state", string(StateRunning)).Msg("invoking handler")

	out := invoke(ctx, fn)

	switch out.Kind {
	case KindSuccess:
		log.Debug().Str("state", string(StateSucceeded)).Msg("handler succeeded")
		return Decision{State: StateSucceeded, Retry: st, Record: out.Record}
	case KindFatal:
		log.Error().Err(out.Err).Str("state", string(StateRejected)).Msg("handler failed permanently")
		return Decision{State: StateRejected, Retry: st, Record: task.Failed(taskID, out.Err), Err: out.Err}
	}

	st.Attempt++
	if st.Attempt < st.MaxAttempts {
		log.Warn().Err(out.Err).Str("state", string(StateRetrying)).Dur("delay", st.Delay).Msg("handler failed, retrying")
		return Decision{State: StateRetrying, Retry: st, Err: out.Err}
	}

	log.Error().Err(out.Err).Str("state", string(StateExhausted)).Msg("retry budget exhausted")
	return Decision{State: StateExhausted, Retry: st, Record: task.Failed(taskID, out.Err), Err: out.Err}
}

func invoke(ctx context.Context, fn func(context.Context) Outcome) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Retryable(fmt.Errorf("handler panic: %v", r))
		}
	}()
	out = fn(ctx)
	if out.Kind != KindSuccess && out.Err == nil {
		out.Err = fmt.Errorf("handler reported %s without error", out.Kind)
	}
	return out
}
