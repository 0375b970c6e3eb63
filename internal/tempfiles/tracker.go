// Package tempfiles はジョブ単位の一時ファイル（アーティファクト）の所有と削除を管理します。
package tempfiles

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eslieh/grid-worker/internal/task"
)

// Artifact はジョブが作成した一時ファイルです。
type Artifact struct {
	Path        string
	OwningJobID string
	CreatedAt   time.Time
}

// Tracker は1回の試行が所有する一時ファイルの登録簿です。
// 試行ごとに専用の作業ディレクトリを持ち、他のジョブとは共有しません。
type Tracker struct {
	jobID  string
	dir    string
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	artifacts map[string]Artifact
	released  bool
}

// New は baseDir 配下に作業ディレクトリを作成します。
func New(baseDir, jobID string, logger zerolog.Logger) (*Tracker, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	name := fmt.Sprintf("%s-%s", sanitize(jobID), uuid.NewString()[:8])
	dir := filepath.Join(baseDir, "grid-worker", name)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &Tracker{
		jobID:     jobID,
		dir:       dir,
		logger:    logger.With().Str("task_id", jobID).Logger(),
		now:       time.Now,
		artifacts: make(map[string]Artifact),
	}, nil
}

// Dir は作業ディレクトリのパスです。
func (t *Tracker) Dir() string {
	return t.dir
}

// Create は一意な名前のパスを払い出して登録します。ファイル自体は作成しません。
func (t *Tracker) Create(ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return t.Path(uuid.NewString() + ext)
}

// Path は作業ディレクトリ内の name を登録して返します。
func (t *Tracker) Path(name string) string {
	path := filepath.Join(t.dir, filepath.Base(name))
	t.Register(path)
	return path
}

// Register は既存のパスをこのジョブの所有物として登録します。
func (t *Tracker) Register(path string) Artifact {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.artifacts[path]; ok {
		return a
	}
	a := Artifact{Path: path, OwningJobID: t.jobID, CreatedAt: t.now().UTC()}
	t.artifacts[path] = a
	return a
}

// Release は path を削除して登録から外します。存在しないパスは何もしません。
func (t *Tracker) Release(path string) {
	t.mu.Lock()
	delete(t.artifacts, path)
	t.mu.Unlock()

	if err := removeFile(path); err != nil {
		t.logger.Warn().Err(err).Msg("failed to release artifact")
	}
}

// ReleaseAll は登録済みの全ファイルと作業ディレクトリを削除します。
// 失敗はログに残し、残りの削除を続行します。戻り値はテスト用です。
func (t *Tracker) ReleaseAll() error {
	t.mu.Lock()
	paths := make([]string, 0, len(t.artifacts))
	for p := range t.artifacts {
		paths = append(paths, p)
	}
	t.artifacts = make(map[string]Artifact)
	alreadyReleased := t.released
	t.released = true
	t.mu.Unlock()

	sort.Strings(paths)
	var errs []error
	for _, p := range paths {
		if err := removeFile(p); err != nil {
			t.logger.Warn().Err(err).Msg("failed to release artifact")
			errs = append(errs, err)
		}
	}
	if !alreadyReleased {
		if err := os.RemoveAll(t.dir); err != nil {
			rErr := &task.ResourceError{Path: t.dir, Err: err}
			t.logger.Warn().Err(rErr).Msg("failed to remove workspace")
			errs = append(errs, rErr)
		}
	}
	return errors.Join(errs...)
}

// Artifacts は現在登録中のアーティファクトを返します。
func (t *Tracker) Artifacts() []Artifact {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Artifact, 0, len(t.artifacts))
	for _, a := range t.artifacts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &task.ResourceError{Path: path, Err: err}
	}
	return nil
}

func sanitize(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
		if b.Len() >= 48 {
			break
		}
	}
	if b.Len() == 0 {
		return "job"
	}
	return b.String()
}
