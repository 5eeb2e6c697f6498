package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

// DefaultBucket is the JetStream KeyValue bucket used when none is configured.
const DefaultBucket = "shipline_ledger"

// maxSeqRetries bounds the compare-and-set loop for iteration sequences.
const maxSeqRetries = 16

var keyToken = regexp.MustCompile(`^[-_=a-zA-Z0-9]+$`)

// KVStore is a Store backed by a NATS JetStream KeyValue bucket.
//
// Key layout:
//
//	task.{task}                 task record
//	stage.{task}.{stage}        stage entry
//	seq.{task}                  last iteration sequence (CAS counter)
//	iter.{task}.{seq:012d}      loop iteration record
//	gate.{gate}                 gate record
//	gateidx.{task}.{gate}       per-task gate index marker
type KVStore struct {
	kv nats.KeyValue
}

var _ Store = (*KVStore)(nil)

// NewKVStore opens bucket, creating it when it does not exist.
func NewKVStore(js nats.JetStreamContext, bucket string) (*KVStore, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream context is required")
	}
	if bucket == "" {
		bucket = DefaultBucket
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "shipline stage ledger and loop iterations",
			History:     1,
			Storage:     nats.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}
	return &KVStore{kv: kv}, nil
}

func checkToken(name, v string) error {
	if !keyToken.MatchString(v) {
		return fmt.Errorf("%s %q is not a valid key token", name, v)
	}
	return nil
}

func (s *KVStore) getJSON(key string, v any) (uint64, error) {
	entry, err := s.kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return 0, fmt.Errorf("%s: %w", key, pipeline.ErrNotFound)
		}
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(entry.Value(), v); err != nil {
		return 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return entry.Revision(), nil
}

func (s *KVStore) putJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if _, err := s.kv.Put(key, data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *KVStore) keys(prefix string) ([]string, error) {
	all, err := s.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	var out []string
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *KVStore) CreateTask(ctx context.Context, task *pipeline.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkToken("task id", task.ID); err != nil {
		return err
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if _, err := s.kv.Create("task."+task.ID, data); err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return fmt.Errorf("task %s: %w", task.ID, pipeline.ErrConflict)
		}
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

func (s *KVStore) GetTask(ctx context.Context, taskID string) (*pipeline.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkToken("task id", taskID); err != nil {
		return nil, fmt.Errorf("%v: %w", err, pipeline.ErrNotFound)
	}
	var t pipeline.Task
	if _, err := s.getJSON("task."+taskID, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func stageKey(taskID string, stage pipeline.Stage) string {
	return "stage." + taskID + "." + string(stage)
}

func (s *KVStore) PutStage(ctx context.Context, entry *pipeline.StageEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkToken("task id", entry.TaskID); err != nil {
		return err
	}
	return s.putJSON(stageKey(entry.TaskID, entry.Stage), entry)
}

func (s *KVStore) GetStage(ctx context.Context, taskID string, stage pipeline.Stage) (*pipeline.StageEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var e pipeline.StageEntry
	if _, err := s.getJSON(stageKey(taskID, stage), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *KVStore) ListStages(ctx context.Context, taskID string) ([]*pipeline.StageEntry, error) {
	out := make([]*pipeline.StageEntry, 0, len(pipeline.AllStages()))
	for _, st := range pipeline.AllStages() {
		e, err := s.GetStage(ctx, taskID, st)
		if errors.Is(err, pipeline.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// nextSeq increments seq.{task} with optimistic concurrency.
func (s *KVStore) nextSeq(taskID string) (uint64, error) {
	key := "seq." + taskID
	for i := 0; i < maxSeqRetries; i++ {
		entry, err := s.kv.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			if _, err := s.kv.Create(key, []byte("1")); err == nil {
				return 1, nil
			} else if !errors.Is(err, nats.ErrKeyExists) {
				return 0, fmt.Errorf("create %s: %w", key, err)
			}
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("get %s: %w", key, err)
		}
		cur, err := strconv.ParseUint(string(entry.Value()), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		next := cur + 1
		if _, err := s.kv.Update(key, []byte(strconv.FormatUint(next, 10)), entry.Revision()); err == nil {
			return next, nil
		}
	}
	return 0, fmt.Errorf("allocate iteration sequence for %s: %w", taskID, pipeline.ErrConflict)
}

func iterKey(taskID string, seq uint64) string {
	return fmt.Sprintf("iter.%s.%012d", taskID, seq)
}

func (s *KVStore) AppendIteration(ctx context.Context, it *pipeline.LoopIteration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkToken("task id", it.TaskID); err != nil {
		return err
	}
	seq, err := s.nextSeq(it.TaskID)
	if err != nil {
		return err
	}
	it.Seq = seq
	data, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("encode iteration: %w", err)
	}
	key := iterKey(it.TaskID, seq)
	if _, err := s.kv.Create(key, data); err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return fmt.Errorf("iteration %s: %w", key, pipeline.ErrConflict)
		}
		return fmt.Errorf("create %s: %w", key, err)
	}
	return nil
}

func (s *KVStore) MarkIterationFailed(ctx context.Context, taskID string, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var it pipeline.LoopIteration
	if _, err := s.getJSON(iterKey(taskID, seq), &it); err != nil {
		return err
	}
	it.Status = pipeline.IterationFailed
	return s.putJSON(iterKey(taskID, seq), &it)
}

func (s *KVStore) ListIterations(ctx context.Context, taskID string) ([]*pipeline.LoopIteration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys, err := s.keys("iter." + taskID + ".")
	if err != nil {
		return nil, err
	}
	out := make([]*pipeline.LoopIteration, 0, len(keys))
	for _, k := range keys {
		var it pipeline.LoopIteration
		if _, err := s.getJSON(k, &it); err != nil {
			return nil, err
		}
		out = append(out, &it)
	}
	return out, nil
}

func (s *KVStore) PutGate(ctx context.Context, gate *pipeline.Gate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkToken("gate id", gate.ID); err != nil {
		return err
	}
	if err := checkToken("task id", gate.TaskID); err != nil {
		return err
	}
	if err := s.putJSON("gate."+gate.ID, gate); err != nil {
		return err
	}
	if _, err := s.kv.Put("gateidx."+gate.TaskID+"."+gate.ID, []byte(gate.ID)); err != nil {
		return fmt.Errorf("index gate %s: %w", gate.ID, err)
	}
	return nil
}

func (s *KVStore) GetGate(ctx context.Context, gateID string) (*pipeline.Gate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkToken("gate id", gateID); err != nil {
		return nil, fmt.Errorf("%v: %w", err, pipeline.ErrNotFound)
	}
	var g pipeline.Gate
	if _, err := s.getJSON("gate."+gateID, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *KVStore) ListGates(ctx context.Context, taskID string) ([]*pipeline.Gate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := "gateidx." + taskID + "."
	keys, err := s.keys(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]*pipeline.Gate, 0, len(keys))
	for _, k := range keys {
		g, err := s.GetGate(ctx, strings.TrimPrefix(k, prefix))
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	sortGates(out)
	return out, nil
}
