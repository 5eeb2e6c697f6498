package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipline/internal/events"
	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

// Issues returns the review issues recorded on CodeReview.
func (c *Coordinator) Issues(ctx context.Context, taskID string) ([]pipeline.Issue, error) {
	entry, err := c.store.GetStage(ctx, taskID, pipeline.StageCodeReview)
	if err != nil {
		return nil, err
	}
	var rm ReviewMetadata
	if !decodeEntry(entry, SchemaCodeReview, &rm) {
		return nil, nil
	}
	return rm.Issues, nil
}

// ResolveIssue marks one review issue resolved. When CodeReview is held
// and no blocking issue remains, the stage completes and the pipeline
// advances.
func (c *Coordinator) ResolveIssue(ctx context.Context, taskID, issueID string) (*pipeline.Issue, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	l := c.taskLock(taskID)
	l.Lock()
	issue, ready, err := c.resolveLocked(ctx, task, issueID)
	l.Unlock()
	if err != nil {
		return nil, err
	}
	if ready {
		if err := c.CompleteStage(ctx, taskID, pipeline.StageCodeReview, pipeline.Blob{}); err != nil {
			return issue, err
		}
	}
	return issue, nil
}

func (c *Coordinator) resolveLocked(ctx context.Context, task *pipeline.Task, issueID string) (*pipeline.Issue, bool, error) {
	stage := pipeline.StageCodeReview
	entry, err := c.store.GetStage(ctx, task.ID, stage)
	if err != nil {
		return nil, false, err
	}
	var rm ReviewMetadata
	if !decodeEntry(entry, SchemaCodeReview, &rm) {
		return nil, false, pipeline.NewError("resolve_issue", pipeline.ErrNotFound, task.ID, stage, "no review recorded", nil)
	}

	idx := -1
	for i := range rm.Issues {
		if rm.Issues[i].ID == issueID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false, pipeline.NewError("resolve_issue", pipeline.ErrNotFound, task.ID, stage, "issue "+issueID+" not found", nil)
	}

	if !rm.Issues[idx].Resolved {
		rm.Issues[idx].Resolved = true
		meta, err := encodeMetadata(SchemaCodeReview, rm)
		if err != nil {
			return nil, false, err
		}
		entry.Metadata = meta
		entry.UpdatedAt = c.now()
		if err := c.store.PutStage(ctx, entry); err != nil {
			return nil, false, fmt.Errorf("resolve issue: %w", err)
		}
		remaining := pipeline.UnresolvedBlocking(rm.Issues)
		c.publish(ctx, events.Log(task, stage, "info",
			fmt.Sprintf("issue %s resolved, %d blocking remaining", issueID, remaining)))
		c.logger.Info(c.logCtx(ctx, task, stage), "review issue resolved",
			zap.String("issue_id", issueID), zap.Int("blocking_remaining", remaining))
	}

	issue := rm.Issues[idx]
	ready := entry.Status == pipeline.StatusWaitingApproval &&
		pipeline.UnresolvedBlocking(rm.Issues) == 0 &&
		!c.running(task.ID)
	return &issue, ready, nil
}
