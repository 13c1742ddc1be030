package jobq

import (
	"context"
	"fmt"

	"github.com/UniQw/jobq/internal/keys"
	"github.com/UniQw/jobq/internal/rdb"
	"github.com/google/uuid"
)

// FlowJob is a node of a job tree added by AddFlow. A parent runs once all
// its children finished and reads their results with GetChildrenValues.
type FlowJob struct {
	Name string
	// Queue defaults to the queue AddFlow is called on. Queues of one flow
	// share the caller's prefix.
	Queue    string
	Payload  any
	Options  []Option
	Children []FlowJob
}

// FlowNode is an added FlowJob.
type FlowNode struct {
	Job      *Job
	Children []*FlowNode
}

type flowEntry struct {
	queue string
	req   rdb.AddRequest
	node  *FlowNode
}

// AddFlow adds a tree of jobs in one transaction. Parents wait in
// waiting-children until their children finished. Jobs without a custom id
// get a random one. Parent and ParentFailurePolicy options of the root are
// honored, so a flow can be attached to an existing job. If any job of the
// tree is rejected, none is added.
func (q *Queue) AddFlow(ctx context.Context, flow FlowJob) (*FlowNode, error) {
	var entries []*flowEntry
	root, err := q.planFlow(flow, "", nil, &entries)
	if err != nil {
		return nil, err
	}
	batch := make([]rdb.FlowEntry, len(entries))
	for i, e := range entries {
		k, err := keys.For(q.keys.Prefix, e.queue)
		if err != nil {
			return nil, err
		}
		batch[i] = rdb.FlowEntry{Queue: k, Req: e.req}
	}
	res, err := q.rdb.AddFlow(ctx, batch)
	if err != nil {
		return nil, wrap("add flow", root.Job.ID, err)
	}
	for i, e := range entries {
		e.node.Job.Duplicate = res[i].Status == rdb.StatusDuplicate
		e.node.Job.Deduplicated = res[i].Status == rdb.StatusDeduplicated
		e.node.Job.ID = res[i].ID
	}
	return root, nil
}

// planFlow resolves flow depth-first, parents before their children, so
// that every parent exists when its children link to it.
func (q *Queue) planFlow(flow FlowJob, parentQueue string, parent *rdb.AddRequest, entries *[]*flowEntry) (*FlowNode, error) {
	queue := flow.Queue
	if queue == "" {
		queue = q.name
		if parentQueue != "" {
			queue = parentQueue
		}
	}
	if _, err := keys.For(q.keys.Prefix, queue); err != nil {
		return nil, fmt.Errorf("jobq: flow queue %q: %w", queue, err)
	}
	data, err := q.enc.Encode(flow.Payload)
	if err != nil {
		return nil, fmt.Errorf("jobq: encode payload: %w", err)
	}
	o := newOptions(flow.Options)
	if o.id == "" {
		o.id = uuid.NewString()
	}
	if parent != nil {
		o.parent = &parentRef{queue: parentQueue, id: parent.ID}
	}
	req, err := q.request(flow.Name, data, o, len(flow.Children) > 0)
	if err != nil {
		return nil, err
	}
	if parent != nil {
		// Children of a new parent never need to move it.
		req.BlockParent = false
	}
	node := &FlowNode{}
	e := &flowEntry{queue: queue, req: req, node: node}
	node.Job = q.jobFromRequest(queue, req.ID, req)
	*entries = append(*entries, e)
	for _, child := range flow.Children {
		cn, err := q.planFlow(child, queue, &e.req, entries)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, cn)
	}
	return node, nil
}
