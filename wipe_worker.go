package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"theftguard/agent/agent"
	"theftguard/agent/storage"
	"theftguard/agent/wipe"
)

// WipeWorker polls for pending wipe operations and remote browse requests
// and runs them off the control thread, so long deletions never block
// command polling or location reporting. Execution is exactly-once per
// operation id, journaled across restarts.
type WipeWorker struct {
	client   *agent.ServerClient
	store    *storage.Store
	executor *wipe.Executor
	policy   *wipe.Policy

	pollInterval time.Duration

	mu       sync.RWMutex
	running  bool
	activeOp string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWipeWorker wires the worker to the backend client and local journal.
func NewWipeWorker(client *agent.ServerClient, store *storage.Store, policy *wipe.Policy) *WipeWorker {
	return &WipeWorker{
		client:       client,
		store:        store,
		executor:     wipe.NewExecutor(policy),
		policy:       policy,
		pollInterval: 5 * time.Second,
	}
}

// Active reports whether a wipe is currently executing.
func (w *WipeWorker) Active() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.activeOp != ""
}

// Start launches the polling loop.
func (w *WipeWorker) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run()
}

// Stop terminates the polling loop. A wipe already in flight observes the
// stop signal through its context and reports failed.
func (w *WipeWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
}

func (w *WipeWorker) run() {
	defer w.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-w.stopCh
		cancel()
	}()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.checkPending(ctx)
			w.checkBrowse(ctx)
		}
	}
}

// checkPending fetches the pending wipe signal and starts execution when
// the operation has not been journaled yet.
func (w *WipeWorker) checkPending(ctx context.Context) {
	job, err := w.client.FetchPendingWipe(ctx)
	if err != nil {
		if !errors.Is(err, agent.ErrTransport) {
			agent.DebugCtx("pending wipe check failed", "error", err)
		}
		return
	}
	if job == nil || job.Status != agent.WipePending {
		return
	}

	w.mu.Lock()
	if w.activeOp == job.OperationID {
		// Re-delivery of the running operation; already executing.
		w.mu.Unlock()
		return
	}
	if w.activeOp != "" {
		w.mu.Unlock()
		agent.WarnCtx("wipe already in progress, deferring new operation",
			"active", w.activeOp, "new", job.OperationID)
		return
	}

	started, err := w.store.BeginWipe(job.OperationID)
	if err != nil {
		w.mu.Unlock()
		agent.ErrorCtx("failed to journal wipe start", "error", err)
		return
	}
	if !started {
		w.mu.Unlock()
		// Journaled by a previous run; re-report the recorded outcome so
		// the backend converges without deleting anything twice.
		rec, err := w.store.WipeRecord(job.OperationID)
		if err != nil || rec == nil {
			agent.ErrorCtx("journaled wipe record unreadable",
				"operation_id", job.OperationID, "error", err)
			return
		}
		if rec.Status != agent.WipeCompleted && rec.Status != agent.WipeFailed {
			// Journaled but never finished: the previous run crashed
			// mid-wipe. Close the operation out as failed rather than
			// leaving the backend waiting forever.
			rec.Status = agent.WipeFailed
			rec.Error = "wipe interrupted by agent restart"
			if err := w.store.FinishWipe(rec.OperationID, rec.Status, rec.ItemsDeleted, rec.ItemsTotal, rec.Error); err != nil {
				agent.ErrorCtx("failed to journal interrupted wipe", "error", err)
			}
			agent.WarnCtx("wipe was interrupted by a restart, reporting failed",
				"operation_id", rec.OperationID, "deleted", rec.ItemsDeleted)
		}
		w.reportProgress(ctx, agent.WipeProgress{
			OperationID:        rec.OperationID,
			Status:             rec.Status,
			ProgressPercentage: 100,
			FilesDeleted:       rec.ItemsDeleted,
			TotalFiles:         rec.ItemsTotal,
			ErrorMessage:       rec.Error,
		})
		return
	}
	w.activeOp = job.OperationID
	w.mu.Unlock()

	agent.WarnCtx("pending wipe operation detected",
		"operation_id", job.OperationID, "paths", len(job.Paths))

	w.wg.Add(1)
	go w.execute(ctx, job)
}

func (w *WipeWorker) execute(ctx context.Context, job *agent.WipeJob) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		w.activeOp = ""
		w.mu.Unlock()
	}()

	w.executor.Execute(ctx, job, func(p agent.WipeProgress) {
		w.reportProgress(ctx, p)
	})

	if err := w.store.FinishWipe(job.OperationID, job.Status, job.ItemsDeleted, job.ItemsTotal, job.Error); err != nil {
		agent.ErrorCtx("failed to journal wipe outcome", "error", err)
	}
}

func (w *WipeWorker) reportProgress(ctx context.Context, p agent.WipeProgress) {
	p.DeviceID = w.client.GetDeviceID()
	if err := w.client.ReportWipeProgress(ctx, p); err != nil {
		agent.DebugCtx("wipe progress report failed",
			"operation_id", p.OperationID, "error", err)
	}
}

// checkBrowse answers one pending remote directory-listing request.
func (w *WipeWorker) checkBrowse(ctx context.Context) {
	req, err := w.client.FetchBrowseRequest(ctx)
	if err != nil {
		if !errors.Is(err, agent.ErrTransport) {
			agent.DebugCtx("browse request check failed", "error", err)
		}
		return
	}
	if req == nil {
		return
	}

	entries, err := wipe.ListDirectory(w.policy, req.Path)
	listErr := ""
	if err != nil {
		listErr = err.Error()
	}
	if err := w.client.PostBrowseResult(ctx, *req, entries, listErr); err != nil {
		agent.DebugCtx("browse result post failed", "request_id", req.RequestID, "error", err)
	}
}
