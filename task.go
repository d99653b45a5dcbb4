package worldsync

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// owns a set of named background tasks under one cancellation scope.
// child scopes chain from the parent, cancelling the parent cancels
// all children. CancelAndWait returns only after every task in the
// scope and its children has exited.
type TaskController struct {
	ctx    context.Context
	cancel context.CancelFunc

	stateLock sync.Mutex
	taskNames []string
	children  []*TaskController

	waitGroup sync.WaitGroup
}

func NewTaskController(ctx context.Context) *TaskController {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &TaskController{
		ctx:    cancelCtx,
		cancel: cancel,
	}
}

func (self *TaskController) Context() context.Context {
	return self.ctx
}

func (self *TaskController) Background(name string, task func(ctx context.Context)) {
	self.stateLock.Lock()
	if self.ctx.Err() != nil {
		self.stateLock.Unlock()
		glog.V(2).Infof("[task]drop %s: scope cancelled\n", name)
		return
	}
	self.taskNames = append(self.taskNames, name)
	self.waitGroup.Add(1)
	self.stateLock.Unlock()

	go func() {
		defer func() {
			self.stateLock.Lock()
			if i := slices.Index(self.taskNames, name); 0 <= i {
				self.taskNames = slices.Delete(self.taskNames, i, i+1)
			}
			self.stateLock.Unlock()
			self.waitGroup.Done()
		}()
		task(self.ctx)
	}()
}

func (self *TaskController) Chain() *TaskController {
	child := NewTaskController(self.ctx)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.children = append(self.children, child)
	return child
}

func (self *TaskController) TaskNames() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.taskNames)
}

// cancel is taken under the state lock so it cannot interleave with the
// spawn guard in `Background`. A task that passed the guard has already
// joined the wait group when the wait below starts.
func (self *TaskController) Cancel() {
	self.stateLock.Lock()
	self.cancel()
	self.stateLock.Unlock()
}

func (self *TaskController) CancelAndWait() {
	self.stateLock.Lock()
	self.cancel()
	self.stateLock.Unlock()
	self.waitGroup.Wait()

	self.stateLock.Lock()
	children := slices.Clone(self.children)
	self.stateLock.Unlock()

	for _, child := range children {
		child.CancelAndWait()
	}
}
