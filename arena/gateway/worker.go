package gateway

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"arenaserver/arena/apperr"
	"arenaserver/arena/resolver"

	"go.uber.org/zap"
)

// command is one serialized operation on an encounter.
type command interface {
	name() string
	run(ctx context.Context, g *Gateway, w *worker) (interface{}, error)
}

type result struct {
	value interface{}
	err   error
}

type job struct {
	cmd   command
	reply chan result
}

type worker struct {
	id    string
	queue chan job
	// claimed counts callers that hold the worker, guarded by Gateway.mu.
	claimed int
	// pending holds the accepted moves of the battle round in flight. Only the worker
	// goroutine touches it.
	pending []resolver.Evaluation
}

// dispatch queues cmd on the encounter's worker and waits for its result.
func (g *Gateway) dispatch(ctx context.Context, encounterID string, cmd command) (interface{}, error) {
	w, err := g.claim(encounterID)
	if err != nil {
		return nil, err
	}

	j := job{cmd: cmd, reply: make(chan result, 1)}
	select {
	case w.queue <- j:
	case <-ctx.Done():
		g.release(w)
		return nil, apperr.Wrap(apperr.InternalError, ctx.Err(), "request cancelled")
	case <-g.ctx.Done():
		g.release(w)
		return nil, apperr.New(apperr.InvalidState, "gateway is shutting down")
	}

	select {
	case res := <-j.reply:
		return res.value, res.err
	case <-ctx.Done():
		// the command still runs; its result just never reaches this caller
		return nil, apperr.Wrap(apperr.InternalError, ctx.Err(), "request cancelled")
	case <-g.ctx.Done():
		return nil, apperr.New(apperr.InvalidState, "gateway is shutting down")
	}
}

func (g *Gateway) claim(encounterID string) (*worker, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, apperr.New(apperr.InvalidState, "gateway is shutting down")
	}
	w, ok := g.workers[encounterID]
	if !ok {
		w = &worker{id: encounterID, queue: make(chan job, queueSize)}
		g.workers[encounterID] = w
		g.wg.Add(1)
		go g.run(w)
	}
	w.claimed++
	return w, nil
}

func (g *Gateway) release(w *worker) {
	g.mu.Lock()
	w.claimed--
	g.mu.Unlock()
}

func (g *Gateway) run(w *worker) {
	defer g.wg.Done()

	idle := time.NewTimer(g.idle)
	defer idle.Stop()

	for {
		select {
		case j := <-w.queue:
			j.reply <- g.execute(w, j.cmd)
			g.release(w)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(g.idle)

		case <-idle.C:
			g.mu.Lock()
			if w.claimed == 0 && len(w.pending) == 0 {
				delete(g.workers, w.id)
				g.mu.Unlock()
				return
			}
			g.mu.Unlock()
			idle.Reset(g.idle)

		case <-g.ctx.Done():
			g.mu.Lock()
			delete(g.workers, w.id)
			g.mu.Unlock()
			if len(w.pending) > 0 {
				g.logger.Warn("Dropping pending moves on shutdown",
					zap.String("encounter", w.id), zap.Int("moves", len(w.pending)))
			}
			return
		}
	}
}

// execute runs one command with its own deadline. A panic is turned into an
// InternalError so the worker moves on to the next item.
func (g *Gateway) execute(w *worker, cmd command) (res result) {
	ctx, cancel := context.WithTimeout(g.ctx, g.opTime)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			g.logger.Error("Recovered from panic in encounter worker",
				zap.String("encounter", w.id),
				zap.String("command", cmd.name()),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			res = result{err: apperr.Wrap(apperr.InternalError, fmt.Errorf("panic: %v", p), "command failed")}
		}
	}()

	value, err := cmd.run(ctx, g, w)
	if err != nil && apperr.CodeOf(err) == apperr.InternalError {
		g.logger.Error("Encounter command failed",
			zap.String("encounter", w.id),
			zap.String("command", cmd.name()),
			zap.Error(err))
	}
	return result{value: value, err: err}
}
