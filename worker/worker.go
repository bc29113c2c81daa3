// Package worker runs an engine behind a message port. Requests are
// dispatched one at a time in arrival order, so the engine never sees
// concurrent calls; replies carry the request id back to the client's
// correlation layer.
package worker

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/joshuadavidthomas/django-bird-playground/engine"
	"github.com/joshuadavidthomas/django-bird-playground/errors"
	"github.com/joshuadavidthomas/django-bird-playground/transport"
)

const defaultQueueSize = 64

// Worker owns an engine and serializes all access to it.
type Worker struct {
	eng engine.Engine

	ctx    context.Context
	cancel context.CancelFunc

	reqCh    chan transport.Request
	repCh    chan transport.Reply
	done     chan struct{}
	loopDone chan struct{}

	stopOnce sync.Once
	closeErr error

	// booted is only touched by the dispatch loop.
	booted bool
}

// Option adjusts a Worker.
type Option func(*Worker)

// WithQueueSize sets how many requests may sit in the inbox before
// Send blocks.
func WithQueueSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.reqCh = make(chan transport.Request, n)
		}
	}
}

// Start launches a worker around eng. The worker takes ownership of the
// engine and closes it on Terminate.
func Start(eng engine.Engine, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		eng:      eng,
		ctx:      ctx,
		cancel:   cancel,
		reqCh:    make(chan transport.Request, defaultQueueSize),
		repCh:    make(chan transport.Reply, defaultQueueSize),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.loop()
	return w
}

// Port returns the message port a transport.Client attaches to. Closing
// the port terminates the worker.
func (w *Worker) Port() transport.Port {
	return port{w}
}

// Terminate stops the dispatch loop and closes the engine. Replies stop
// flowing and the client fails its pending requests. Safe to call more
// than once.
func (w *Worker) Terminate() error {
	w.stopOnce.Do(func() {
		w.cancel()
		close(w.done)
		<-w.loopDone
		w.closeErr = w.eng.Close()
	})
	return w.closeErr
}

type port struct {
	w *Worker
}

func (p port) Send(req transport.Request) error {
	select {
	case p.w.reqCh <- req:
		return nil
	case <-p.w.done:
		return errors.Initialization("worker terminated", nil)
	}
}

func (p port) Inbound() <-chan transport.Reply {
	return p.w.repCh
}

func (p port) Close() error {
	return p.w.Terminate()
}

func (w *Worker) loop() {
	defer close(w.loopDone)
	defer close(w.repCh)
	for {
		select {
		case <-w.done:
			return
		case req := <-w.reqCh:
			w.dispatch(req)
		}
	}
}

func (w *Worker) send(rep transport.Reply) {
	select {
	case w.repCh <- rep:
	case <-w.done:
	}
}

func (w *Worker) reply(id int64, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		w.replyErr(id, errors.Initialization("encode result", err))
		return
	}
	w.send(transport.Reply{ID: id, Result: raw})
}

func (w *Worker) replyErr(id int64, err error) {
	w.send(transport.Reply{ID: id, Error: transport.ToWireError(err)})
}

func (w *Worker) progress(step, message string) {
	w.send(transport.Reply{Progress: &transport.Progress{Step: step, Message: message}})
}

func (w *Worker) dispatch(req transport.Request) {
	Logger().Debug("dispatching request",
		zap.Int64("id", req.ID),
		zap.String("type", string(req.Type)))

	if req.Type != transport.OpBootstrap && !w.booted {
		w.replyErr(req.ID, errors.NotInitialized(string(req.Type)))
		return
	}

	switch req.Type {
	case transport.OpBootstrap:
		w.handleBootstrap(req)
	case transport.OpRenderTemplate:
		w.handleRender(req)
	case transport.OpInstallPackage, transport.OpInstallBatch:
		w.handleInstall(req)
	case transport.OpRunCode:
		w.handleRunCode(req)
	case transport.OpBatchRender:
		w.handleBatchRender(req)
	default:
		w.replyErr(req.ID, errors.InvalidInput("unknown operation %q", string(req.Type)))
	}
}

func (w *Worker) handleBootstrap(req transport.Request) {
	if w.booted {
		w.replyErr(req.ID, errors.InvalidInput("bootstrap already completed"))
		return
	}

	var payload transport.BootstrapPayload
	if err := decode(req.Payload, &payload); err != nil {
		w.replyErr(req.ID, err)
		return
	}

	if err := w.eng.Bootstrap(w.ctx, w.progress); err != nil {
		w.replyErr(req.ID, err)
		return
	}
	w.booted = true

	report := w.install(payload.Packages)
	w.reply(req.ID, report)
}

func (w *Worker) handleRender(req transport.Request) {
	var payload transport.RenderPayload
	if err := decode(req.Payload, &payload); err != nil {
		w.replyErr(req.ID, err)
		return
	}

	output, err := w.eng.Render(w.ctx, payload.Template, payload.Context)
	if err != nil {
		w.replyErr(req.ID, err)
		return
	}
	w.reply(req.ID, transport.RenderResult{Output: output})
}

func (w *Worker) handleInstall(req transport.Request) {
	var payload transport.InstallPayload
	if err := decode(req.Payload, &payload); err != nil {
		w.replyErr(req.ID, err)
		return
	}
	if len(payload.Packages) == 0 {
		w.replyErr(req.ID, errors.InvalidInput("no packages named"))
		return
	}
	w.reply(req.ID, w.install(payload.Packages))
}

// install runs the engine installer for each package, collecting
// per-name outcomes. Only a fatal engine failure aborts the loop.
func (w *Worker) install(packages []string) *transport.InstallReport {
	report := &transport.InstallReport{}
	for _, name := range packages {
		if err := w.eng.Install(w.ctx, name); err != nil {
			if report.Failed == nil {
				report.Failed = make(map[string]string)
			}
			report.Failed[name] = err.Error()
			if errors.Fatal(err) {
				break
			}
			continue
		}
		report.Installed = append(report.Installed, name)
	}
	return report
}

func (w *Worker) handleRunCode(req transport.Request) {
	var payload transport.CodePayload
	if err := decode(req.Payload, &payload); err != nil {
		w.replyErr(req.ID, err)
		return
	}

	output, err := w.eng.Exec(w.ctx, payload.Code)
	if err != nil {
		w.replyErr(req.ID, err)
		return
	}
	w.reply(req.ID, transport.CodeResult{Output: output})
}

func (w *Worker) handleBatchRender(req transport.Request) {
	var payload transport.BatchRenderPayload
	if err := decode(req.Payload, &payload); err != nil {
		w.replyErr(req.ID, err)
		return
	}

	result := transport.BatchRenderResult{
		Items: make([]transport.BatchRenderItem, len(payload.Items)),
	}
	for i, item := range payload.Items {
		output, err := w.eng.Render(w.ctx, item.Template, item.Context)
		if err != nil {
			result.Items[i].Error = transport.ToWireError(err)
			continue
		}
		result.Items[i].Output = output
	}
	w.reply(req.ID, result)
}

func decode(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return errors.InvalidInput("malformed payload: %v", err)
	}
	return nil
}
