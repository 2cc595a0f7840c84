// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

// Hooks are the extension points of a [Handler], implemented by the layer
// that knows what the channel means (session, acceptor, connector).
//
// Hooks are never called while the handler's lock is held, and never
// concurrently for the same handler. Errors and panics from Process,
// OnTimeout and DoExecute fail the handler, which closes it.
type Hooks interface {
	// Process handles readiness. ready is never empty.
	Process(h *Handler, ready Ops) error
	// OnSelected is called before Process, for each readiness delivery.
	OnSelected(h *Handler)
	// OnTimeout is called when the handler's idle timeout fires.
	OnTimeout(h *Handler) error
	// OnCancelled is called during close if the handler was cancelled.
	OnCancelled(h *Handler)
	// OnFailed is called during close with the wrapped failure cause.
	OnFailed(h *Handler, cause error)
	// OnClosed is called once per lease, with the failure cause if any.
	OnClosed(h *Handler, cause error)
	// OnReleased is the final hook before the handler may be reused.
	OnReleased(h *Handler)
	// OnClearSelectionKey is called after the selection key is cancelled.
	OnClearSelectionKey(h *Handler)
	// OnCloseChannel closes the channel. It is skipped for handlers whose
	// key was transferred.
	OnCloseChannel(h *Handler) error
	// DoExecute runs an object passed to [Handler.Execute].
	DoExecute(h *Handler, obj any) error
}

// BaseHooks provides defaults for every hook except Process. Embed it.
type BaseHooks struct{}

func (BaseHooks) OnSelected(*Handler) {}

func (BaseHooks) OnTimeout(*Handler) error { return nil }

func (BaseHooks) OnCancelled(*Handler) {}

func (BaseHooks) OnFailed(*Handler, error) {}

func (BaseHooks) OnClosed(*Handler, error) {}

func (BaseHooks) OnReleased(*Handler) {}

func (BaseHooks) OnClearSelectionKey(*Handler) {}

// OnCloseChannel closes the handler's channel, if any.
func (BaseHooks) OnCloseChannel(h *Handler) error {
	if ch := h.Channel(); ch != nil {
		return ch.Close()
	}
	return nil
}

// DoExecute runs obj if it is a func() or func() error, and ignores
// anything else.
func (BaseHooks) DoExecute(_ *Handler, obj any) error {
	switch fn := obj.(type) {
	case func():
		fn()
	case func() error:
		return fn()
	}
	return nil
}

// HandlerFactory creates the hooks for a new handler. It is called before
// the handler is registered, and may configure it (e.g. [Handler.SetTimeout]).
type HandlerFactory func(h *Handler) (Hooks, error)
