// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package context mirrors the standard library's context.Context with a
// Value-based lookup, but keeps it as its own type so that sentry code can
// be passed a context without also inheriting cancellation semantics that
// don't apply to a single-threaded tracer.
package context

import (
	"context"
	"time"
)

// Context is the interface threaded through the memory manager and its
// collaborators. In this tree it is satisfied by the background contexts
// below.
type Context interface {
	// Deadline, Done, Err and Value mirror context.Context.
	Deadline() (time.Time, bool)
	Done() <-chan struct{}
	Err() error
	Value(key any) any

	// Debugf, Warningf and Infof log at the indicated level, tagged with
	// whatever identifies this context (task, goroutine, etc).
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warningf(format string, v ...any)
}

// NoTask may be embedded by implementations of Context that don't have a
// task goroutine, analogous to the NoTask type in gVisor's context package.
type NoTask struct{}

// Deadline implements Context.Deadline.
func (NoTask) Deadline() (time.Time, bool) { return time.Time{}, false }

// Done implements Context.Done.
func (NoTask) Done() <-chan struct{} { return nil }

// Err implements Context.Err.
func (NoTask) Err() error { return nil }

// background adapts a stdlib context.Context plus a logger prefix into a
// Context with no task goroutine.
type background struct {
	NoTask
	inner  context.Context
	prefix string
}

// Background returns a Context not associated with any task, suitable for
// work done outside a guest task, such as tearing down a MemoryManager.
func Background(prefix string) Context {
	return &background{inner: context.Background(), prefix: prefix}
}

// Value implements Context.Value.
func (b *background) Value(key any) any { return b.inner.Value(key) }

// Debugf implements Context.Debugf.
func (b *background) Debugf(format string, v ...any) { logf(b.prefix, "debug", format, v...) }

// Infof implements Context.Infof.
func (b *background) Infof(format string, v ...any) { logf(b.prefix, "info", format, v...) }

// Warningf implements Context.Warningf.
func (b *background) Warningf(format string, v ...any) { logf(b.prefix, "warning", format, v...) }
