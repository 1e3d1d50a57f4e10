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

package context

import "github.com/sirupsen/logrus"

func logf(prefix, level, format string, v ...any) {
	entry := logrus.WithField("component", prefix)
	switch level {
	case "debug":
		entry.Debugf(format, v...)
	case "warning":
		entry.Warningf(format, v...)
	default:
		entry.Infof(format, v...)
	}
}

// Debugf logs at debug level through ctx's own Debugf.
func Debugf(ctx Context, format string, v ...any) { ctx.Debugf(format, v...) }

// Infof logs at info level.
func Infof(ctx Context, format string, v ...any) { ctx.Infof(format, v...) }

// Warningf logs at warning level.
func Warningf(ctx Context, format string, v ...any) { ctx.Warningf(format, v...) }
