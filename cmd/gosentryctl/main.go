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

// Command gosentryctl is a debug front end for the memory manager. Its
// print_vmas subcommand launches a program under trace next to a fresh
// physical store and logs the tracee's pid and platform; it builds no
// MemoryManager for the tracee, so no VMA list is printed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	gosentryconfig "github.com/ocisandbox/gosentry/pkg/sentry/config"
	"github.com/ocisandbox/gosentry/pkg/sentry/pgalloc"
	"github.com/ocisandbox/gosentry/pkg/sentry/platform/ptrace"
	"github.com/ocisandbox/gosentry/pkg/usage"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&printVMAsCmd{}, "")

	flag.Parse()
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}

// printVMAsCmd launches the given program under trace, creates a physical
// store alongside it, and logs the tracee's pid and platform once both are
// up. It constructs no MemoryManager, so it prints no VMA list.
type printVMAsCmd struct {
	configPath string
}

func (*printVMAsCmd) Name() string     { return "print_vmas" }
func (*printVMAsCmd) Synopsis() string { return "launch a program under trace and log its pid" }
func (*printVMAsCmd) Usage() string {
	return "print_vmas [-config path] -- <program> [args...]\n"
}

func (c *printVMAsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a config.toml overriding sandbox defaults")
}

func (c *printVMAsCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	argv := f.Args()
	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "print_vmas: missing program to launch")
		return subcommands.ExitUsageError
	}

	cfg := &gosentryconfig.Config{Platform: "ptrace"}
	if c.configPath != "" {
		loaded, err := gosentryconfig.Load(c.configPath)
		if err != nil {
			logrus.WithError(err).Error("loading config")
			return subcommands.ExitFailure
		}
		cfg = loaded
	}

	g, gctx := errgroup.WithContext(ctx)
	var mf *pgalloc.MemoryFile
	var tracee *ptrace.Tracee

	g.Go(func() error {
		var err error
		mf, err = pgalloc.New(pgalloc.Opts{})
		return err
	})
	g.Go(func() error {
		var err error
		tracee, err = ptrace.Launch(argv, os.Environ())
		return err
	})
	if err := g.Wait(); err != nil {
		logrus.WithError(err).Error("starting sandbox components")
		return subcommands.ExitFailure
	}
	defer mf.Close()
	defer tracee.Close()
	_ = gctx

	logrus.WithFields(logrus.Fields{
		"pid":      tracee.Pid,
		"platform": cfg.Platform,
	}).Info("tracee stopped at entry")

	logrus.WithField("total_bytes", usage.MemoryAccounting.Total()).Debug("initial memory accounting")

	return subcommands.ExitSuccess
}
