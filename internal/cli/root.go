/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package cli is the epaper command line tool. Every command opens the storage engine
// from the user configuration, runs one operation and closes it again.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"epaperstore/internal/config"
	"epaperstore/internal/crash"
	applog "epaperstore/internal/log"
	"epaperstore/internal/preview"
	"epaperstore/internal/storage"
)

// Globals are the persistent flags shared by every command.
type Globals struct {
	ConfigPath string
	DataDir    string
	JSON       bool
	Quiet      bool
}

type commandDeps struct {
	out     io.Writer
	globals *Globals
}

func NewRootCommand(out io.Writer) *cobra.Command {
	globals := &Globals{}
	deps := commandDeps{out: out, globals: globals}
	cmd := &cobra.Command{
		Use:           "epaper",
		Short:         "Local e-paper page store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ExitError{Code: ExitCodeUsage, Err: err}
	})

	pf := cmd.PersistentFlags()
	pf.StringVar(&globals.ConfigPath, "config", "", "Config file (default: per-user config.yaml, or $"+config.EnvConfigPath+")")
	pf.StringVar(&globals.DataDir, "data-dir", "", "Data directory (overrides storage.data_dir)")
	pf.BoolVar(&globals.JSON, "json", false, "Print machine-readable JSON")
	pf.BoolVarP(&globals.Quiet, "quiet", "q", false, "Print nothing on success")

	cmd.AddCommand(
		newSaveCommand(deps),
		newDeleteCommand(deps),
		newListCommand(deps),
		newPagesCommand(deps),
		newStatsCommand(deps),
		newClearCommand(deps),
		newExportCommand(deps),
		newImportCommand(deps),
		newBackupCommand(deps),
		newVerifyCommand(deps),
		newPDFCommand(deps),
		newArchiveCommand(deps),
		newBatchCommand(deps),
		newServeCommand(deps),
		newVersionCommand(deps),
	)
	return cmd
}

func (d commandDeps) loadConfig() (config.AppConfig, error) {
	var (
		cfg config.AppConfig
		err error
	)
	if p := strings.TrimSpace(d.globals.ConfigPath); p != "" {
		cfg, err = config.LoadFile(p)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return cfg, asExitError(ExitCodeUsage, err)
	}
	if dir := strings.TrimSpace(d.globals.DataDir); dir != "" {
		cfg.Storage.DataDir = dir
	}
	applog.Init(applog.Options{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.Source,
		File:      cfg.Logging.File,
	})
	return cfg, nil
}

func engineOptions(cfg config.AppConfig) storage.Options {
	return storage.Options{
		Dir:               cfg.Storage.DataDir,
		BackupGenerations: cfg.Storage.BackupGenerations,
		OpTimeout:         cfg.Storage.OpTimeout(),
		Compress:          cfg.Storage.Compress(),
		WriteParallelism:  cfg.Storage.WriteParallelism,
		Catalog:           cfg.Catalog(),
		Previewer: preview.New(preview.Options{
			MaxWidth:  cfg.Previews.MaxWidth,
			MaxHeight: cfg.Previews.MaxHeight,
			Quality:   cfg.Previews.JPEGQuality,
		}),
		Logger: applog.WithComponent("storage"),
	}
}

// withEngine opens the engine for one command. A panic inside fn is turned into a
// crash report and a backup snapshot.
func withEngine(ctx context.Context, deps commandDeps, fn func(ctx context.Context, cfg config.AppConfig, eng *storage.Engine) error) error {
	cfg, err := deps.loadConfig()
	if err != nil {
		return err
	}
	eng, err := storage.Open(ctx, engineOptions(cfg))
	if err != nil {
		return mapCommandError(err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			applog.WithComponent("cli").Warn("close engine", slog.Any("err", err))
		}
	}()
	defer crash.Recover(eng)
	if rep := eng.LastRecovery(); !rep.Empty() {
		applog.WithComponent("cli").Warn("repaired interrupted operations",
			slog.Any("rolled_forward", rep.RolledForward),
			slog.Any("finished_deletes", rep.FinishedDeletes),
			slog.Any("superseded", rep.Superseded),
			slog.Any("failed", rep.Failed))
	}
	return mapCommandError(fn(ctx, cfg, eng))
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// report prints v as JSON with --json, the text from text() otherwise, nothing with --quiet.
func (d commandDeps) report(v any, text func(io.Writer) error) error {
	if d.globals.JSON {
		return printJSON(d.out, v)
	}
	if d.globals.Quiet {
		return nil
	}
	return text(d.out)
}

func noArgs(name string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != 0 {
			return usageErrorf("%s does not accept positional arguments", name)
		}
		return nil
	}
}

func exactArgs(name string, n int, what string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return usageErrorf("%s requires %s", name, what)
		}
		return nil
	}
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
