package script

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/Masterminds/semver/v3"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/spacesbuild/spaces/internal/fingerprint"
	"github.com/spacesbuild/spaces/internal/platform"
	"github.com/spacesbuild/spaces/internal/structuredfile"
	"github.com/spacesbuild/spaces/internal/taxonomy"
)

func (e *Evaluator) infoModule() *starlarkstruct.Module {
	return module("info", map[string]*starlark.Builtin{
		"platform": starlark.NewBuiltin("info.platform", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			triple, err := platform.Current()
			if err != nil {
				return nil, taxonomy.Wrap(taxonomy.KindUnsupportedPlatform, "info.platform", err)
			}
			return starlark.String(triple.String()), nil
		}),
		"store_root": starlark.NewBuiltin("info.store_root", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			root, err := platform.StoreRoot()
			if err != nil {
				return nil, taxonomy.Wrap(taxonomy.KindIoError, "info.store_root", err)
			}
			return starlark.String(root), nil
		}),
		"cpu_count": starlark.NewBuiltin("info.cpu_count", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			return starlark.MakeInt(platform.WorkerCount()), nil
		}),
		"set_minimum_version": starlark.NewBuiltin("info.set_minimum_version", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var v string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "version", &v); err != nil {
				return nil, err
			}
			required, err := semver.NewVersion(v)
			if err != nil {
				return nil, taxonomy.Wrap(taxonomy.KindScriptError, "set_minimum_version: invalid version "+v, err)
			}
			current, err := semver.NewVersion(EngineVersion)
			if err != nil {
				return nil, taxonomy.Wrap(taxonomy.KindScriptError, "invalid engine version", err)
			}
			if current.LessThan(required) {
				return nil, taxonomy.New(taxonomy.KindVersionTooOld,
					fmt.Sprintf("engine %s is older than required %s", EngineVersion, v))
			}
			return starlark.None, nil
		}),
	})
}

func (e *Evaluator) workspaceModule() *starlarkstruct.Module {
	return module("workspace", map[string]*starlark.Builtin{
		"root": starlark.NewBuiltin("workspace.root", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			return starlark.String(e.WorkspaceRoot), nil
		}),
		"getenv": starlark.NewBuiltin("workspace.getenv", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			var def starlark.Value = starlark.None
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
				return nil, err
			}
			if v, ok := os.LookupEnv(name); ok {
				return starlark.String(v), nil
			}
			return def, nil
		}),
		"setenv": starlark.NewBuiltin("workspace.setenv", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name, value string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "value", &value); err != nil {
				return nil, err
			}
			if err := e.Env.Set(name, value); err != nil {
				return nil, taxonomy.Wrap(taxonomy.KindIoError, "workspace.setenv", err)
			}
			return starlark.None, nil
		}),
		"set_locks": starlark.NewBuiltin("workspace.set_locks", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var locks *starlark.Dict
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "locks", &locks); err != nil {
				return nil, err
			}
			m, err := stringDict(locks)
			if err != nil {
				return nil, err
			}
			for k, v := range m {
				e.Locks[k] = v
			}
			return starlark.None, nil
		}),
	})
}

func (e *Evaluator) fsModule() *starlarkstruct.Module {
	return module("fs", map[string]*starlark.Builtin{
		"exists": starlark.NewBuiltin("fs.exists", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var p string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &p); err != nil {
				return nil, err
			}
			_, err := os.Stat(e.workspaceRelPath(thread, p))
			return starlark.Bool(err == nil), nil
		}),
		"read_dir": starlark.NewBuiltin("fs.read_dir", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var p string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &p); err != nil {
				return nil, err
			}
			entries, err := os.ReadDir(e.workspaceRelPath(thread, p))
			if err != nil {
				return nil, taxonomy.Wrap(taxonomy.KindIoError, "fs.read_dir", err)
			}
			names := make([]starlark.Value, 0, len(entries))
			for _, ent := range entries {
				names = append(names, starlark.String(ent.Name()))
			}
			return starlark.NewList(names), nil
		}),
		"read_file": starlark.NewBuiltin("fs.read_file", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var p string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &p); err != nil {
				return nil, err
			}
			data, err := os.ReadFile(e.workspaceRelPath(thread, p)) // #nosec G304 -- script-declared, workspace-confined path
			if err != nil {
				return nil, taxonomy.Wrap(taxonomy.KindIoError, "fs.read_file", err)
			}
			return starlark.String(data), nil
		}),
		"read_json": fsReadStructured(e, structuredfile.FormatJSON),
		"read_toml": fsReadStructured(e, structuredfile.FormatTOML),
		"read_yaml": fsReadStructured(e, structuredfile.FormatYAML),
		"write_string_to_file": starlark.NewBuiltin("fs.write_string_to_file", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var p, content string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &p, "content", &content); err != nil {
				return nil, err
			}
			abs, err := e.confinedWorkspacePath(thread, p)
			if err != nil {
				return nil, taxonomy.Wrap(taxonomy.KindIoError, "fs.write_string_to_file", err)
			}
			if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
				return nil, taxonomy.Wrap(taxonomy.KindIoError, "fs.write_string_to_file", err)
			}
			return starlark.None, nil
		}),
		"append_string_to_file": starlark.NewBuiltin("fs.append_string_to_file", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var p, content string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &p, "content", &content); err != nil {
				return nil, err
			}
			abs, err := e.confinedWorkspacePath(thread, p)
			if err != nil {
				return nil, taxonomy.Wrap(taxonomy.KindIoError, "fs.append_string_to_file", err)
			}
			f, err := os.OpenFile(abs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) // #nosec G304
			if err != nil {
				return nil, taxonomy.Wrap(taxonomy.KindIoError, "fs.append_string_to_file", err)
			}
			defer func() { _ = f.Close() }()
			if _, err := f.WriteString(content); err != nil {
				return nil, taxonomy.Wrap(taxonomy.KindIoError, "fs.append_string_to_file", err)
			}
			return starlark.None, nil
		}),
	})
}

func fsReadStructured(e *Evaluator, format structuredfile.Format) *starlark.Builtin {
	return starlark.NewBuiltin("fs.read_"+string(format), func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var p string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &p); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(e.workspaceRelPath(thread, p)) // #nosec G304
		if err != nil {
			return nil, taxonomy.Wrap(taxonomy.KindIoError, b.Name(), err)
		}
		decoded, err := structuredfile.Decode(data, format)
		if err != nil {
			return nil, err
		}
		return toStarlark(decoded)
	})
}

func (e *Evaluator) hashModule() *starlarkstruct.Module {
	return module("hash", map[string]*starlark.Builtin{
		"compute_sha256_from_string": starlark.NewBuiltin("hash.compute_sha256_from_string", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var s string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "value", &s); err != nil {
				return nil, err
			}
			return starlark.String(fingerprint.ComputeStringHash(s)), nil
		}),
		"compute_sha256_from_file": starlark.NewBuiltin("hash.compute_sha256_from_file", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var p string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &p); err != nil {
				return nil, err
			}
			digest, err := fingerprint.ComputeFileHash(e.workspaceRelPath(thread, p))
			if err != nil {
				return nil, err
			}
			return starlark.String(digest), nil
		}),
	})
}

func (e *Evaluator) jsonModule() *starlarkstruct.Module {
	return module("json", map[string]*starlark.Builtin{
		"to_string": starlark.NewBuiltin("json.to_string", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var v starlark.Value
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "value", &v); err != nil {
				return nil, err
			}
			return jsonEncode(v, false)
		}),
		"to_string_pretty": starlark.NewBuiltin("json.to_string_pretty", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var v starlark.Value
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "value", &v); err != nil {
				return nil, err
			}
			return jsonEncode(v, true)
		}),
		"string_to_dict": starlark.NewBuiltin("json.string_to_dict", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var s string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "value", &s); err != nil {
				return nil, err
			}
			decoded, err := structuredfile.Decode([]byte(s), structuredfile.FormatJSON)
			if err != nil {
				return nil, err
			}
			return toStarlark(decoded)
		}),
	})
}

func jsonEncode(v starlark.Value, pretty bool) (starlark.Value, error) {
	goVal, err := fromStarlark(v)
	if err != nil {
		return nil, err
	}
	var (
		data   []byte
		encErr error
	)
	if pretty {
		data, encErr = json.MarshalIndent(goVal, "", "  ")
	} else {
		data, encErr = json.Marshal(goVal)
	}
	if encErr != nil {
		return nil, taxonomy.Wrap(taxonomy.KindScriptError, "json encode", encErr)
	}
	return starlark.String(data), nil
}

func (e *Evaluator) processModule() *starlarkstruct.Module {
	return module("process", map[string]*starlark.Builtin{
		"exec": starlark.NewBuiltin("process.exec", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var (
				command          string
				execArgs         *starlark.List
				workingDirectory string
			)
			if err := starlark.UnpackArgs(b.Name(), args, kwargs,
				"command", &command, "args?", &execArgs, "working_directory?", &workingDirectory,
			); err != nil {
				return nil, err
			}
			argv, err := stringList(execArgs)
			if err != nil {
				return nil, err
			}

			cmd := exec.CommandContext(context.Background(), command, argv...) //nolint:gosec // script-declared command, trusted input
			if workingDirectory != "" {
				cmd.Dir = e.workspaceRelPath(thread, workingDirectory)
			}
			var stdout, stderr []byte
			stdout, stderrErr := cmd.Output()
			exitCode := 0
			if stderrErr != nil {
				if exitErr, ok := stderrErr.(*exec.ExitError); ok {
					exitCode = exitErr.ExitCode()
					stderr = exitErr.Stderr
				} else {
					return nil, taxonomy.Wrap(taxonomy.KindProcessFailure, "process.exec", stderrErr)
				}
			}

			result := starlark.NewDict(3)
			_ = result.SetKey(starlark.String("status"), starlark.MakeInt(exitCode))
			_ = result.SetKey(starlark.String("stdout"), starlark.String(stdout))
			_ = result.SetKey(starlark.String("stderr"), starlark.String(stderr))
			return result, nil
		}),
	})
}

func (e *Evaluator) scriptModule() *starlarkstruct.Module {
	return module("script", map[string]*starlark.Builtin{
		"get_arg": starlark.NewBuiltin("script.get_arg", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var index int
			var def starlark.Value = starlark.None
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "index", &index, "default?", &def); err != nil {
				return nil, err
			}
			if index < 0 || index >= len(e.scriptArgs) {
				return def, nil
			}
			return starlark.String(e.scriptArgs[index]), nil
		}),
		"get_args": starlark.NewBuiltin("script.get_args", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			values := make([]starlark.Value, 0, len(e.scriptArgs))
			for _, a := range e.scriptArgs {
				values = append(values, starlark.String(a))
			}
			return starlark.NewList(values), nil
		}),
		"print": starlark.NewBuiltin("script.print", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var msg string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "msg", &msg); err != nil {
				return nil, err
			}
			fmt.Fprintln(os.Stderr, msg)
			return starlark.None, nil
		}),
		"set_exit_code": starlark.NewBuiltin("script.set_exit_code", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var code int
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "code", &code); err != nil {
				return nil, err
			}
			e.ExitCode = code
			return starlark.None, nil
		}),
	})
}
