package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Print the built-in Starlark reference",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(builtinReference)
	},
}

const builtinReference = `spaces Starlark built-ins

CHECKOUT PHASE (*.spaces.star, checkout module)
  checkout.add_repo(name, url, rev, checkout_mode="Revision", clone_mode="Default", deps=[])
      Clone or update a git repo at the workspace-relative destination path.
  checkout.add_archive(name, url, sha256, destination, link_mode="Hardlink", includes=[], deps=[])
      Download and extract an archive, verified against sha256.
  checkout.add_platform_archive(name, platforms={...}, destination, deps=[])
      Like add_archive but resolves one of several per-platform archives.
  checkout.add_asset(name, destination, content, deps=[])
      Write a literal file.
  checkout.update_asset(name, destination, format="auto", value={...}, deps=[])
      Deep-merge a structured value (json/toml/yaml) into an existing file.
  checkout.add_hard_link_asset(name, source, destination, deps=[])
      Hardlink a file already materialized elsewhere in the workspace.
  checkout.add_which_asset(name, which, destination, deps=[])
      Resolve an executable via PATH and install it at destination.
  checkout.add_cargo_bin(name, crate, version, bins=[], destination, deps=[])
      Install cargo binaries into the workspace's sysroot/bin.
  checkout.update_env(name, vars={...}, path_prepends=[], deps=[])
      Merge environment variables and PATH entries into the workspace env.

RUN PHASE (*.spaces.star, run module)
  run.add_exec(name, command, args=[], env={...}, working_directory=None, inputs=None, deps=[], type="Optional", help="")
      Execute a process; inputs controls fingerprint-based skip behavior.
  run.add_exec_if(name, if_command, if_args=[], if_env={...}, if_working_directory=None, if_expect="Success", then=[], else_=[], deps=[])
      Execute if_command, then enable either then or else_ by outcome.
  run.add_target(name, deps=[], type="Optional", help="")
      A no-op aggregation rule; useful as a phony target.

SHARED (any phase)
  workspace.root() -> str             workspace-absolute root path
  workspace.getenv(name, default=None) -> str|None  read a variable from the process environment
  workspace.setenv(name, value)       set a variable in the workspace env
  workspace.set_locks(locks)          pin repos' resolved commits ({name: commit})
  info.platform() -> str              "{os}-{arch}" identifier
  info.cpu_count() -> int
  info.store_root() -> str
  info.set_minimum_version(version)   fail with VersionTooOld if engine is older
  script.get_arg(index) -> str
  script.get_args() -> list[str]
  script.print(msg)
  script.set_exit_code(code)
  process.exec(command, args=[], working_directory=None) -> dict(status, stdout, stderr)
  fs.read_file(path) -> str
  fs.read_dir(path) -> list[str]
  fs.write_string_to_file(path, content)
  fs.append_string_to_file(path, content)
  fs.exists(path) -> bool
  json.to_string(value) -> str
  json.to_string_pretty(value) -> str
  json.string_to_dict(str) -> dict

PATH SYNTAX
  //abs/from/ws/root   workspace-absolute
  ./x, x/y             relative to the containing script's directory
  //dir/script:name    a rule's qualified name (script without .spaces.star)
`
