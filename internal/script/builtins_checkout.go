package script

import (
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/spacesbuild/spaces/internal/registry"
)

// checkoutModule builds the checkout.* namespace. Every rule-emitting
// function here records into the registry only when e.Phase ==
// PhaseCheckout; during the run-evaluation pass they are harmless no-ops
// so the same script can be evaluated in both phases without error.
func (e *Evaluator) checkoutModule() *starlarkstruct.Module {
	return module("checkout", map[string]*starlark.Builtin{
		"add_repo":            starlark.NewBuiltin("checkout.add_repo", e.checkoutAddRepo),
		"add_archive":         starlark.NewBuiltin("checkout.add_archive", e.checkoutAddArchive),
		"add_platform_archive": starlark.NewBuiltin("checkout.add_platform_archive", e.checkoutAddPlatformArchive),
		"add_asset":           starlark.NewBuiltin("checkout.add_asset", e.checkoutAddAsset),
		"add_which_asset":     starlark.NewBuiltin("checkout.add_which_asset", e.checkoutAddWhichAsset),
		"add_hard_link_asset": starlark.NewBuiltin("checkout.add_hard_link_asset", e.checkoutAddHardLinkAsset),
		"update_asset":        starlark.NewBuiltin("checkout.update_asset", e.checkoutUpdateAsset),
		"update_env":          starlark.NewBuiltin("checkout.update_env", e.checkoutUpdateEnv),
		"add_cargo_bin":       starlark.NewBuiltin("checkout.add_cargo_bin", e.checkoutAddCargoBin),
		"abort":               abortBuiltin("checkout"),
	})
}

// ruleCommon is filled in by each builtin's UnpackArgs call and turned
// into a registry.Rule by addRule.
type ruleCommon struct {
	name   string
	deps   *starlark.List
	typ    string
	help   string
	inputs starlark.Value
}

func (e *Evaluator) addRule(thread *starlark.Thread, rc ruleCommon, kind registry.Kind, payload any) error {
	if e.Phase != PhaseCheckout && kind.IsCheckout() {
		return nil
	}
	if e.Phase != PhaseRun && !kind.IsCheckout() {
		return nil
	}

	deps, err := stringList(rc.deps)
	if err != nil {
		return err
	}
	inputs, err := inputsFromValue(rc.inputs)
	if err != nil {
		return err
	}

	typ := registry.TypeOptional
	switch rc.typ {
	case "Setup":
		typ = registry.TypeSetup
	case "Run":
		typ = registry.TypeRun
	case "", "Optional":
		typ = registry.TypeOptional
	}

	absPath := e.absScriptPathFromThread(thread)
	rule := registry.Rule{
		Name:          rc.name,
		QualifiedName: e.QualifyRuleName(absPath, rc.name),
		Kind:          kind,
		Type:          typ,
		Deps:          deps,
		Inputs:        inputs,
		Help:          rc.help,
		Payload:       payload,
	}
	return e.Registry.Add(rule)
}

func (e *Evaluator) checkoutAddRepo(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		rc           ruleCommon
		url, rev     string
		checkoutMode string = "Revision"
		cloneMode    string = "Default"
		branchName   string
		path         string
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &rc.name, "url", &url, "rev", &rev,
		"checkout_mode?", &checkoutMode, "clone_mode?", &cloneMode,
		"branch_name?", &branchName, "path?", &path,
		"deps?", &rc.deps, "type?", &rc.typ, "help?", &rc.help, "inputs?", &rc.inputs,
	); err != nil {
		return nil, err
	}
	if path == "" {
		path = rc.name
	}
	payload := registry.RepoPayload{
		URL: url, Rev: rev, CheckoutMode: checkoutMode, CloneMode: cloneMode,
		BranchName: branchName, Path: e.workspaceRelPath(thread, path),
	}
	if err := e.addRule(thread, rc, registry.KindCheckoutRepo, payload); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func (e *Evaluator) checkoutAddArchive(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		rc                                   ruleCommon
		url, sha256, destination             string
		includes, excludes                   *starlark.List
		stripPrefix, addPrefix, linkMode      string
	)
	linkMode = "Hardlink"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &rc.name, "url", &url, "sha256", &sha256, "destination?", &destination,
		"includes?", &includes, "excludes?", &excludes,
		"strip_prefix?", &stripPrefix, "add_prefix?", &addPrefix, "link_mode?", &linkMode,
		"deps?", &rc.deps, "type?", &rc.typ, "help?", &rc.help, "inputs?", &rc.inputs,
	); err != nil {
		return nil, err
	}
	if destination == "" {
		destination = rc.name
	}
	incl, err := stringList(includes)
	if err != nil {
		return nil, err
	}
	excl, err := stringList(excludes)
	if err != nil {
		return nil, err
	}
	payload := registry.ArchivePayload{
		URL: url, SHA256: sha256, LinkMode: linkMode,
		Includes: incl, Excludes: excl, StripPrefix: stripPrefix, AddPrefix: addPrefix,
		Destination: e.workspaceRelPath(thread, destination),
	}
	if err := e.addRule(thread, rc, registry.KindCheckoutArchive, payload); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func (e *Evaluator) checkoutAddPlatformArchive(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		rc          ruleCommon
		platforms   *starlark.Dict
		destination string
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &rc.name, "platforms", &platforms, "destination?", &destination,
		"deps?", &rc.deps, "type?", &rc.typ, "help?", &rc.help, "inputs?", &rc.inputs,
	); err != nil {
		return nil, err
	}
	if destination == "" {
		destination = rc.name
	}

	specs := make(map[string]registry.ArchivePayload)
	for _, item := range platforms.Items() {
		triple, ok := starlark.AsString(item[0])
		if !ok {
			continue
		}
		spec, ok := item[1].(*starlark.Dict)
		if !ok {
			continue
		}
		get := func(key string) string {
			v, _, _ := spec.Get(starlark.String(key))
			s, _ := starlark.AsString(v)
			return s
		}
		specs[triple] = registry.ArchivePayload{
			URL: get("url"), SHA256: get("sha256"),
			StripPrefix: get("strip_prefix"), AddPrefix: get("add_prefix"),
		}
	}

	payload := registry.PlatformArchivePayload{Platforms: specs, Destination: e.workspaceRelPath(thread, destination)}
	if err := e.addRule(thread, rc, registry.KindCheckoutPlatformArchive, payload); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func (e *Evaluator) checkoutAddAsset(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		rc                      ruleCommon
		destination, content    string
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &rc.name, "destination", &destination, "content", &content,
		"deps?", &rc.deps, "type?", &rc.typ, "help?", &rc.help, "inputs?", &rc.inputs,
	); err != nil {
		return nil, err
	}
	payload := registry.AssetPayload{Destination: e.workspaceRelPath(thread, destination), Content: content}
	if err := e.addRule(thread, rc, registry.KindCheckoutAsset, payload); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func (e *Evaluator) checkoutAddWhichAsset(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		rc                   ruleCommon
		which, destination   string
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &rc.name, "which", &which, "destination", &destination,
		"deps?", &rc.deps, "type?", &rc.typ, "help?", &rc.help, "inputs?", &rc.inputs,
	); err != nil {
		return nil, err
	}
	payload := registry.WhichAssetPayload{Which: which, Destination: e.workspaceRelPath(thread, destination)}
	if err := e.addRule(thread, rc, registry.KindCheckoutWhichAsset, payload); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func (e *Evaluator) checkoutAddHardLinkAsset(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		rc                       ruleCommon
		source, destination      string
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &rc.name, "source", &source, "destination", &destination,
		"deps?", &rc.deps, "type?", &rc.typ, "help?", &rc.help, "inputs?", &rc.inputs,
	); err != nil {
		return nil, err
	}
	payload := registry.HardLinkAssetPayload{
		Source:      e.workspaceRelPath(thread, source),
		Destination: e.workspaceRelPath(thread, destination),
	}
	if err := e.addRule(thread, rc, registry.KindCheckoutHardLinkAsset, payload); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func (e *Evaluator) checkoutUpdateAsset(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		rc          ruleCommon
		destination string
		format      string = "auto"
		value       starlark.Value
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &rc.name, "destination", &destination, "value", &value, "format?", &format,
		"deps?", &rc.deps, "type?", &rc.typ, "help?", &rc.help, "inputs?", &rc.inputs,
	); err != nil {
		return nil, err
	}
	decoded, err := fromStarlark(value)
	if err != nil {
		return nil, err
	}
	payload := registry.UpdateAssetPayload{Destination: e.workspaceRelPath(thread, destination), Format: format, Value: decoded}
	if err := e.addRule(thread, rc, registry.KindCheckoutUpdateAsset, payload); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func (e *Evaluator) checkoutUpdateEnv(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		rc           ruleCommon
		vars         *starlark.Dict
		pathPrepends *starlark.List
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &rc.name, "vars?", &vars, "path_prepends?", &pathPrepends,
		"deps?", &rc.deps, "type?", &rc.typ, "help?", &rc.help, "inputs?", &rc.inputs,
	); err != nil {
		return nil, err
	}

	var varsMap map[string]string
	if vars != nil {
		m, err := stringDict(vars)
		if err != nil {
			return nil, err
		}
		varsMap = m
	}
	prepends, err := stringList(pathPrepends)
	if err != nil {
		return nil, err
	}

	payload := registry.UpdateEnvPayload{Vars: varsMap, PathPrepends: prepends}
	if err := e.addRule(thread, rc, registry.KindCheckoutUpdateEnv, payload); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func (e *Evaluator) checkoutAddCargoBin(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		rc                           ruleCommon
		crate, version, destination  string
		bins                         *starlark.List
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &rc.name, "crate", &crate, "version?", &version,
		"bins?", &bins, "destination?", &destination,
		"deps?", &rc.deps, "type?", &rc.typ, "help?", &rc.help, "inputs?", &rc.inputs,
	); err != nil {
		return nil, err
	}
	binsList, err := stringList(bins)
	if err != nil {
		return nil, err
	}
	if destination == "" {
		destination = "sysroot/bin"
	}
	payload := registry.CargoBinPayload{Crate: crate, Version: version, Bins: binsList, Destination: e.workspaceRelPath(thread, destination)}
	if err := e.addRule(thread, rc, registry.KindCheckoutCargoBin, payload); err != nil {
		return nil, err
	}
	return starlark.None, nil
}
