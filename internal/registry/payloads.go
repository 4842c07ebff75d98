package registry

// Payload types carried by Rule.Payload, one per Kind. Executors type-assert
// Rule.Payload to the struct matching Rule.Kind; adding a new kind means
// adding a struct here, a case in the evaluator's builtins, and a case in
// the executor dispatch
// (spec.md §9: "New kinds require explicit addition in three places").

// RepoPayload backs CheckoutRepo.
type RepoPayload struct {
	URL           string
	Rev           string
	CheckoutMode  string // "Revision" | "NewBranch"
	CloneMode     string // "Default" | "Blobless" | "Worktree"
	BranchName    string
	Path          string // workspace-absolute filesystem path, resolved at rule-definition time
}

// ArchivePayload backs CheckoutArchive.
type ArchivePayload struct {
	URL         string
	SHA256      string
	LinkMode    string // "Hardlink" | "Copy"
	Includes    []string
	Excludes    []string
	StripPrefix string
	AddPrefix   string
	Destination string // workspace-absolute filesystem path, resolved at rule-definition time
}

// PlatformArchivePayload backs CheckoutPlatformArchive: a mapping from
// platform triple to an archive spec, resolved to the current platform
// at checkout time. Destination is shared across every platform variant.
type PlatformArchivePayload struct {
	Platforms   map[string]ArchivePayload
	Destination string
}

// AssetPayload backs CheckoutAsset.
type AssetPayload struct {
	Destination string
	Content     string
}

// UpdateAssetPayload backs CheckoutUpdateAsset.
type UpdateAssetPayload struct {
	Destination string
	Format      string // "json" | "toml" | "yaml" | "auto"
	Value       any    // decoded structured value to deep-merge in
}

// HardLinkAssetPayload backs CheckoutHardLinkAsset.
type HardLinkAssetPayload struct {
	Source      string
	Destination string
}

// WhichAssetPayload backs CheckoutWhichAsset.
type WhichAssetPayload struct {
	Which       string // executable name resolved via PATH
	Destination string
}

// CargoBinPayload backs CheckoutCargoBin.
type CargoBinPayload struct {
	Crate       string
	Version     string
	Bins        []string
	Destination string
}

// UpdateEnvPayload backs CheckoutUpdateEnv.
type UpdateEnvPayload struct {
	Vars         map[string]string
	PathPrepends []string
}

// ExecPayload backs RunExec, and the inner `if`/`then`/`else` execs of
// RunExecIf.
type ExecPayload struct {
	Command          string
	Args             []string
	Env              map[string]string
	WorkingDirectory string
	Expect           string // "Success" | "Failure"
	RedirectStdout   string
}

// ExecIfPayload backs RunExecIf.
type ExecIfPayload struct {
	If   ExecPayload
	Then []string // qualified names enabled when If matches its Expect
	Else []string // qualified names enabled otherwise
}
