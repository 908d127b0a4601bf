package tool

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/atelier-ai/atelier/internal/common/apperr"
	"github.com/atelier-ai/atelier/internal/common/config"
	"github.com/atelier-ai/atelier/internal/platform/models"
)

// deniedBinaries are rejected at validation, before any approval is opened.
// The client executes commands with the user's own privileges, so destructive
// and privilege-escalating invocations never reach the consent flow at all.
var deniedBinaries = map[string]bool{
	"sudo": true, "su": true, "doas": true,
	"dd": true, "mkfs": true, "fdisk": true,
	"curl": true, "wget": true,
	"shutdown": true, "reboot": true, "halt": true, "poweroff": true,
}

// packageManagers whose install operations are rejected outright. Their read
// paths (list, audit, status) stay allowlisted where the binary itself is.
var packageManagers = map[string]bool{
	"npm": true, "pnpm": true, "yarn": true,
	"pip": true, "pip3": true,
	"apt": true, "apt-get": true, "yum": true, "dnf": true,
	"brew": true, "gem": true, "cargo": true,
}

var installSubcommands = map[string]bool{
	"install": true, "i": true, "add": true,
}

// Command risk tiers, keyed by the first token of the command line. Their
// union is also the argv[0] allowlist: a binary in none of them is rejected
// at validation.
var (
	infoCommands = map[string]bool{
		"grep": true, "find": true, "ls": true, "cat": true, "head": true,
		"tail": true, "wc": true, "echo": true, "date": true, "pwd": true,
		"whoami": true,
	}
	modifyCommands = map[string]bool{
		"git": true, "npm": true, "python": true, "python3": true, "node": true,
	}
	buildCommands = map[string]bool{
		"gcc": true, "make": true, "tar": true, "zip": true, "unzip": true,
	}
)

// executableExtensions mark write targets that escalate write_file to high risk.
var executableExtensions = map[string]bool{
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".bin": true,
	".sh": true, ".bash": true, ".bat": true, ".cmd": true, ".ps1": true,
	".msi": true, ".com": true,
}

// Policy enforces path, command, and size rules on validated params.
type Policy struct {
	limits config.ToolLimits
}

// NewPolicy creates a policy from configured limits.
func NewPolicy(limits config.ToolLimits) *Policy {
	return &Policy{limits: limits}
}

// readFileParams mirrors the read_file schema.
type readFileParams struct {
	Path     string `json:"path"`
	MaxBytes int64  `json:"max_bytes"`
}

type writeFileParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type executeCommandParams struct {
	Command  string `json:"command"`
	TimeoutS int    `json:"timeout_s"`
}

type listDirectoryParams struct {
	Path string `json:"path"`
}

// Check applies the safety policy to schema-valid params. Schema validation
// must run first; Check assumes well-formed JSON.
func (p *Policy) Check(name string, params json.RawMessage) error {
	switch name {
	case ReadFile:
		var rp readFileParams
		if err := json.Unmarshal(params, &rp); err != nil {
			return apperr.Wrap(apperr.KindValidation, err, "decode %s params", name)
		}
		if err := checkPath(rp.Path); err != nil {
			return err
		}
		if rp.MaxBytes > p.limits.ReadBytes {
			return apperr.New(apperr.KindValidation,
				"max_bytes %d exceeds read limit %d", rp.MaxBytes, p.limits.ReadBytes)
		}
		return nil

	case WriteFile:
		var wp writeFileParams
		if err := json.Unmarshal(params, &wp); err != nil {
			return apperr.Wrap(apperr.KindValidation, err, "decode %s params", name)
		}
		if err := checkPath(wp.Path); err != nil {
			return err
		}
		if int64(len(wp.Content)) > p.limits.OutputBytes {
			return apperr.New(apperr.KindValidation,
				"content size %d exceeds limit %d", len(wp.Content), p.limits.OutputBytes)
		}
		return nil

	case ExecuteCommand:
		var ep executeCommandParams
		if err := json.Unmarshal(params, &ep); err != nil {
			return apperr.Wrap(apperr.KindValidation, err, "decode %s params", name)
		}
		return p.checkCommand(ep)

	case ListDirectory:
		var lp listDirectoryParams
		if err := json.Unmarshal(params, &lp); err != nil {
			return apperr.Wrap(apperr.KindValidation, err, "decode %s params", name)
		}
		if lp.Path == "" {
			return nil
		}
		return checkPath(lp.Path)
	}
	return apperr.New(apperr.KindValidation, "unknown tool %q", name)
}

// checkPath rejects escapes from the workspace. Paths are workspace-relative;
// the client resolves them under the project root.
func checkPath(path string) error {
	if path == "" {
		return apperr.New(apperr.KindValidation, "path must not be empty")
	}
	if strings.ContainsRune(path, 0) {
		return apperr.New(apperr.KindValidation, "path contains NUL byte")
	}
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, "\\") {
		return apperr.NewCode(apperr.KindValidation, "path_outside_workspace",
			"path must be workspace-relative: %q", path)
	}
	if len(path) >= 2 && path[1] == ':' {
		return apperr.NewCode(apperr.KindValidation, "path_outside_workspace",
			"path must be workspace-relative: %q", path)
	}
	if strings.HasPrefix(path, "~") {
		return apperr.NewCode(apperr.KindValidation, "path_outside_workspace",
			"path must not reference the home directory: %q", path)
	}
	for _, part := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return apperr.NewCode(apperr.KindValidation, "path_outside_workspace",
				"path must not traverse outside the workspace: %q", path)
		}
	}
	return nil
}

// checkCommand validates a command line segment by segment: every segment's
// binary must pass the denylist and sit on the allowlist. Risk classification
// only ever sees command lines that survive this.
func (p *Policy) checkCommand(ep executeCommandParams) error {
	cmd := strings.TrimSpace(ep.Command)
	if cmd == "" {
		return apperr.New(apperr.KindValidation, "command must not be empty")
	}
	if strings.ContainsRune(cmd, 0) {
		return apperr.New(apperr.KindValidation, "command contains NUL byte")
	}
	lower := strings.ToLower(cmd)
	if strings.Contains(lower, ":(){") {
		return apperr.NewCode(apperr.KindValidation, "command_blocked",
			"destructive command is rejected")
	}

	for _, segment := range splitCommandSegments(lower) {
		fields := strings.Fields(segment)
		if len(fields) == 0 {
			continue
		}
		if what, denied := deniedCommand(fields); denied {
			return apperr.NewCode(apperr.KindValidation, "command_blocked",
				"destructive command %q is rejected", what)
		}
		if !allowedBinary(fields[0]) {
			return apperr.NewCode(apperr.KindValidation, "command_not_allowed",
				"command %q is not on the allowlist", fields[0])
		}
	}

	if ep.TimeoutS > p.limits.CommandTimeoutSec {
		return apperr.New(apperr.KindValidation,
			"timeout_s %d exceeds limit %d", ep.TimeoutS, p.limits.CommandTimeoutSec)
	}
	return nil
}

// deniedCommand reports whether one segment hits the destructive denylist.
func deniedCommand(fields []string) (string, bool) {
	head := fields[0]
	if deniedBinaries[head] || strings.HasPrefix(head, "mkfs.") {
		return head, true
	}
	if head == "rm" && recursiveForce(fields[1:]) {
		return "rm -rf", true
	}
	if packageManagers[head] {
		for _, arg := range fields[1:] {
			if installSubcommands[arg] {
				return head + " " + arg, true
			}
		}
	}
	return "", false
}

// recursiveForce detects -r and -f in any spelling, combined or separate.
func recursiveForce(args []string) bool {
	recursive, force := false, false
	for _, arg := range args {
		switch {
		case arg == "--recursive":
			recursive = true
		case arg == "--force":
			force = true
		case strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--"):
			if strings.ContainsAny(arg, "rR") {
				recursive = true
			}
			if strings.Contains(arg, "f") {
				force = true
			}
		}
	}
	return recursive && force
}

func allowedBinary(head string) bool {
	return infoCommands[head] || modifyCommands[head] || buildCommands[head]
}

// AssessRisk classifies a validated tool call. Reads are low; writes depend
// on the target extension; commands are tiered by their leading token. Only
// allowlisted command lines reach this point.
func AssessRisk(name string, params json.RawMessage) models.RiskLevel {
	def, err := Lookup(name)
	if err != nil {
		return models.RiskHigh
	}

	switch name {
	case WriteFile:
		var wp writeFileParams
		if json.Unmarshal(params, &wp) == nil {
			ext := strings.ToLower(filepath.Ext(wp.Path))
			if executableExtensions[ext] {
				return models.RiskHigh
			}
		}
		return models.RiskMedium

	case ExecuteCommand:
		var ep executeCommandParams
		if json.Unmarshal(params, &ep) != nil {
			return models.RiskHigh
		}
		return assessCommandRisk(ep.Command)
	}
	return def.BaseRisk
}

func assessCommandRisk(command string) models.RiskLevel {
	lower := strings.ToLower(strings.TrimSpace(command))
	// Compound commands are classified by their riskiest segment.
	risk := models.RiskLow
	for _, segment := range splitCommandSegments(lower) {
		fields := strings.Fields(segment)
		if len(fields) == 0 {
			continue
		}
		head := fields[0]
		switch {
		case buildCommands[head]:
			return models.RiskHigh
		case modifyCommands[head]:
			risk = models.RiskMedium
		case infoCommands[head]:
			// stays at the current tier
		default:
			// Not allowlisted; validation rejects these before classification.
			return models.RiskHigh
		}
	}
	return risk
}

// splitCommandSegments breaks a shell line on ;, && and | so each piped or
// chained command is classified on its own.
func splitCommandSegments(command string) []string {
	return strings.FieldsFunc(command, func(r rune) bool {
		return r == ';' || r == '&' || r == '|'
	})
}
