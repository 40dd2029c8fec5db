// Package installer hands validated packages to the system tools that
// install and remove drivers. The tools are opaque: the backend only maps
// their exit status and output onto an Outcome.
package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/breeze-rmm/drivermgr/internal/device"
	"github.com/breeze-rmm/drivermgr/internal/drverr"
	"github.com/breeze-rmm/drivermgr/internal/logging"
	"github.com/breeze-rmm/drivermgr/internal/metrics"
	"github.com/breeze-rmm/drivermgr/internal/pkgfmt"
	"github.com/breeze-rmm/drivermgr/internal/repository"
)

var log = logging.L("installer")

// DefaultRebootFlag is the file Debian-family systems create when a package
// asks for a reboot.
const DefaultRebootFlag = "/run/reboot-required"

// Outcome is the result of one backend call.
type Outcome struct {
	// Kind is drverr.None on success.
	Kind           drverr.Kind
	RebootRequired bool
	Detail         string
}

func Succeeded(rebootRequired bool) Outcome {
	return Outcome{Kind: drverr.None, RebootRequired: rebootRequired}
}

func Failed(kind drverr.Kind, detail string) Outcome {
	if kind == drverr.None {
		kind = drverr.Internal
	}
	return Outcome{Kind: kind, Detail: detail}
}

func (o Outcome) OK() bool { return o.Kind == drverr.None }

// Err returns nil on success and a *drverr.Error otherwise.
func (o Outcome) Err(op string) error {
	if o.OK() {
		return nil
	}
	return drverr.E(o.Kind, op, errors.New(o.Detail))
}

// Backend installs and removes drivers. Calls are blocking and single-shot;
// callers must not expect them to stop on cancellation.
type Backend interface {
	Install(ctx context.Context, path string, desc repository.Descriptor) Outcome
	Uninstall(ctx context.Context, t Target) Outcome
}

// Target identifies what to remove. Signature describes the device as last
// scanned; Package, Format and Modules describe what this agent installed
// for it and are empty for drivers it did not install.
type Target struct {
	Signature device.Signature
	Package   string
	Version   string
	Format    pkgfmt.Format
	Modules   []string
}

// Driver is the kernel module to unload: the bound driver if the device
// has one, else the first module the installed package provides.
func (t Target) Driver() string {
	if t.Signature.DriverName != "" {
		return t.Signature.DriverName
	}
	if len(t.Modules) > 0 {
		return t.Modules[0]
	}
	return ""
}

func (t Target) vars(driver string) map[string]string {
	version := t.Version
	if version == "" {
		version = t.Signature.DriverVersion
	}
	return map[string]string{
		"driver":  driver,
		"package": t.Package,
		"name":    t.Package,
		"version": version,
		"device":  t.Signature.DeviceID,
		"vendor":  t.Signature.VendorID,
		"class":   string(t.Signature.Class),
	}
}

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Commands are argv templates. Placeholders: {path}, {name}, {version},
// {driver}, {package}, {device}, {vendor}, {class}.
type Commands struct {
	Package []string
	Module  []string
	// Uninstall unloads {driver}. It also runs before Remove for each module
	// a package provides.
	Uninstall []string
	// Remove purges an installed package by name. Empty means packages are
	// removed with Uninstall alone.
	Remove []string
	// ModuleRemove unloads a module loaded from a bare file.
	ModuleRemove []string
}

// DpkgCommands installs .deb packages with dpkg, loads bare modules with
// insmod and unloads drivers with modprobe.
func DpkgCommands() Commands {
	return Commands{
		Package:      []string{"dpkg", "-i", "{path}"},
		Module:       []string{"insmod", "{path}"},
		Uninstall:    []string{"modprobe", "-r", "{driver}"},
		Remove:       []string{"dpkg", "-r", "{package}"},
		ModuleRemove: []string{"rmmod", "{driver}"},
	}
}

// ExecCommands uses the same install template for every package format.
func ExecCommands(install, uninstall string) Commands {
	in := strings.Fields(install)
	return Commands{Package: in, Module: in, Uninstall: strings.Fields(uninstall)}
}

// ExecBackend runs Commands through Run.
type ExecBackend struct {
	Commands   Commands
	Run        Runner
	RebootFlag string
}

// New returns a backend for the configured installer: "dpkg" or "exec".
func New(kind, installCmd, uninstallCmd string) (*ExecBackend, error) {
	switch kind {
	case "", "dpkg":
		return &ExecBackend{Commands: DpkgCommands(), Run: runCommand, RebootFlag: DefaultRebootFlag}, nil
	case "exec":
		cmds := ExecCommands(installCmd, uninstallCmd)
		if len(cmds.Package) == 0 || len(cmds.Uninstall) == 0 {
			return nil, fmt.Errorf("installer exec needs install_command and uninstall_command")
		}
		return &ExecBackend{Commands: cmds, Run: runCommand, RebootFlag: DefaultRebootFlag}, nil
	}
	return nil, fmt.Errorf("unknown installer %q", kind)
}

func (b *ExecBackend) Install(ctx context.Context, path string, desc repository.Descriptor) Outcome {
	tmpl := b.Commands.Package
	if detectFile(path) == pkgfmt.FormatKernelModule {
		tmpl = b.Commands.Module
	}
	vars := map[string]string{
		"path":    path,
		"name":    desc.Name,
		"version": desc.Version,
	}
	return b.exec(ctx, "install", tmpl, vars)
}

// Uninstall removes what was installed for the target. A package this
// agent installed is purged after its modules are unloaded; a bare module is
// unloaded with ModuleRemove; anything else falls back to unloading the
// bound driver.
func (b *ExecBackend) Uninstall(ctx context.Context, t Target) Outcome {
	driver := t.Driver()
	switch {
	case t.Format == pkgfmt.FormatDeb && t.Package != "" && len(b.Commands.Remove) > 0:
		reboot := false
		for _, mod := range t.unloadOrder() {
			out := b.exec(ctx, "unload", b.Commands.Uninstall, t.vars(mod))
			switch {
			case out.OK():
				reboot = reboot || out.RebootRequired
			case out.Kind == drverr.ModuleNotFound:
				log.Debug("module not loaded", "module", mod, "package", t.Package)
			default:
				return out
			}
		}
		out := b.exec(ctx, "uninstall", b.Commands.Remove, t.vars(driver))
		if out.OK() && reboot {
			out.RebootRequired = true
		}
		return out
	case t.Format == pkgfmt.FormatKernelModule && driver != "" && len(b.Commands.ModuleRemove) > 0:
		return b.exec(ctx, "uninstall", b.Commands.ModuleRemove, t.vars(driver))
	case driver != "":
		return b.exec(ctx, "uninstall", b.Commands.Uninstall, t.vars(driver))
	}
	metrics.Installs.WithLabelValues("uninstall", drverr.ModuleNotFound.String()).Inc()
	return Failed(drverr.ModuleNotFound, fmt.Sprintf("device %s has no bound driver", t.Signature.LogicalID))
}

// unloadOrder is the bound driver followed by the package's other modules.
func (t Target) unloadOrder() []string {
	var mods []string
	seen := make(map[string]bool)
	for _, m := range append([]string{t.Signature.DriverName}, t.Modules...) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		mods = append(mods, m)
	}
	return mods
}

func (b *ExecBackend) exec(ctx context.Context, action string, tmpl []string, vars map[string]string) Outcome {
	start := time.Now()
	out := b.execute(ctx, action, tmpl, vars)
	result := "ok"
	if !out.OK() {
		result = out.Kind.String()
	}
	metrics.Installs.WithLabelValues(action, result).Inc()
	metrics.InstallDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
	return out
}

func (b *ExecBackend) execute(ctx context.Context, action string, tmpl []string, vars map[string]string) Outcome {
	if len(tmpl) == 0 {
		return Failed(drverr.Internal, "no "+action+" command configured")
	}
	argv := expand(tmpl, vars)
	run := b.Run
	if run == nil {
		run = runCommand
	}

	flagBefore := b.rebootFlagged()
	output, err := run(ctx, argv[0], argv[1:]...)
	text := strings.TrimSpace(string(output))
	if err != nil {
		kind := Classify(text)
		log.Warn(action+" failed", "command", argv[0], "kind", kind.String(), logging.KeyError, err, "output", text)
		detail := err.Error()
		if text != "" {
			detail = fmt.Sprintf("%s: %s", err, lastLine(text))
		}
		return Failed(kind, detail)
	}

	reboot := rebootRequested(text) || (!flagBefore && b.rebootFlagged())
	log.Info(action+" succeeded", "command", argv[0], "rebootRequired", reboot)
	return Succeeded(reboot)
}

func (b *ExecBackend) rebootFlagged() bool {
	if b.RebootFlag == "" {
		return false
	}
	_, err := os.Stat(b.RebootFlag)
	return err == nil
}

func detectFile(path string) pkgfmt.Format {
	f, err := os.Open(path)
	if err != nil {
		return pkgfmt.FormatUnknown
	}
	defer f.Close()
	head := make([]byte, 8)
	n, _ := io.ReadFull(f, head)
	return pkgfmt.Detect(head[:n])
}

// expand substitutes placeholders in a single pass, so a value that itself
// contains "{name}" is never expanded again.
func expand(tmpl []string, vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", vars[k])
	}
	r := strings.NewReplacer(pairs...)
	out := make([]string, len(tmpl))
	for i, arg := range tmpl {
		out[i] = r.Replace(arg)
	}
	return out
}

var (
	dependencyPattern = regexp.MustCompile(`(?i)dependency problems|depends on .* however|unknown symbol|unmet dependencies`)
	notFoundPattern   = regexp.MustCompile(`(?i)module \S+ not found|is not currently loaded|no such file or directory|not installed`)
	formatPattern     = regexp.MustCompile(`(?i)invalid module format|exec format error|not a debian format archive|invalid ELF header`)
	rebootPattern     = regexp.MustCompile(`(?i)reboot|restart (your|the) (system|computer|machine)`)
)

// Classify maps installer output onto an error kind. Output that matches no
// known failure is Internal.
func Classify(output string) drverr.Kind {
	switch {
	case dependencyPattern.MatchString(output):
		return drverr.DependencyUnresolved
	case formatPattern.MatchString(output):
		return drverr.InvalidModuleFormat
	case notFoundPattern.MatchString(output):
		return drverr.ModuleNotFound
	}
	return drverr.Internal
}

func rebootRequested(output string) bool {
	return rebootPattern.MatchString(output)
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
