package backend

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"bridgectl/internal/process"
	pkgstrings "bridgectl/pkg/strings"
)

const (
	runtimeVersionScript = "import sys; print('%d.%d.%d' % sys.version_info[:3])"
	// bridgeModule is the entry point of the bridge inside the package.
	bridgeModule = "bridge.main"
)

func softwareVersionScript(pkg string) string {
	return fmt.Sprintf("import %s; print(%s.__version__)", pkg, pkg)
}

// pythonToolchain runs python tooling either on the host (no prefix) or inside
// a guest through a command prefix such as "wsl -d Ubuntu --".
type pythonToolchain struct {
	runner process.Runner
	prefix []string
	python string
	pkg    string
	// windowsVenv selects the Scripts\python.exe venv layout.
	windowsVenv bool
}

func (p pythonToolchain) command(args ...string) (string, []string) {
	full := append(append([]string{}, p.prefix...), args...)
	return full[0], full[1:]
}

func (p pythonToolchain) output(ctx context.Context, args ...string) (string, error) {
	name, rest := p.command(args...)
	return p.runner.Output(ctx, name, rest...)
}

func (p pythonToolchain) stream(ctx context.Context, emit Emit, args ...string) error {
	name, rest := p.command(args...)
	return p.runner.Stream(ctx, func(line string) { emit(line) }, name, rest...)
}

// runtimeVersion reports the interpreter version, or "" when there is no
// usable interpreter.
func (p pythonToolchain) runtimeVersion(ctx context.Context) string {
	out, err := p.output(ctx, p.python, "-c", runtimeVersionScript)
	if err != nil {
		return ""
	}
	return pkgstrings.FirstLine(out)
}

// venvPython is where pipx puts the package's own interpreter.
func (p pythonToolchain) venvPython(venvs string) string {
	if p.windowsVenv {
		return strings.TrimRight(venvs, `\/`) + `\` + p.pkg + `\Scripts\python.exe`
	}
	return path.Join(venvs, p.pkg, "bin", "python")
}

// interpreter returns the interpreter that can import the bridge package:
// the pipx venv when one exists, otherwise the base interpreter.
func (p pythonToolchain) interpreter(ctx context.Context) string {
	venvs, err := p.output(ctx, "pipx", "environment", "--value", "PIPX_LOCAL_VENVS")
	if err == nil && strings.TrimSpace(venvs) != "" {
		candidate := p.venvPython(pkgstrings.FirstLine(venvs))
		if _, err := p.output(ctx, candidate, "-c", "pass"); err == nil {
			return candidate
		}
	}
	return p.python
}

// installedVersion reports the version of the installed bridge package.
func (p pythonToolchain) installedVersion(ctx context.Context) (string, bool) {
	out, err := p.output(ctx, p.interpreter(ctx), "-c", softwareVersionScript(p.pkg))
	if err != nil {
		return "", false
	}
	return pkgstrings.FirstLine(out), true
}

// streamWithFallback runs primary and, when it fails, fallback.
func (p pythonToolchain) streamWithFallback(ctx context.Context, emit Emit, primary, fallback []string) error {
	err := p.stream(ctx, emit, primary...)
	if err == nil || ctx.Err() != nil || errors.Is(err, process.ErrToolNotFound) {
		return err
	}
	emit(fmt.Sprintf("%s failed (%v), trying %s", strings.Join(primary, " "), err, strings.Join(fallback, " ")))
	return p.stream(ctx, emit, fallback...)
}

func (p pythonToolchain) checkPipStep() Step {
	return Step{
		Name: "Check pip",
		Run: func(ctx context.Context, emit Emit) error {
			return p.streamWithFallback(ctx, emit,
				[]string{p.python, "-m", "pip", "--version"},
				[]string{p.python, "-m", "ensurepip", "--upgrade", "--user"})
		},
	}
}

func (p pythonToolchain) installPipxStep() Step {
	return Step{
		Name: "Install pipx",
		Run: func(ctx context.Context, emit Emit) error {
			return p.streamWithFallback(ctx, emit,
				[]string{p.python, "-m", "pip", "install", "--user", "--upgrade", "pipx"},
				[]string{p.python, "-m", "pip", "install", "--user", "--upgrade", "--break-system-packages", "pipx"})
		},
	}
}

func (p pythonToolchain) installPackageStep() Step {
	return Step{
		Name: "Install bridge package",
		Run: func(ctx context.Context, emit Emit) error {
			return p.streamWithFallback(ctx, emit,
				[]string{p.python, "-m", "pipx", "install", "--force", p.pkg},
				[]string{p.python, "-m", "pip", "install", "--user", "--upgrade", p.pkg})
		},
	}
}

func (p pythonToolchain) verifyStep() Step {
	return Step{
		Name: "Verify installation",
		Run: func(ctx context.Context, emit Emit) error {
			version, ok := p.installedVersion(ctx)
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%s is not importable after installation", p.pkg)
			}
			emit(fmt.Sprintf("%s %s installed", p.pkg, version))
			return nil
		},
	}
}

func (p pythonToolchain) launchArgs(interpreter string, port int) []string {
	return []string{interpreter, "-u", "-m", bridgeModule, "--tcp", "--port", fmt.Sprint(port)}
}
