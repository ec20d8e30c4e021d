// Package devserver composes the dev-server startup command run inside
// a per-app container: package-manager detection and install/run
// script assembly. It is grounded on the teacher's
// buildDockerCommand/applyPortToArgs command-building switch in
// pkg/infra/provider/hybrid_engine_provider.go, generalized from one
// engine type's CLI flags to the three dev-server CLI conventions this
// domain needs, and on the bind-mount/ephemeral-build-container
// conventions of sasta-kro-corvus-paas's docker/builder.go.
package devserver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PackageManager identifies which Node package manager an app uses.
type PackageManager string

const (
	PNPM PackageManager = "pnpm"
	Yarn PackageManager = "yarn"
	NPM  PackageManager = "npm"
)

// DetectPM inspects appPath for a lockfile and reports the package
// manager to use, in spec.md §4.4's priority order:
// pnpm-lock.yaml -> yarn.lock -> package-lock.json -> fallback.
func DetectPM(appPath string, fallback PackageManager) PackageManager {
	switch {
	case fileExists(filepath.Join(appPath, "pnpm-lock.yaml")):
		return PNPM
	case fileExists(filepath.Join(appPath, "yarn.lock")):
		return Yarn
	case fileExists(filepath.Join(appPath, "package-lock.json")):
		return NPM
	default:
		return fallback
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func installCmd(pm PackageManager) string {
	switch pm {
	case PNPM:
		return "pnpm install"
	case Yarn:
		return "yarn install"
	default:
		return "npm install"
	}
}

// Spec describes how to launch a dev server for one app.
type Spec struct {
	AppPath        string
	PackageManager PackageManager
	Port           int
	InstallCommand []string
	StartCommand   []string
}

// BuildScript composes the shell script passed to the container
// entrypoint (spec.md §4.4 "Startup command composition"): hash
// package.json, compare against .dependency-hash, install only on
// mismatch or missing node_modules, then exec the dev server bound to
// 0.0.0.0:port. No static Dockerfile edits per app.
func BuildScript(s Spec) []string {
	install := installCmd(s.PackageManager)
	if len(s.InstallCommand) > 0 {
		install = strings.Join(quoteAll(s.InstallCommand), " ")
	}

	var startArgv []string
	if len(s.StartCommand) > 0 {
		// Custom command override: honour it verbatim unless it lacks a
		// port flag entirely, in which case inject one (spec.md §4.4).
		startArgv = injectPortIfAbsent(s.StartCommand, s.Port)
	} else {
		startArgv = applyPort(defaultStartCommand(s.PackageManager), s.Port)
	}
	start := strings.Join(quoteAll(startArgv), " ")

	script := fmt.Sprintf(`set -e
cd /app
NEW_HASH=$(sha256sum package.json 2>/dev/null | cut -d' ' -f1)
OLD_HASH=$(cat .dependency-hash 2>/dev/null || echo "")
if [ ! -d node_modules ] || [ "$NEW_HASH" != "$OLD_HASH" ]; then
  %s
  echo "$NEW_HASH" > .dependency-hash
fi
exec %s
`, install, start)

	return []string{"/bin/sh", "-c", script}
}

func quoteAll(argv []string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		if strings.ContainsAny(a, " \t\"'$") {
			out[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		} else {
			out[i] = a
		}
	}
	return out
}

func defaultStartCommand(pm PackageManager) []string {
	switch pm {
	case PNPM:
		return []string{"pnpm", "run", "dev", "--host", "0.0.0.0", "--port", "0"}
	case Yarn:
		return []string{"yarn", "dev", "--host", "0.0.0.0", "--port", "0"}
	default:
		return []string{"npm", "run", "dev", "--", "--host", "0.0.0.0", "--port", "0"}
	}
}

// applyPort substitutes the port into argv at its recognized flag
// position, or appends the Vite-like convention if none is present.
// Used to fill in the controller's own default start command, whose
// shape is always known in advance.
func applyPort(argv []string, port int) []string {
	result := make([]string, len(argv))
	copy(result, argv)
	portStr := fmt.Sprintf("%d", port)

	for i, arg := range result {
		switch arg {
		case "--port", "-p":
			if i+1 < len(result) {
				result[i+1] = portStr
				return result
			}
		}
		if strings.HasPrefix(arg, "PORT=") {
			result[i] = "PORT=" + portStr
			return result
		}
	}
	return append(result, "--port", portStr)
}

// injectPortIfAbsent honours a caller-supplied start command verbatim,
// injecting a port flag only when none of the well-known conventions
// (--port N for Vite-like, -p N for Next-like, PORT=N env prefix for
// react-scripts-like) is already present (spec.md §4.4).
func injectPortIfAbsent(argv []string, port int) []string {
	portStr := fmt.Sprintf("%d", port)
	for _, arg := range argv {
		if arg == "--port" || arg == "-p" || strings.HasPrefix(arg, "PORT=") {
			return argv
		}
	}
	result := make([]string, len(argv))
	copy(result, argv)
	return append(result, "--port", portStr)
}
