package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/polyterm/polyterm/internal/version"
)

// Profile is the process-level configuration resolved from flags and
// environment variables at startup. Unlike the gateway config file, the
// profile is immutable for the lifetime of the process.
type Profile struct {
	// Mode can be "prod", "dev", or "demo".
	Mode string
	// Addr is the binding address for the HTTP server.
	Addr string
	// Port is the binding port for the HTTP server.
	Port int
	// Data is the directory for local state (sqlite database, sessions).
	Data string
	// Driver is the database driver: "sqlite" or "postgres".
	Driver string
	// DSN is the database connection string. Defaults to a sqlite file
	// under Data when Driver is "sqlite".
	DSN string
	// ConfigPath is the path to the hot-reloadable gateway config file.
	ConfigPath string
	// SkillsDir is the directory watched for agent skill changes.
	SkillsDir string
	// MetricsToken, when non-empty, is the bearer token required by /metrics.
	MetricsToken string
	// InstanceURL is the externally reachable base URL, used to register
	// platform webhooks.
	InstanceURL string
	// Version is the current version.
	Version string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// Validate normalizes the profile and fills in defaults.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		p.Data = "/var/opt/polyterm"
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		return errors.Wrap(err, "failed to check data directory")
	}
	p.Data = dataDir

	if p.Driver == "" {
		p.Driver = "sqlite"
	}
	if p.Driver == "sqlite" && p.DSN == "" {
		dbFile := fmt.Sprintf("polyterm_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile)
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("dsn is required for postgres driver")
	}

	p.Version = version.GetEffectiveVersion(p.Mode)
	return nil
}

// FromEnv builds a profile from environment variables, applying the given
// defaults for anything unset. Flags take precedence over the environment,
// so callers pass flag values in as defaults.
func FromEnv(defaults Profile) *Profile {
	p := defaults
	if v := os.Getenv("POLYTERM_MODE"); v != "" {
		p.Mode = v
	}
	if v := os.Getenv("POLYTERM_ADDR"); v != "" {
		p.Addr = v
	}
	if v := os.Getenv("POLYTERM_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			p.Port = port
		}
	}
	if v := os.Getenv("POLYTERM_DATA"); v != "" {
		p.Data = v
	}
	if v := os.Getenv("POLYTERM_DRIVER"); v != "" {
		p.Driver = v
	}
	if v := os.Getenv("POLYTERM_DSN"); v != "" {
		p.DSN = v
	}
	if v := os.Getenv("POLYTERM_CONFIG"); v != "" {
		p.ConfigPath = v
	}
	if v := os.Getenv("POLYTERM_SKILLS_DIR"); v != "" {
		p.SkillsDir = v
	}
	if v := os.Getenv("POLYTERM_METRICS_TOKEN"); v != "" {
		p.MetricsToken = v
	}
	if v := os.Getenv("POLYTERM_INSTANCE_URL"); v != "" {
		p.InstanceURL = v
	}
	return &p
}
