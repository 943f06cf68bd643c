package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes environment variables that override options, as in
// MB_PORT or MB_ALLOWINJECTION
const EnvPrefix = "MB_"

// Options configures the admin server
type Options struct {
	Port           int           `koanf:"port"`
	Host           string        `koanf:"host"`
	LogLevel       string        `koanf:"loglevel"`
	AllowInjection bool          `koanf:"allowInjection"`
	AllowCORS      bool          `koanf:"allowCORS"`
	ConfigFile     string        `koanf:"configfile"`
	Datadir        string        `koanf:"datadir"`
	PidFile        string        `koanf:"pidfile"`
	RecordMatches  bool          `koanf:"recordMatches"`
	ProxyTimeout   time.Duration `koanf:"proxyTimeout"`
	IPWhitelist    string        `koanf:"ipWhitelist"`
	LocalOnly      bool          `koanf:"localOnly"`
}

// Whitelist returns the addresses allowed to call the admin API
func (o *Options) Whitelist() []string {
	if o.LocalOnly {
		return []string{"127.0.0.1", "::1"}
	}
	return strings.Split(o.IPWhitelist, "|")
}

// Defaults returns the options used when nothing else is configured
func Defaults() Options {
	return Options{
		Port:         2525,
		Host:         "localhost",
		LogLevel:     "info",
		PidFile:      "mb.pid",
		ProxyTimeout: 30 * time.Second,
		IPWhitelist:  "*",
	}
}

// optionKeys lists every koanf key; environment names are matched against
// it case-insensitively
var optionKeys = []string{
	"port", "host", "loglevel", "allowInjection", "allowCORS",
	"configfile", "datadir", "pidfile", "recordMatches", "proxyTimeout",
	"ipWhitelist", "localOnly",
}

// RegisterFlags adds a flag for every option to flags
func RegisterFlags(flags *pflag.FlagSet) {
	defaults := Defaults()
	flags.Int("port", defaults.Port, "the port to run the mountebank server on")
	flags.String("host", defaults.Host, "the hostname to bind the mountebank server to")
	flags.String("loglevel", defaults.LogLevel, "level for terminal logs (debug, info, warn, error)")
	flags.Bool("allowInjection", defaults.AllowInjection, "allow JavaScript injection")
	flags.Bool("allowCORS", defaults.AllowCORS, "allow cross-origin requests to the admin API")
	flags.String("configfile", defaults.ConfigFile, "file of imposters to load at startup (JSON or YAML)")
	flags.String("datadir", defaults.Datadir, "directory imposters are persisted to")
	flags.String("pidfile", defaults.PidFile, "where the process id is written")
	flags.Bool("recordMatches", defaults.RecordMatches, "record the matches of every stub")
	flags.Duration("proxyTimeout", defaults.ProxyTimeout, "timeout of proxied requests")
	flags.String("ipWhitelist", defaults.IPWhitelist, "pipe-delimited addresses, CIDR blocks or wildcards allowed to call the admin API")
	flags.Bool("localOnly", defaults.LocalOnly, "only accept admin requests from localhost")
	flags.String("rcfile", "", "YAML or JSON file with default options")
}

// Load layers the defaults, the rc file named by the "rcfile" flag,
// MB_* environment variables and the flags set on the command line, in
// that order
func Load(flags *pflag.FlagSet) (*Options, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if flags != nil {
		if rcfile, err := flags.GetString("rcfile"); err == nil && rcfile != "" {
			if err := loadRCFile(k, rcfile); err != nil {
				return nil, err
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, fmt.Errorf("loading flags: %w", err)
		}
	}

	var opts Options
	if err := k.Unmarshal("", &opts); err != nil {
		return nil, fmt.Errorf("decoding options: %w", err)
	}
	return &opts, nil
}

func envKey(name string) string {
	name = strings.TrimPrefix(name, EnvPrefix)
	for _, key := range optionKeys {
		if strings.EqualFold(key, name) {
			return key
		}
	}
	return strings.ToLower(name)
}
