// Package config loads sheetsync settings.
//
// Precedence, lowest first: built-in defaults, the YAML file, SHEETSYNC_*
// environment variables, command-line flags (applied by the CLI). The
// merged result is checked against an embedded CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/sheetsync/internal/auth"
)

//go:embed schema.cue
var schemaSource []byte

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SHEETSYNC_"

// Config is the full settings tree.
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	Store   StoreConfig   `yaml:"store" json:"store"`
	Broker  BrokerConfig  `yaml:"broker" json:"broker"`
	Offline OfflineConfig `yaml:"offline" json:"offline"`
	Actors  []ActorConfig `yaml:"actors" json:"actors"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr" json:"addr"`
	AllowedOrigins []string      `yaml:"allowedOrigins" json:"allowedOrigins"`
	PongWait       time.Duration `yaml:"pongWait" json:"pongWait"`
}

type StoreConfig struct {
	Path string `yaml:"path" json:"path"`
}

type BrokerConfig struct {
	OutboxSize int `yaml:"outboxSize" json:"outboxSize"`
}

type OfflineConfig struct {
	QueuePath string `yaml:"queuePath" json:"queuePath"`
	ServerURL string `yaml:"serverURL" json:"serverURL"`
	Token     string `yaml:"token" json:"token"`
}

// ActorConfig maps a bearer token to an actor.
type ActorConfig struct {
	Token string `yaml:"token" json:"token"`
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:     "127.0.0.1:8080",
			PongWait: 60 * time.Second,
		},
		Store:  StoreConfig{Path: "sheetsync.db"},
		Broker: BrokerConfig{OutboxSize: 256},
		Offline: OfflineConfig{
			QueuePath: "sheetsync-offline.db",
			ServerURL: "ws://127.0.0.1:8080/ws",
		},
	}
}

// Load reads path (optional; "" means defaults only), applies environment
// overrides from getenv and validates the result. Pass os.Getenv outside
// tests.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if getenv != nil {
		if err := applyEnv(&cfg, getenv); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeYAML decodes over the defaults already in cfg. Unknown keys are
// errors so typos do not silently fall back to defaults.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	str("ADDR", &cfg.Server.Addr)
	str("STORE_PATH", &cfg.Store.Path)
	str("QUEUE_PATH", &cfg.Offline.QueuePath)
	str("SERVER_URL", &cfg.Offline.ServerURL)
	str("TOKEN", &cfg.Offline.Token)

	if v := getenv(EnvPrefix + "ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = strings.Split(v, ",")
	}
	if v := getenv(EnvPrefix + "PONG_WAIT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sPONG_WAIT: %w", EnvPrefix, err)
		}
		cfg.Server.PongWait = d
	}
	if v := getenv(EnvPrefix + "OUTBOX_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sOUTBOX_SIZE: %w", EnvPrefix, err)
		}
		cfg.Broker.OutboxSize = n
	}
	return nil
}

// Validate checks cfg against the schema and for duplicate actor tokens.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaSource).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	v := schema.Unify(ctx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		var msgs []string
		for _, e := range cueerrors.Errors(err) {
			msgs = append(msgs, e.Error())
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}

	seen := make(map[string]bool, len(c.Actors))
	for _, a := range c.Actors {
		if seen[a.Token] {
			return fmt.Errorf("invalid config: token for actor %q is used twice", a.ID)
		}
		seen[a.Token] = true
	}
	return nil
}

// Resolver builds the token table for the transport.
func (c Config) Resolver() *auth.StaticResolver {
	tokens := make(map[string]auth.Actor, len(c.Actors))
	for _, a := range c.Actors {
		tokens[a.Token] = auth.Actor{ID: a.ID, Name: a.Name}
	}
	return auth.NewStaticResolver(tokens)
}
