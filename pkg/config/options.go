// Package config resolves process options from CLI flags and environment
// variables and derives the per-server state layout from them. Each
// recognized environment variable backs the default of a matching
// --kebab-case flag, so the effective precedence is flag > env > built-in
// default.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/leeoohoo/mcp-subagent-router/pkg/ident"
	"github.com/leeoohoo/mcp-subagent-router/pkg/llm"
	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
	"github.com/leeoohoo/mcp-subagent-router/pkg/runner"
)

// Built-in defaults applied when neither a flag nor an env var is given.
const (
	DefaultServerName            = "sub_agent_router"
	DefaultCommandTimeoutMS      = 10 * 60 * 1000
	DefaultCommandMaxOutputBytes = 1 << 20
	DefaultAITimeoutMS           = 10 * 60 * 1000
	DefaultAIMaxOutputBytes      = 1 << 20
	DefaultAIToolMaxTurns        = 100
	DefaultAIMaxRetries          = 5
	DefaultRetentionDays         = 30
	DefaultAdminHost             = "127.0.0.1"
)

// Options holds every startup option of the router process.
type Options struct {
	Name            string // server name; also the state subdirectory
	StateRoot       string // base state directory holding all server dirs
	MarketplacePath string // effective merged manifest file
	PluginsRoot     string // base directory for relative plugin sources

	CommandTimeoutMS      int64
	CommandMaxOutputBytes int64
	AITimeoutMS           int64
	AIMaxOutputBytes      int64
	LLMCommand            string // shell-like command acting as the model

	AdminHost string
	AdminPort int // 0 disables the admin HTTP server

	SessionID   string
	RunID       string
	CallerModel string // model name of the calling CLI, if it told us

	LogAI         bool
	LogAIMaxChars int
	LogAIDir      string

	RetentionDays int
}

// Identity pins the session and run ids that every job and event created by
// this process inherits. Resolved once at startup and passed through
// constructors.
type Identity struct {
	SessionID string
	RunID     string
}

// Parse resolves Options from the given flag arguments (normally
// os.Args[1:]). Flag defaults are drawn from the environment, so flags win
// over env vars. Returns flag.ErrHelp for --help; callers decide the exit
// code.
func Parse(args []string) (*Options, error) {
	o := &Options{}
	fs := flag.NewFlagSet("subagent-router", flag.ContinueOnError)

	fs.StringVar(&o.Name, "name",
		envString("SUBAGENT_NAME", DefaultServerName),
		"server name; names the state subdirectory and the MCP server")
	fs.StringVar(&o.StateRoot, "state-root",
		envString("MCP_STATE_ROOT", envString("SUBAGENT_STATE_ROOT", "")),
		"base state directory (default ~/.mcp-servers)")
	fs.StringVar(&o.MarketplacePath, "marketplace-path",
		envString("SUBAGENT_MARKETPLACE_PATH", ""),
		"effective marketplace manifest file (default <server dir>/marketplace.json)")
	fs.StringVar(&o.PluginsRoot, "plugins-root",
		envString("SUBAGENT_PLUGINS_ROOT", ""),
		"base directory for plugin sources (default <server dir>/plugins)")

	fs.Int64Var(&o.CommandTimeoutMS, "timeout-ms",
		envInt64("SUBAGENT_TIMEOUT_MS", DefaultCommandTimeoutMS),
		"child process timeout in milliseconds; 0 disables")
	fs.Int64Var(&o.CommandMaxOutputBytes, "max-output-bytes",
		envInt64("SUBAGENT_MAX_OUTPUT_BYTES", DefaultCommandMaxOutputBytes),
		"per-stream child output cap in bytes; 0 unbounded")
	fs.Int64Var(&o.AITimeoutMS, "llm-timeout-ms",
		envInt64("SUBAGENT_LLM_TIMEOUT_MS", DefaultAITimeoutMS),
		"per-attempt model request timeout in milliseconds; 0 disables")
	fs.Int64Var(&o.AIMaxOutputBytes, "llm-max-output-bytes",
		envInt64("SUBAGENT_LLM_MAX_OUTPUT_BYTES", DefaultAIMaxOutputBytes),
		"model response byte cap; 0 unbounded")
	fs.StringVar(&o.LLMCommand, "llm-cmd",
		envString("SUBAGENT_LLM_CMD", ""),
		"local command that acts as the model (prompt on stdin, answer on stdout)")

	fs.IntVar(&o.AdminPort, "admin-port",
		envInt("SUBAGENT_ADMIN_PORT", 0),
		"admin HTTP port; 0 disables the admin server")
	fs.StringVar(&o.AdminHost, "admin-host",
		envString("SUBAGENT_ADMIN_HOST", DefaultAdminHost),
		"admin HTTP bind host")

	fs.StringVar(&o.SessionID, "session-id",
		envString("MODEL_CLI_SESSION_ID", ""),
		"caller session id (default generated)")
	fs.StringVar(&o.RunID, "run-id",
		envString("MODEL_CLI_RUN_ID", ""),
		"process run id (default generated)")

	fs.BoolVar(&o.LogAI, "log-ai",
		envBool("SUBAGENT_LOG_AI", false),
		"append model run events to a JSON-lines diagnostic log")
	fs.IntVar(&o.LogAIMaxChars, "log-ai-max-chars",
		envInt("SUBAGENT_LOG_AI_MAX_CHARS", llm.DefaultClipChars),
		"char cap for strings in the AI diagnostic log")
	fs.StringVar(&o.LogAIDir, "log-ai-dir",
		envString("SUBAGENT_LOG_AI_DIR", ""),
		"directory for the AI diagnostic log (default <server dir>)")

	fs.IntVar(&o.RetentionDays, "retention-days",
		envInt("SUBAGENT_RETENTION_DAYS", DefaultRetentionDays),
		"days to keep terminal jobs; 0 disables cleanup")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	o.CallerModel = os.Getenv("MODEL_CLI_MODEL")

	if o.StateRoot == "" {
		root, err := ident.StateRoot()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve state root: %w", err)
		}
		o.StateRoot = root
	}
	dir := filepath.Join(o.StateRoot, o.Name)
	if o.MarketplacePath == "" {
		o.MarketplacePath = filepath.Join(dir, "marketplace.json")
	}
	if o.PluginsRoot == "" {
		o.PluginsRoot = filepath.Join(dir, "plugins")
	}
	return o, nil
}

// ServerDir returns the state directory for this server instance.
func (o *Options) ServerDir() string {
	return filepath.Join(o.StateRoot, o.Name)
}

// DatabasePath returns the SQLite database file for this server instance.
func (o *Options) DatabasePath() string {
	return filepath.Join(o.ServerDir(), o.Name+".db.sqlite")
}

// RegistryPath returns the local agent registry file.
func (o *Options) RegistryPath() string {
	return filepath.Join(o.ServerDir(), "subagents.json")
}

// EnvFile returns the per-server .env file loaded at startup.
func (o *Options) EnvFile() string {
	return filepath.Join(o.ServerDir(), ".env")
}

// EnsureStateDirs creates the server state directory tree.
func (o *Options) EnsureStateDirs() error {
	for _, dir := range []string{o.ServerDir(), o.PluginsRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state directory %s: %w", dir, err)
		}
	}
	return nil
}

// Identity resolves the process session and run ids, generating fresh ones
// when the caller supplied none.
func (o *Options) Identity() Identity {
	id := Identity{SessionID: o.SessionID, RunID: o.RunID}
	if id.SessionID == "" {
		id.SessionID = ident.NewSessionID()
	}
	if id.RunID == "" {
		id.RunID = ident.NewRunID()
	}
	return id
}

// RuntimeDefaults returns the cap defaults carried by these options, in the
// shape persisted runtime settings are merged onto.
func (o *Options) RuntimeDefaults() models.RuntimeConfig {
	return models.RuntimeConfig{
		CommandTimeoutMS:      o.CommandTimeoutMS,
		CommandMaxOutputBytes: o.CommandMaxOutputBytes,
		AITimeoutMS:           o.AITimeoutMS,
		AIMaxOutputBytes:      o.AIMaxOutputBytes,
		AIToolMaxTurns:        DefaultAIToolMaxTurns,
		AIMaxRetries:          DefaultAIMaxRetries,
	}
}

// LLMCommandArgv splits the llm-cmd option with shell-like quoting. Returns
// nil when the option is unset.
func (o *Options) LLMCommandArgv() ([]string, error) {
	if strings.TrimSpace(o.LLMCommand) == "" {
		return nil, nil
	}
	argv, err := runner.SplitCommand(o.LLMCommand)
	if err != nil {
		return nil, fmt.Errorf("invalid llm-cmd: %w", err)
	}
	return argv, nil
}

// AdminEnabled reports whether the admin HTTP server should start.
func (o *Options) AdminEnabled() bool {
	return o.AdminPort > 0
}

// AdminAddr returns the admin HTTP listen address.
func (o *Options) AdminAddr() string {
	host := o.AdminHost
	if host == "" {
		host = DefaultAdminHost
	}
	return fmt.Sprintf("%s:%d", host, o.AdminPort)
}

// AISink builds the diagnostic AI event sink, nil when disabled.
func (o *Options) AISink() llm.Sink {
	if !o.LogAI {
		return nil
	}
	dir := o.LogAIDir
	if dir == "" {
		dir = o.ServerDir()
	}
	sink := llm.FileSink(filepath.Join(dir, "ai-events.jsonl"))
	if o.LogAIMaxChars > 0 && o.LogAIMaxChars < llm.DefaultClipChars {
		sink = llm.ClipSink(sink, o.LogAIMaxChars)
	}
	return sink
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		slog.Warn("Ignoring malformed numeric env var", "key", key, "value", v)
		return fallback
	}
	return n
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring malformed numeric env var", "key", key, "value", v)
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("Ignoring malformed boolean env var", "key", key, "value", v)
		return fallback
	}
	return b
}
