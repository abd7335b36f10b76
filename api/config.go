package api

import (
	"fmt"
	"strconv"
	"strings"
)

type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

func ParseLogLevel(s string) (LogLevel, error) {
	switch l := LogLevel(strings.ToLower(strings.TrimSpace(s))); l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return l, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

// AgentConfig is handed to the agent at injection time as a single argument
// string, see String and ParseAgentConfig.
type AgentConfig struct {
	HostName    string   `json:"hostName"`
	Port        int      `json:"port"`
	Identifier  string   `json:"identifier"`
	LogLevel    LogLevel `json:"logLevel"`
	LogFilePath string   `json:"logFilePath"`
}

const (
	argHostName    = "hostName"
	argPort        = "port"
	argIdentifier  = "identifier"
	argLogLevel    = "logLevel"
	argLogFilePath = "logFilePath"
)

// String renders the agent startup arguments.
func (c AgentConfig) String() string {
	return fmt.Sprintf("%s=%s;%s=%d;%s=%s;%s=%s;%s=%s",
		argHostName, c.HostName,
		argPort, c.Port,
		argIdentifier, c.Identifier,
		argLogLevel, c.LogLevel,
		argLogFilePath, c.LogFilePath)
}

// Validate reports values that String cannot carry, since pairs are
// separated by ';' and nothing is escaped.
func (c AgentConfig) Validate() error {
	for _, kv := range [][2]string{
		{argHostName, c.HostName},
		{argIdentifier, c.Identifier},
		{argLogLevel, string(c.LogLevel)},
		{argLogFilePath, c.LogFilePath},
	} {
		if strings.Contains(kv[1], ";") {
			return fmt.Errorf("agent argument %s %q must not contain ';'", kv[0], kv[1])
		}
	}
	return nil
}

// Address is the host:port the agent listens on.
func (c AgentConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.HostName, c.Port)
}

// ParseAgentConfig parses semicolon separated key=value pairs in any order.
// Unknown keys are ignored; every known key is required.
func ParseAgentConfig(args string) (AgentConfig, error) {
	values := map[string]string{}
	for _, pair := range strings.Split(args, ";") {
		if strings.TrimSpace(pair) == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return AgentConfig{}, fmt.Errorf("malformed agent argument %q", pair)
		}
		values[strings.TrimSpace(k)] = v
	}

	for _, k := range []string{argHostName, argPort, argIdentifier, argLogLevel, argLogFilePath} {
		if _, ok := values[k]; !ok {
			return AgentConfig{}, fmt.Errorf("missing agent argument %q", k)
		}
	}

	port, err := strconv.Atoi(values[argPort])
	if err != nil || port <= 0 || port > 65535 {
		return AgentConfig{}, fmt.Errorf("invalid agent port %q", values[argPort])
	}
	level, err := ParseLogLevel(values[argLogLevel])
	if err != nil {
		return AgentConfig{}, err
	}
	if values[argHostName] == "" {
		return AgentConfig{}, fmt.Errorf("empty agent host name")
	}

	return AgentConfig{
		HostName:    values[argHostName],
		Port:        port,
		Identifier:  values[argIdentifier],
		LogLevel:    level,
		LogFilePath: values[argLogFilePath],
	}, nil
}
