package proctl

import (
	"bufio"
	"bytes"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// HotSpot dynamic attach: the target listens on <tmp>/.java_pid<pid> once it
// has been asked to. A request is a protocol version followed by a command
// and exactly three arguments, each NUL terminated. The reply starts with a
// status line; a non-zero status is followed by the error text.
const (
	attachProtocolVersion = "1"
	attachArgCount        = 3
)

func encodeAttachRequest(cmd string, args ...string) ([]byte, error) {
	if len(args) > attachArgCount {
		return nil, fmt.Errorf("attach command %s takes at most %d arguments", cmd, attachArgCount)
	}
	var b bytes.Buffer
	for _, s := range append([]string{attachProtocolVersion, cmd}, args...) {
		if strings.IndexByte(s, 0) >= 0 {
			return nil, fmt.Errorf("attach argument %q contains NUL", s)
		}
		b.WriteString(s)
		b.WriteByte(0)
	}
	for i := len(args); i < attachArgCount; i++ {
		b.WriteByte(0)
	}
	return b.Bytes(), nil
}

// parseAttachReply splits a reply into its body, or returns the target's
// error when the status is non-zero.
func parseAttachReply(reply []byte) ([]byte, error) {
	status, rest, _ := bytes.Cut(reply, []byte("\n"))
	code, err := strconv.Atoi(strings.TrimSpace(string(status)))
	if err != nil {
		return nil, fmt.Errorf("malformed attach reply %q", truncate(string(status)))
	}
	if code != 0 {
		msg := strings.TrimSpace(string(rest))
		if msg == "" {
			msg = "no message"
		}
		return nil, fmt.Errorf("target returned status %d: %s", code, msg)
	}
	return rest, nil
}

// checkLoadResult interprets the body of a successful load command. Newer
// VMs answer "return code: N", older ones a bare N.
func checkLoadResult(body []byte) error {
	line, _, _ := bytes.Cut(body, []byte("\n"))
	text := strings.TrimSpace(string(line))
	if text == "" {
		return fmt.Errorf("target VM did not respond to load")
	}
	num := strings.TrimPrefix(text, "return code: ")
	code, err := strconv.Atoi(num)
	if err != nil {
		return fmt.Errorf("agent load failed: %s", truncate(text))
	}
	if code != 0 {
		return fmt.Errorf("agent initialization failed with return code %d", code)
	}
	return nil
}

// parseProperties reads java.util.Properties text as printed by the
// properties command.
func parseProperties(body []byte) map[string]string {
	props := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' || line[0] == '!' {
			continue
		}
		k, v := splitProperty(line)
		props[unescapeProperty(k)] = unescapeProperty(v)
	}
	return props
}

func splitProperty(line string) (string, string) {
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\\':
			i++
		case '=', ':':
			return line[:i], line[i+1:]
		}
	}
	return line, ""
}

func unescapeProperty(s string) string {
	if strings.IndexByte(s, '\\') < 0 {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 't':
			b.WriteByte('\t')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 'u':
			if i+4 < len(s) {
				if r, err := strconv.ParseUint(s[i+1:i+5], 16, 32); err == nil {
					b.WriteRune(rune(r))
					i += 4
					continue
				}
			}
			b.WriteByte('u')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// javaOptionsWithValue consume the following argument.
var javaOptionsWithValue = map[string]bool{
	"-cp": true, "-classpath": true, "--class-path": true,
	"-p": true, "--module-path": true, "--upgrade-module-path": true,
	"--add-modules": true, "--add-opens": true, "--add-exports": true,
	"--add-reads": true, "--patch-module": true, "--limit-modules": true,
}

// javaDisplayName picks the main class, jar or module from a java command
// line the way jps does. It returns "" when none is found.
func javaDisplayName(argv []string) string {
	if len(argv) < 2 {
		return ""
	}
	for i := 1; i < len(argv); i++ {
		arg := argv[i]
		switch {
		case arg == "-jar", arg == "-m", arg == "--module":
			if i+1 < len(argv) {
				return argv[i+1]
			}
			return ""
		case strings.HasPrefix(arg, "--module="):
			return strings.TrimPrefix(arg, "--module=")
		case javaOptionsWithValue[arg]:
			i++
		case strings.HasPrefix(arg, "-"):
		default:
			return arg
		}
	}
	return ""
}

func hotspotDisplayName(pid int, argv []string) string {
	if name := javaDisplayName(argv); name != "" {
		return name
	}
	if len(argv) > 0 && argv[0] != "" {
		return filepath.Base(argv[0])
	}
	return fmt.Sprintf("java (%d)", pid)
}

func truncate(s string) string {
	const limit = 200
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
