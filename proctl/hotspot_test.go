package proctl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeAttachRequest(t *testing.T) {
	req, err := encodeAttachRequest("load", "instrument", "false", "/a/agent.jar=port=1")
	require.NoError(t, err)
	assert.Equal(t, "1\x00load\x00instrument\x00false\x00/a/agent.jar=port=1\x00", string(req))

	req, err = encodeAttachRequest("properties")
	require.NoError(t, err)
	assert.Equal(t, "1\x00properties\x00\x00\x00\x00", string(req))

	_, err = encodeAttachRequest("load", "a", "b", "c", "d")
	assert.Error(t, err)
	_, err = encodeAttachRequest("load", "a\x00b")
	assert.Error(t, err)
}

func TestParseAttachReply(t *testing.T) {
	body, err := parseAttachReply([]byte("0\nreturn code: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, "return code: 0\n", string(body))

	_, err = parseAttachReply([]byte("101\nProtocol mismatch\n"))
	assert.ErrorContains(t, err, "Protocol mismatch")
	_, err = parseAttachReply([]byte("1\n"))
	assert.ErrorContains(t, err, "no message")
	_, err = parseAttachReply(nil)
	assert.ErrorContains(t, err, "malformed")
}

func TestCheckLoadResult(t *testing.T) {
	assert.NoError(t, checkLoadResult([]byte("return code: 0\n")))
	assert.NoError(t, checkLoadResult([]byte("0\n")))
	assert.ErrorContains(t, checkLoadResult([]byte("return code: 102\n")), "102")
	assert.ErrorContains(t, checkLoadResult([]byte("100")), "100")
	assert.ErrorContains(t, checkLoadResult([]byte("java.lang.ClassNotFoundException: Agent\n")), "ClassNotFoundException")
	assert.ErrorContains(t, checkLoadResult(nil), "did not respond")
}

func TestParseProperties(t *testing.T) {
	props := parseProperties([]byte(`#Fri Oct 17 10:00:00 UTC 2025
java.version=17.0.2
java.home=/usr/lib/jvm/java-17
path.separator=\:
line.separator=\n
key\=with\=equals=value
user.name:svc
empty=
unicode=café
`))
	assert.Equal(t, map[string]string{
		"java.version":    "17.0.2",
		"java.home":       "/usr/lib/jvm/java-17",
		"path.separator":  ":",
		"line.separator":  "\n",
		"key=with=equals": "value",
		"user.name":       "svc",
		"empty":           "",
		"unicode":         "café",
	}, props)
}

func TestJavaDisplayName(t *testing.T) {
	tests := []struct {
		argv []string
		want string
	}{
		{[]string{"java", "-Xmx1g", "-cp", "lib/*:app.jar", "com.example.Main", "--port", "8080"}, "com.example.Main"},
		{[]string{"/usr/bin/java", "-jar", "/opt/app/server.jar"}, "/opt/app/server.jar"},
		{[]string{"java", "--module-path", "mods", "-m", "app/com.example.Main"}, "app/com.example.Main"},
		{[]string{"java", "--module=app/com.example.Main"}, "app/com.example.Main"},
		{[]string{"java", "-Dfoo=bar", "-classpath", "x", "Hello"}, "Hello"},
		{[]string{"java", "-version"}, ""},
		{[]string{"java", "-jar"}, ""},
		{nil, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, javaDisplayName(tt.argv), "%q", tt.argv)
	}

	assert.Equal(t, "java", hotspotDisplayName(1, []string{"/usr/bin/java", "-version"}))
	assert.Equal(t, "java (7)", hotspotDisplayName(7, nil))
	assert.Equal(t, "java (7)", hotspotDisplayName(7, []string{""}))
}
