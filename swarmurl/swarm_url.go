// Package swarmurl parses and builds the extended URL syntax used to address
// the mirror gateway. On top of a regular git remote URL the gateway accepts
// a command, a target repo, an extra argument and an on-behalf-of user encoded
// in the path:
//
//	ssh://host/@wait@myrepo@42@foruser=alice
//	user@host:@list
//	https://host/myrepo
package swarmurl

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Commands understood by the mirror gateway.
const (
	CmdHelp   = "help"
	CmdInfo   = "info"
	CmdList   = "list"
	CmdStatus = "status"
	CmdWait   = "wait"
)

var (
	// ErrUnknownCommand is returned when a command outside the gateway's
	// fixed command set is assigned.
	ErrUnknownCommand = errors.New("unknown mirror gateway command")

	knownCommands = map[string]bool{
		CmdHelp:   true,
		CmdInfo:   true,
		CmdList:   true,
		CmdStatus: true,
		CmdWait:   true,
	}

	schemeRgx  = regexp.MustCompile(`^([a-z][a-z0-9+.-]*)://`)
	forUserRgx = regexp.MustCompile(`@foruser=([^@]+)`)

	defaultPorts = map[string]string{
		"http":  "80",
		"https": "443",
		"ssh":   "22",
		"scp":   "22",
	}
)

// ParseError is returned for mirror URLs which cannot be parsed.
type ParseError struct {
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid mirror url '%s': %s", e.Raw, e.Reason)
}

// URL represents a parsed mirror gateway URL.
// The zero value is not usable, construct it via Parse.
type URL struct {
	scheme    string // 'http', 'https', 'ssh' or the synthetic 'scp'
	user      string
	password  string
	host      string // host or host:port
	delimiter string // separator between host and path, '/' or ':'
	command   string // one of the known commands or empty
	repo      string
	extra     string
	forUser   string // on-behalf-of identity

	// strip password from serialized output, on by default so that
	// credentials never end up in logs or git config
	stripPassword bool
}

// Parse parses a raw mirror URL. A leading scheme of http, https or ssh is
// accepted explicitly; absence of a scheme implies SCP-style addressing
// (user@host[:path] or user@host/path) which requires a user component and is
// tagged with the synthetic 'scp' scheme.
func Parse(raw string) (*URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &ParseError{Raw: raw, Reason: "empty url"}
	}

	u := &URL{stripPassword: true, delimiter: "/"}

	rest := raw
	if m := schemeRgx.FindStringSubmatch(raw); m != nil {
		switch m[1] {
		case "http", "https", "ssh", "scp":
			u.scheme = m[1]
		default:
			return nil, &ParseError{Raw: raw, Reason: fmt.Sprintf("unsupported scheme '%s'", m[1])}
		}
		rest = raw[len(m[0]):]
	}

	var path string

	if u.scheme == "" {
		// SCP-style shorthand, user is mandatory
		at := strings.Index(rest, "@")
		if at <= 0 {
			return nil, &ParseError{Raw: raw, Reason: "scp style url requires a user"}
		}
		u.scheme = "scp"
		u.user = rest[:at]
		rest = rest[at+1:]

		// path starts at the first ':' or '/' after the host
		if i := strings.IndexAny(rest, ":/"); i >= 0 {
			u.host = rest[:i]
			u.delimiter = string(rest[i])
			path = rest[i+1:]
		} else {
			u.host = rest
			u.delimiter = ":"
		}
	} else {
		hostpart := rest
		if i := strings.Index(rest, "/"); i >= 0 {
			hostpart = rest[:i]
			path = rest[i+1:]
		}
		if at := strings.LastIndex(hostpart, "@"); at >= 0 {
			userinfo := hostpart[:at]
			hostpart = hostpart[at+1:]
			if c := strings.Index(userinfo, ":"); c >= 0 {
				u.user = userinfo[:c]
				u.password = userinfo[c+1:]
			} else {
				u.user = userinfo
			}
		}
		u.host = hostpart
	}

	if u.host == "" {
		return nil, &ParseError{Raw: raw, Reason: "host cannot be empty"}
	}

	if err := u.parsePath(raw, path); err != nil {
		return nil, err
	}

	return u, nil
}

// parsePath applies the gateway path grammar. The @foruser token is extracted
// first, before any other '@' splitting, so its value can be arbitrary.
func (u *URL) parsePath(raw, path string) error {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}

	if m := forUserRgx.FindStringSubmatchIndex(path); m != nil {
		u.forUser = path[m[2]:m[3]]
		path = path[:m[0]] + path[m[1]:]
	}

	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}

	if !strings.HasPrefix(path, "@") {
		// plain repo path, no command addressing
		u.repo = path
		return nil
	}

	segments := strings.SplitN(path[1:], "@", 3)
	if segments[0] != "" {
		if !knownCommands[segments[0]] {
			return &ParseError{Raw: raw, Reason: fmt.Sprintf("unknown command '%s'", segments[0])}
		}
		u.command = segments[0]
	}
	if len(segments) > 1 {
		u.repo = segments[1]
	}
	if len(segments) > 2 {
		u.extra = segments[2]
	}
	return nil
}

func (u *URL) Scheme() string  { return u.scheme }
func (u *URL) User() string    { return u.user }
func (u *URL) Host() string    { return u.host }
func (u *URL) Command() string { return u.command }
func (u *URL) Repo() string    { return u.repo }
func (u *URL) Extra() string   { return u.extra }
func (u *URL) ForUser() string { return u.forUser }

// Hostname returns the host without any port component.
func (u *URL) Hostname() string {
	if i := strings.Index(u.host, ":"); i >= 0 {
		return u.host[:i]
	}
	return u.host
}

// SetCommand assigns the gateway command. Unknown commands are rejected,
// an empty value clears the command.
func (u *URL) SetCommand(cmd string) error {
	if cmd != "" && !knownCommands[cmd] {
		return fmt.Errorf("%w: '%s'", ErrUnknownCommand, cmd)
	}
	u.command = cmd
	return nil
}

// SetRepo assigns the target repo of the addressed operation.
func (u *URL) SetRepo(repo string) { u.repo = repo }

// SetExtra assigns the extra command argument. It is only serializable while
// both command and repo are set, which Serialize enforces.
func (u *URL) SetExtra(extra string) { u.extra = extra }

// SetForUser assigns the on-behalf-of identity.
func (u *URL) SetForUser(user string) { u.forUser = user }

// ClearForUser removes the on-behalf-of identity.
func (u *URL) ClearForUser() { u.forUser = "" }

// StripPassword controls whether the password is omitted from the
// serialized url. It is stripped by default.
func (u *URL) StripPassword(strip bool) { u.stripPassword = strip }

// Serialize reconstructs the URL string. It fails if extra is set without
// both command and repo.
func (u *URL) Serialize() (string, error) {
	if u.extra != "" && (u.command == "" || u.repo == "") {
		return "", errors.New("extra requires both command and repo to be set")
	}

	var b strings.Builder

	host := u.host
	if port, ok := defaultPorts[u.scheme]; ok {
		host = strings.TrimSuffix(host, ":"+port)
	}

	delimiter := u.delimiter
	if u.scheme == "scp" && u.delimiter == ":" {
		// shorthand form: user@host:path
		b.WriteString(u.user)
		b.WriteString("@")
		b.WriteString(host)
	} else {
		b.WriteString(u.scheme)
		b.WriteString("://")
		if u.user != "" {
			b.WriteString(u.user)
			if u.password != "" && !u.stripPassword {
				b.WriteString(":")
				b.WriteString(u.password)
			}
			b.WriteString("@")
		}
		b.WriteString(host)
		delimiter = "/"
	}

	path := u.pathString()
	if path != "" {
		b.WriteString(delimiter)
		b.WriteString(path)
	}

	return b.String(), nil
}

func (u *URL) pathString() string {
	var b strings.Builder
	if u.command != "" {
		b.WriteString("@")
		b.WriteString(u.command)
	}
	if u.repo != "" {
		if u.command != "" {
			b.WriteString("@")
		}
		b.WriteString(u.repo)
	}
	if u.extra != "" {
		b.WriteString("@")
		b.WriteString(u.extra)
	}
	if u.forUser != "" {
		b.WriteString("@foruser=")
		b.WriteString(u.forUser)
	}
	return b.String()
}

// Equal reports whether two URLs serialize to the same string. URLs with
// different password stripping settings can compare unequal. A nil URL is
// only equal to another nil URL.
func (u *URL) Equal(o *URL) bool {
	if u == nil || o == nil {
		return u == o
	}
	ls, lerr := u.Serialize()
	rs, rerr := o.Serialize()
	if lerr != nil || rerr != nil {
		return false
	}
	return ls == rs
}
