/*
 * wmosh: a native Windows client for the Mosh state synchronization protocol
 * Copyright 2019 Daniel Selifonov
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package bootstrap implements the SSH bootstrap shim: it runs the remote mosh-server over an
// ordinary SSH session, parses the "MOSH CONNECT <port> <key>" line from its stdout, and hands
// back what internal/transport needs to open the UDP session. It also supports the --direct
// bypass path, where the caller already knows the port/key (e.g. from the MOSH_KEY environment
// variable) and SSH is skipped entirely.
package bootstrap

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrNoConnectLine is returned when the remote mosh-server command exits without ever printing a
// recognizable "MOSH CONNECT" line.
var ErrNoConnectLine = errors.New("bootstrap: remote server never announced a MOSH CONNECT line")

// connectTimeout bounds how long the SSH dial and command execution are allowed to take before
// bootstrap gives up -- this is a bounded precondition step, not part of the steady-state
// session.
const connectTimeout = 30 * time.Second

// Session describes everything the transport layer needs to open the authenticated UDP session:
// the server's address, the UDP port mosh-server is listening on, and the shared 128-bit session
// key (still base64, as emitted on the wire by mosh-server -- cmd/wmosh decodes it into the raw
// key bytes internal/crypto takes).
type Session struct {
	Host     string
	Port     int
	KeyBase64 string
}

// Options configures how Bootstrap connects and what remote command it runs.
type Options struct {
	User            string
	Host            string
	SSHPort         int
	Identities      []string
	UseAgent        bool
	Password        string
	ServerCommand   string // defaults to "mosh-server new -s" if empty
	KnownHostsPath  string
	StrictHostCheck bool
}

// defaultServerCommand mirrors upstream mosh's default invocation; the --server flag overrides
// ServerCommand to point at a custom binary/path.
const defaultServerCommand = "mosh-server new -s"

// connectLinePrefix is the sentinel upstream mosh-server prints once its UDP listener is ready.
const connectLinePrefix = "MOSH CONNECT "

// Bootstrap opens an SSH connection to opts.Host, runs the remote server command, and parses its
// announced port/key. The SSH session and connection are closed as soon as the connect line has
// been parsed, without waiting for the command to exit; mosh itself tears down its own UDP
// transport independently of the SSH channel.
func Bootstrap(opts Options) (*Session, error) {
	auth, err := buildAuthMethods(opts)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := buildHostKeyCallback(opts)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(sshPortOrDefault(opts.SSHPort)))
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            opts.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         connectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: ssh dial: %w", err)
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: ssh session: %w", err)
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, err
	}

	cmd := opts.ServerCommand
	if cmd == "" {
		cmd = defaultServerCommand
	}
	if err := sess.Start(cmd); err != nil {
		return nil, fmt.Errorf("bootstrap: start remote command: %w", err)
	}

	line, err := readConnectLine(stdout)
	if err != nil {
		return nil, err
	}
	port, key, err := parseConnectLine(line)
	if err != nil {
		return nil, err
	}

	return &Session{Host: opts.Host, Port: port, KeyBase64: key}, nil
}

// Direct builds a Session from an already-known port/key pair, bypassing SSH entirely -- the
// --direct CLI path, typically fed by the MOSH_KEY environment variable a wrapping script has
// already populated.
func Direct(hostPort string, keyBase64 string) (*Session, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: --direct address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: --direct port: %w", err)
	}
	return &Session{Host: host, Port: port, KeyBase64: keyBase64}, nil
}

// MoshKeyFromEnv reads the MOSH_KEY environment variable, consumed only in --direct mode.
func MoshKeyFromEnv() (string, bool) {
	return os.LookupEnv("MOSH_KEY")
}

func sshPortOrDefault(p int) int {
	if p == 0 {
		return 22
	}
	return p
}

func readConnectLine(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, connectLinePrefix) {
			return line, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("bootstrap: reading remote stdout: %w", err)
	}
	return "", ErrNoConnectLine
}

func parseConnectLine(line string) (int, string, error) {
	fields := strings.Fields(strings.TrimPrefix(line, connectLinePrefix))
	if len(fields) != 2 {
		return 0, "", fmt.Errorf("bootstrap: malformed connect line %q", line)
	}
	port, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, "", fmt.Errorf("bootstrap: malformed connect port in %q: %w", line, err)
	}
	return port, fields[1], nil
}

// buildAuthMethods assembles SSH auth methods in priority order: agent keys first, then
// identity-file keys, then an optional password fallback.
func buildAuthMethods(opts Options) ([]ssh.AuthMethod, error) {
	var signers []ssh.Signer
	seen := map[string]bool{}

	addSigner := func(s ssh.Signer) {
		id := string(s.PublicKey().Marshal())
		if !seen[id] {
			signers = append(signers, s)
			seen[id] = true
		}
	}

	if opts.UseAgent {
		if sock, ok := os.LookupEnv("SSH_AUTH_SOCK"); ok {
			if conn, err := net.Dial("unix", sock); err == nil {
				agentClient := agent.NewClient(conn)
				if agentSigners, err := agentClient.Signers(); err == nil {
					for _, s := range agentSigners {
						addSigner(s)
					}
				}
			}
		}
	}

	for _, path := range opts.Identities {
		keyBytes, err := ioutil.ReadFile(path)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			continue // encrypted or unparsable identities are skipped; agent/password cover those
		}
		addSigner(signer)
	}

	var methods []ssh.AuthMethod
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if opts.Password != "" {
		methods = append(methods, ssh.Password(opts.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("bootstrap: no usable SSH authentication method (agent, identity, or password)")
	}
	return methods, nil
}

// buildHostKeyCallback wires golang.org/x/crypto/ssh/knownhosts for host key verification,
// falling back to an explicit opt-out when strict checking is disabled.
func buildHostKeyCallback(opts Options) (ssh.HostKeyCallback, error) {
	if !opts.StrictHostCheck {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := opts.KnownHostsPath
	if path == "" {
		if home, ok := os.LookupEnv("HOME"); ok {
			path = home + "/.ssh/known_hosts"
		}
	}
	if path == "" {
		return nil, errors.New("bootstrap: strict host key checking requested but no known_hosts path available")
	}
	return knownhosts.New(path)
}
