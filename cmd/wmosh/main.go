/*
 * wmosh: a native Windows client for the Mosh state synchronization protocol
 * Copyright 2019-2026 Daniel Selifonov
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
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/chronostruct/wmosh/internal/bootstrap"
	"github.com/chronostruct/wmosh/internal/crypto"
	"github.com/chronostruct/wmosh/internal/predictor"
	"github.com/chronostruct/wmosh/internal/session"
	"github.com/chronostruct/wmosh/internal/transport"
	"github.com/chronostruct/wmosh/internal/vtsink"
	"github.com/chronostruct/wmosh/internal/winterm"
	"github.com/chronostruct/wmosh/internal/wire"
)

// arrayFlags: flag.Value interface implementing type to collect multiple values of the same
// argument, e.g. repeated -i identity flags.
type arrayFlags []string

func (_ *arrayFlags) String() string      { return "" }
func (af *arrayFlags) Set(v string) error { *af = append(*af, v); return nil }

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "yes", "1", "true":
		return true
	default:
		return false
	}
}

func parsePredictMode(s string) (predictor.Mode, error) {
	switch strings.ToLower(s) {
	case "", "adaptive":
		return predictor.Adaptive, nil
	case "always":
		return predictor.Always, nil
	case "never":
		return predictor.Never, nil
	default:
		return predictor.Adaptive, fmt.Errorf("unrecognized --predict mode %q", s)
	}
}

// realtimeClock feeds wire.Codec the monotonic milliseconds elapsed since start, truncated to the
// 16-bit millisecond counter the wire format uses.
type realtimeClock struct{ start time.Time }

func (c realtimeClock) NowMillis16() uint16 {
	return uint16(time.Since(c.start).Milliseconds())
}

func main() {
	var (
		port           int
		identityArgs   arrayFlags
		password       string
		serverCommand  string
		predictMode    string
		directAddr     string
		verbose        bool
		metricsAddr    string
	)

	flag.IntVar(&port, "p", 22, "SSH port on the remote host")
	flag.Var(&identityArgs, "i", "SSH `identity file` path (repeatable)")
	flag.StringVar(&password, "password", "", "SSH password (prefer an identity file or agent)")
	flag.StringVar(&serverCommand, "server", "", "remote mosh-server command to run (default: mosh-server new -s)")
	flag.StringVar(&predictMode, "predict", "adaptive", "local echo prediction mode: always|adaptive|never")
	flag.StringVar(&directAddr, "direct", "", "`ip:port` of an already-running mosh-server, skipping SSH bootstrap")
	flag.BoolVar(&verbose, "v", false, "verbose logging")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "`host:port` to serve Prometheus /metrics on (default: disabled)")
	flag.Parse()

	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(log)

	predictMode = strings.TrimSpace(predictMode)
	mode, err := parsePredictMode(predictMode)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if flag.NArg() < 1 && directAddr == "" {
		flag.Usage()
		os.Exit(2)
	}

	var sess *bootstrap.Session
	if directAddr != "" {
		key, ok := bootstrap.MoshKeyFromEnv()
		if !ok {
			fmt.Fprintln(os.Stderr, "wmosh: --direct requires MOSH_KEY to be set")
			os.Exit(1)
		}
		sess, err = bootstrap.Direct(directAddr, key)
	} else {
		user, host := splitUserHost(flag.Arg(0))
		sess, err = bootstrap.Bootstrap(bootstrap.Options{
			User:            user,
			Host:            host,
			SSHPort:         port,
			Identities:      identityArgs,
			UseAgent:        true,
			Password:        password,
			ServerCommand:   serverCommand,
			StrictHostCheck: true,
		})
	}
	if err != nil {
		entry.WithError(err).Error("bootstrap failed")
		os.Exit(1)
	}

	if err := run(entry, sess, mode, metricsAddr); err != nil {
		entry.WithError(err).Error("session ended")
		os.Exit(1)
	}
}

// splitUserHost parses the "[user@]host" positional argument, defaulting to the invoking user,
// matching the convention of the ssh(1) command line.
func splitUserHost(arg string) (user, host string) {
	if idx := strings.IndexByte(arg, '@'); idx >= 0 {
		return arg[:idx], arg[idx+1:]
	}
	user = os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}
	return user, arg
}

func run(log *logrus.Entry, sess *bootstrap.Session, mode predictor.Mode, metricsAddr string) error {
	keyBytes, err := base64.StdEncoding.DecodeString(sess.KeyBase64)
	if err != nil {
		return fmt.Errorf("decoding session key: %w", err)
	}

	clientSend, err := crypto.NewSealer(keyBytes, crypto.DirectionClientToServer)
	if err != nil {
		return err
	}
	clientRecv, err := crypto.NewSealer(keyBytes, crypto.DirectionServerToClient)
	if err != nil {
		return err
	}
	codec := wire.NewCodec(clientSend, clientRecv, realtimeClock{start: time.Now()})

	remoteAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(sess.Host, strconv.Itoa(sess.Port)))
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	console := winterm.New()
	if err := console.Enter(); err != nil {
		log.WithError(err).Warn("failed to enter console raw mode; continuing with default mode")
	}
	defer console.Restore()

	cols, rows, err := console.Size()
	if err != nil {
		cols, rows = 80, 24
	}

	engine := transport.NewEngine(codec, time.Now(), log)
	pred := predictor.New(mode, rows, cols)
	sink := vtsink.New(cols, rows)

	if metricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(transport.NewCollector(engine))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	loop := session.New(conn, remoteAddr, engine, pred, sink, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		engine.MarkDraining()
		cancel()
	}()

	go pumpDatagrams(conn, loop)
	go pumpStdin(loop)

	return loop.Run(ctx)
}

func pumpDatagrams(conn *net.UDPConn, loop *session.Loop) {
	buf := make([]byte, wire.MTU)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		dg := make([]byte, n)
		copy(dg, buf[:n])
		loop.Datagrams() <- dg
	}
}

func pumpStdin(loop *session.Loop) {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			loop.Input() <- b
		}
		if err != nil {
			return
		}
	}
}
