// mautrix-irc - A Matrix-IRC puppeting bridge.
// Copyright (C) 2026 Tulir Asokan
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"go.mau.fi/zeroconfig"
	flag "maunium.net/go/mauflag"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mautrix-irc/config"
)

// Information to find out exactly which commit the bridge was built from.
// These are filled at build time with the -X linker flag.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const defaultHomeserver = "http://localhost:8008"

var (
	configPath    = flag.MakeFull("c", "config", "The path to the appservice registration file.", "registration.yaml").String()
	listenAddress = flag.MakeFull("l", "listen-address", "The address to listen on for appservice transactions.", "127.0.0.1").String()
	listenPort    = flag.MakeFull("p", "listen-port", "The port to listen on for appservice transactions.", "9898").Int()
	dropUID       = flag.MakeFull("u", "uid", "UID to drop privileges to after binding.", "0").Int()
	dropGID       = flag.MakeFull("g", "gid", "GID to drop privileges to after binding.", "0").Int()
	enableIdentd  = flag.MakeFull("i", "identd", "Enable the ident responder on port 113.", "false").Bool()
	initialOwner  = flag.MakeFull("o", "owner", "Set the bridge owner MXID on startup.", "").String()
	debugLog      = flag.MakeFull("d", "debug", "Enable debug logging.", "false").Bool()
	generate      = flag.Make().LongKey("generate").Usage("Generate a registration file and exit.").Default("false").Bool()
	reset         = flag.Make().LongKey("reset").Usage("Leave every room, clear all bridge state and exit.").Default("false").Bool()
	wantVersion   = flag.MakeFull("v", "version", "Show the version and exit.", "false").Bool()
	wantHelp, _   = flag.MakeHelpFlag()
)

func versionString() string {
	return fmt.Sprintf("%s (%s, built %s)", Tag, Commit, BuildTime)
}

func makeLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if *debugLog {
		level = zerolog.DebugLevel
	}
	logConfig := zeroconfig.Config{
		MinLevel: &level,
		Writers: []zeroconfig.WriterConfig{{
			Type:   zeroconfig.WriterTypeStdout,
			Format: zeroconfig.LogFormatPrettyColored,
		}},
	}
	log, err := logConfig.Compile()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to configure logging:", err)
		os.Exit(1)
	}
	return *log
}

func dropPrivileges(log zerolog.Logger) {
	if *dropGID != 0 {
		if err := syscall.Setgid(*dropGID); err != nil {
			log.Fatal().Err(err).Int("gid", *dropGID).Msg("Failed to drop group privileges")
		}
	}
	if *dropUID != 0 {
		if err := syscall.Setuid(*dropUID); err != nil {
			log.Fatal().Err(err).Int("uid", *dropUID).Msg("Failed to drop user privileges")
		}
	}
}

func main() {
	flag.SetHelpTitles(
		"mautrix-irc - A Matrix-IRC puppeting bridge.",
		"mautrix-irc [-hvdgi] [-c <path>] [-l <address>] [-p <port>] [-o <mxid>] [homeserver URL]")
	if err := flag.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		return
	} else if *wantVersion {
		fmt.Println("mautrix-irc", versionString())
		return
	}

	homeserver := defaultHomeserver
	if args := flag.Args(); len(args) > 0 {
		homeserver = args[0]
	}

	if *generate {
		reg := config.GenerateRegistration(fmt.Sprintf("http://%s:%d", *listenAddress, *listenPort))
		if err := reg.Save(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, "Failed to save registration:", err)
			os.Exit(1)
		}
		fmt.Printf("Registration written to %s, add it to your homeserver config.\n", *configPath)
		return
	}

	log := makeLogger()
	ctx := log.WithContext(context.Background())

	reg, puppetPrefix, err := config.LoadRegistration(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("Invalid registration")
		os.Exit(1)
	}

	as := appservice.Create()
	as.Registration = reg
	as.Log = log.With().Str("component", "appservice").Logger()
	as.Host = appservice.HostConfig{Hostname: *listenAddress, Port: uint16(*listenPort)}
	if err = as.SetHomeserverURL(homeserver); err != nil {
		log.Fatal().Err(err).Str("url", homeserver).Msg("Invalid homeserver URL")
	}

	// The server name isn't in the registration; ask the homeserver who the
	// bot token belongs to.
	client, err := mautrix.NewClient(homeserver, "", reg.AppToken)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Matrix client")
	}
	whoami, err := client.Whoami(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to identify the bridge bot, check the homeserver URL and registration")
	}
	as.HomeserverDomain = whoami.UserID.Homeserver()
	log.Info().
		Stringer("user_id", whoami.UserID).
		Str("homeserver", as.HomeserverDomain).
		Msg("Connected to homeserver")

	br := NewIRCBridge(as, log, homeserver, as.HomeserverDomain, puppetPrefix, versionString())

	if *reset {
		if err = br.Reset(ctx); err != nil {
			log.Fatal().Err(err).Msg("Reset failed")
		}
		log.Info().Msg("Bridge state cleared")
		return
	}

	go as.Start()
	if *enableIdentd {
		br.identd, err = NewIdentServer(br)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start ident responder")
		}
	}
	dropPrivileges(log)

	if err = br.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start bridge")
	}
	if *initialOwner != "" {
		br.MutateConfig(ctx, func(cfg *config.BridgeConfig) {
			cfg.Owner = id.UserID(*initialOwner)
		})
		log.Info().Str("owner", *initialOwner).Msg("Owner set from command line")
	}
	log.Info().Str("version", versionString()).Msg("Bridge started")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Info().Msg("Shutting down")
	br.Stop()
	as.Stop()
}
